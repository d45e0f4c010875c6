package tensor

import (
	"fmt"
)

// Tensor is a rows x cols row-major float64 matrix. Activations follow the
// flattened-batch convention used throughout this module: a batch of
// sequences is stored as (batch*seq, hidden).
//
// A Tensor with a non-nil grad buffer participates in backpropagation;
// detached values and inference-mode intermediates carry no grad buffer.
type Tensor struct {
	rows, cols int
	data       []float64
	grad       []float64
}

// New creates a tensor with the given data (copied). data may be nil for zeros.
func New(rows, cols int, data []float64) *Tensor {
	size := rows * cols
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("tensor: invalid dims %dx%d", rows, cols))
	}
	t := &Tensor{rows: rows, cols: cols, data: make([]float64, size)}
	if data != nil {
		if len(data) != size {
			panic(fmt.Sprintf("tensor: data length %d does not match dims %dx%d", len(data), rows, cols))
		}
		copy(t.data, data)
	}
	return t
}

// Zeros creates a zero-filled tensor.
func Zeros(rows, cols int) *Tensor {
	return New(rows, cols, nil)
}

// Param creates a trainable leaf: same as New but with a grad buffer.
func Param(rows, cols int, data []float64) *Tensor {
	t := New(rows, cols, data)
	t.grad = make([]float64, rows*cols)
	return t
}

// Dims returns (rows, cols).
func (t *Tensor) Dims() (int, int) { return t.rows, t.cols }

// Rows returns the row count.
func (t *Tensor) Rows() int { return t.rows }

// Cols returns the column count.
func (t *Tensor) Cols() int { return t.cols }

// At returns the value at (i, j). Slow; debugging and tests only.
func (t *Tensor) At(i, j int) float64 { return t.data[i*t.cols+j] }

// Set sets the value at (i, j).
func (t *Tensor) Set(i, j int, v float64) { t.data[i*t.cols+j] = v }

// Data returns the underlying slice. Mutations are visible to the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the gradient buffer, or nil if the tensor is detached.
func (t *Tensor) Grad() []float64 { return t.grad }

// Row returns the i-th row as a subslice of the backing array.
func (t *Tensor) Row(i int) []float64 {
	return t.data[i*t.cols : (i+1)*t.cols]
}

// Clone returns a deep value copy. The grad buffer is not cloned.
func (t *Tensor) Clone() *Tensor {
	return New(t.rows, t.cols, t.data)
}

// Detach returns a value copy with no grad buffer. This is the segment
// boundary primitive: a detached carry links segments by data only, never
// by a live graph reference.
func (t *Tensor) Detach() *Tensor {
	return New(t.rows, t.cols, t.data)
}

// ZeroGrad clears the gradient buffer if present.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// ensureGrad allocates the grad buffer; called when an op output is recorded
// on a tape.
func (t *Tensor) ensureGrad() {
	if t.grad == nil {
		t.grad = make([]float64, t.rows*t.cols)
	}
}

// sameShape panics with a descriptive message when shapes differ.
func sameShape(op string, a, b *Tensor) {
	if a.rows != b.rows || a.cols != b.cols {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, a.rows, a.cols, b.rows, b.cols))
	}
}
