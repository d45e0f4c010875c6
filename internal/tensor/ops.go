package tensor

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Ops take an explicit *Tape. With a nil tape they compute the identical
// forward value and record nothing. Gradients are only accumulated into
// inputs that carry a grad buffer, so a detached input cleanly terminates
// the flow.

// MatMul returns a * b.
func MatMul(tp *Tape, a, b *Tensor) *Tensor {
	checkMatMul(a, b)
	out := Zeros(a.rows, b.cols)
	matmulNN(out.data, a.data, b.data, a.rows, a.cols, b.cols)
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if a.grad != nil {
				// dA += dOut * B^T
				matmulNT(a.grad, out.grad, b.data, a.rows, b.cols, a.cols)
			}
			if b.grad != nil {
				// dB += A^T * dOut
				matmulTN(b.grad, a.data, out.grad, b.rows, a.rows, b.cols)
			}
		})
	}
	return out
}

// Add returns a + b (same shape).
func Add(tp *Tape, a, b *Tensor) *Tensor {
	sameShape("Add", a, b)
	out := a.Clone()
	simd.VecAdd(out.data, b.data)
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if a.grad != nil {
				simd.VecAdd(a.grad, out.grad)
			}
			if b.grad != nil {
				simd.VecAdd(b.grad, out.grad)
			}
		})
	}
	return out
}

// Scale returns a * s.
func Scale(tp *Tape, a *Tensor, s float64) *Tensor {
	out := a.Clone()
	simd.VecScale(out.data, s)
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if a.grad != nil {
				simd.VecAddScaled(a.grad, out.grad, s)
			}
		})
	}
	return out
}

// Mul returns the Hadamard product a ∘ b.
func Mul(tp *Tape, a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)
	out := Zeros(a.rows, a.cols)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if a.grad != nil {
				for i := range a.grad {
					a.grad[i] += out.grad[i] * b.data[i]
				}
			}
			if b.grad != nil {
				for i := range b.grad {
					b.grad[i] += out.grad[i] * a.data[i]
				}
			}
		})
	}
	return out
}

// AddBias returns a with the 1 x cols bias row broadcast-added to every row.
func AddBias(tp *Tape, a, bias *Tensor) *Tensor {
	if bias.rows != 1 || bias.cols != a.cols {
		panic(fmt.Sprintf("tensor: AddBias expects 1x%d bias, got %dx%d", a.cols, bias.rows, bias.cols))
	}
	out := a.Clone()
	for i := 0; i < out.rows; i++ {
		simd.VecAdd(out.Row(i), bias.data)
	}
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if a.grad != nil {
				simd.VecAdd(a.grad, out.grad)
			}
			if bias.grad != nil {
				for i := 0; i < out.rows; i++ {
					simd.VecAdd(bias.grad, out.grad[i*out.cols:(i+1)*out.cols])
				}
			}
		})
	}
	return out
}

// RowGather collects table rows by index into a new (len(idx), cols) tensor.
// Used for embedding lookup and for pooling fixed sequence positions.
func RowGather(tp *Tape, table *Tensor, idx []int) *Tensor {
	out := Zeros(len(idx), table.cols)
	for i, id := range idx {
		if id < 0 || id >= table.rows {
			panic(fmt.Sprintf("tensor: RowGather index %d out of range [0,%d)", id, table.rows))
		}
		copy(out.Row(i), table.Row(id))
	}
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if table.grad != nil {
				for i, id := range idx {
					simd.VecAdd(table.grad[id*table.cols:(id+1)*table.cols], out.grad[i*out.cols:(i+1)*out.cols])
				}
			}
		})
	}
	return out
}

// RMSNorm normalizes each row by sqrt(mean(x^2)+eps) and multiplies by a
// learned per-channel gain (1 x cols).
func RMSNorm(tp *Tape, x, gain *Tensor, eps float64) *Tensor {
	if gain.rows != 1 || gain.cols != x.cols {
		panic(fmt.Sprintf("tensor: RMSNorm expects 1x%d gain, got %dx%d", x.cols, gain.rows, gain.cols))
	}
	out := Zeros(x.rows, x.cols)
	invRms := make([]float64, x.rows)
	n := float64(x.cols)
	for i := 0; i < x.rows; i++ {
		row := x.Row(i)
		inv := 1.0 / math.Sqrt(simd.SumSquares(row)/n+eps)
		invRms[i] = inv
		outRow := out.Row(i)
		for j, v := range row {
			outRow[j] = v * inv * gain.data[j]
		}
	}
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			for i := 0; i < x.rows; i++ {
				xRow := x.Row(i)
				dOut := out.grad[i*out.cols : (i+1)*out.cols]
				inv := invRms[i]
				if gain.grad != nil {
					for j := range xRow {
						gain.grad[j] += dOut[j] * xRow[j] * inv
					}
				}
				if x.grad != nil {
					// d/dx of x*inv*g with inv depending on the whole row
					var dot float64
					for j := range xRow {
						dot += dOut[j] * gain.data[j] * xRow[j]
					}
					k := dot * inv * inv * inv / n
					dX := x.grad[i*x.cols : (i+1)*x.cols]
					for j := range xRow {
						dX[j] += dOut[j]*gain.data[j]*inv - xRow[j]*k
					}
				}
			}
		})
	}
	return out
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(tp *Tape, x *Tensor) *Tensor {
	out := Zeros(x.rows, x.cols)
	for i, v := range x.data {
		out.data[i] = v * simd.Sigmoid(v)
	}
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if x.grad != nil {
				for i, v := range x.data {
					s := simd.Sigmoid(v)
					x.grad[i] += out.grad[i] * (s + v*s*(1-s))
				}
			}
		})
	}
	return out
}

// RoPE rotates adjacent half-dimension pairs of every head by a
// position-dependent angle. cosTab and sinTab are (maxPos, headDim/2)
// tables satisfying cos^2+sin^2 = 1; the position of row r is r % seqLen.
// The rotation is orthonormal, so the backward pass is the inverse rotation.
func RoPE(tp *Tape, x *Tensor, cosTab, sinTab *Tensor, seqLen, numHeads, headDim int) *Tensor {
	if x.cols != numHeads*headDim {
		panic(fmt.Sprintf("tensor: RoPE hidden %d != heads %d * headDim %d", x.cols, numHeads, headDim))
	}
	half := headDim / 2
	out := x.Clone()
	rotate := func(dst []float64, sign float64) {
		for r := 0; r < x.rows; r++ {
			pos := r % seqLen
			cosRow := cosTab.Row(pos)
			sinRow := sinTab.Row(pos)
			base := r * x.cols
			for h := 0; h < numHeads; h++ {
				off := base + h*headDim
				for i := 0; i < half; i++ {
					c, s := cosRow[i], sign*sinRow[i]
					x1 := dst[off+i]
					x2 := dst[off+half+i]
					dst[off+i] = x1*c - x2*s
					dst[off+half+i] = x1*s + x2*c
				}
			}
		}
	}
	rotate(out.data, 1)
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if x.grad != nil {
				dIn := make([]float64, len(out.grad))
				copy(dIn, out.grad)
				rotate(dIn, -1)
				simd.VecAdd(x.grad, dIn)
			}
		})
	}
	return out
}

// MeanScalars averages 1x1 tensors into a 1x1 tensor.
func MeanScalars(tp *Tape, xs []*Tensor) *Tensor {
	if len(xs) == 0 {
		panic("tensor: MeanScalars of empty slice")
	}
	var sum float64
	for _, x := range xs {
		if x.rows != 1 || x.cols != 1 {
			panic(fmt.Sprintf("tensor: MeanScalars expects 1x1 inputs, got %dx%d", x.rows, x.cols))
		}
		sum += x.data[0]
	}
	out := New(1, 1, []float64{sum / float64(len(xs))})
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			g := out.grad[0] / float64(len(xs))
			for _, x := range xs {
				if x.grad != nil {
					x.grad[0] += g
				}
			}
		})
	}
	return out
}
