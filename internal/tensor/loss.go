package tensor

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// CrossEntropy returns the mean negative log-likelihood of labels under
// row-softmax(logits) as a 1x1 tensor. Rows whose label equals ignore are
// excluded from both the mean and the gradient. If every label is ignored
// the loss is 0.
func CrossEntropy(tp *Tape, logits *Tensor, labels []int, ignore int) *Tensor {
	if len(labels) != logits.rows {
		panic(fmt.Sprintf("tensor: CrossEntropy labels length %d != rows %d", len(labels), logits.rows))
	}
	probs := Zeros(logits.rows, logits.cols)
	copy(probs.data, logits.data)
	var sum float64
	count := 0
	for i, label := range labels {
		if label == ignore {
			continue
		}
		if label < 0 || label >= logits.cols {
			panic(fmt.Sprintf("tensor: CrossEntropy label %d out of range [0,%d)", label, logits.cols))
		}
		row := probs.Row(i)
		simd.SoftmaxFast(row)
		p := row[label]
		if p < 1e-300 {
			p = 1e-300
		}
		sum += -math.Log(p)
		count++
	}
	var mean float64
	if count > 0 {
		mean = sum / float64(count)
	}
	out := New(1, 1, []float64{mean})
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if logits.grad == nil || count == 0 {
				return
			}
			g := out.grad[0] / float64(count)
			for i, label := range labels {
				if label == ignore {
					continue
				}
				pRow := probs.Row(i)
				dRow := logits.grad[i*logits.cols : (i+1)*logits.cols]
				simd.VecAddScaled(dRow, pRow, g)
				dRow[label] -= g
			}
		})
	}
	return out
}

// BCEWithLogits returns the mean binary cross-entropy between
// sigmoid(logits) and targets (same layout, values in [0,1]) as a 1x1
// tensor. The log-sum-exp form is used so the loss stays finite for any
// finite logits.
func BCEWithLogits(tp *Tape, logits *Tensor, targets []float64) *Tensor {
	if len(targets) != len(logits.data) {
		panic(fmt.Sprintf("tensor: BCEWithLogits targets length %d != elements %d", len(targets), len(logits.data)))
	}
	n := float64(len(targets))
	var sum float64
	for i, x := range logits.data {
		t := targets[i]
		// max(x,0) - x*t + log(1+exp(-|x|))
		m := x
		if m < 0 {
			m = 0
		}
		ax := x
		if ax < 0 {
			ax = -ax
		}
		sum += m - x*t + math.Log1p(math.Exp(-ax))
	}
	out := New(1, 1, []float64{sum / n})
	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			if logits.grad == nil {
				return
			}
			g := out.grad[0] / n
			for i, x := range logits.data {
				logits.grad[i] += g * (simd.Sigmoid(x) - targets[i])
			}
		})
	}
	return out
}
