package tensor

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Attention computes multi-head scaled dot-product attention over flattened
// (batch*seq, heads*headDim) q/k/v. mask is nil or batch*seq long with
// 1=attend / 0=ignore; masked key positions are excluded from the softmax.
// When taped, the per-head probability matrices are retained for backward.
func Attention(tp *Tape, q, k, v *Tensor, batch, seq, heads int, scale float64, mask []float64) *Tensor {
	sameShape("Attention", q, k)
	sameShape("Attention", q, v)
	if q.rows != batch*seq {
		panic(fmt.Sprintf("tensor: Attention rows %d != batch %d * seq %d", q.rows, batch, seq))
	}
	if q.cols%heads != 0 {
		panic(fmt.Sprintf("tensor: Attention hidden %d not divisible by heads %d", q.cols, heads))
	}
	if mask != nil && len(mask) != batch*seq {
		panic(fmt.Sprintf("tensor: Attention mask length %d != batch*seq %d", len(mask), batch*seq))
	}
	headDim := q.cols / heads
	out := Zeros(q.rows, q.cols)

	var probs [][]float64
	if tp.active() {
		probs = make([][]float64, batch*heads)
	}

	workers := numWorkers
	if batch < workers {
		workers = batch
	}
	per := (batch + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startB := w * per
		if startB >= batch {
			break
		}
		endB := startB + per
		if endB > batch {
			endB = batch
		}
		wg.Add(1)
		go func(bs, be int) {
			defer wg.Done()
			scratch := make([]float64, seq*seq)
			for b := bs; b < be; b++ {
				off := b * seq
				for h := 0; h < heads; h++ {
					scores := scratch
					if probs != nil {
						scores = make([]float64, seq*seq)
						probs[b*heads+h] = scores
					}
					hOff := h * headDim
					for i := 0; i < seq; i++ {
						qRow := q.data[(off+i)*q.cols+hOff : (off+i)*q.cols+hOff+headDim]
						sRow := scores[i*seq : (i+1)*seq]
						for j := 0; j < seq; j++ {
							kRow := k.data[(off+j)*k.cols+hOff : (off+j)*k.cols+hOff+headDim]
							s := simd.DotProduct(qRow, kRow) * scale
							if mask != nil && mask[off+j] == 0 {
								s = -1e30
							}
							sRow[j] = s
						}
						simd.SoftmaxFast(sRow)
					}
					for i := 0; i < seq; i++ {
						oRow := out.data[(off+i)*out.cols+hOff : (off+i)*out.cols+hOff+headDim]
						sRow := scores[i*seq : (i+1)*seq]
						for j := 0; j < seq; j++ {
							p := sRow[j]
							if p == 0 {
								continue
							}
							vRow := v.data[(off+j)*v.cols+hOff : (off+j)*v.cols+hOff+headDim]
							simd.VecAddScaled(oRow, vRow, p)
						}
					}
				}
			}
		}(startB, endB)
	}
	wg.Wait()

	if tp.active() {
		out.ensureGrad()
		tp.record(func() {
			attentionBackward(q, k, v, out, probs, batch, seq, heads, headDim, scale)
		})
	}
	return out
}

func attentionBackward(q, k, v, out *Tensor, probs [][]float64, batch, seq, heads, headDim int, scale float64) {
	dP := make([]float64, seq*seq)
	for b := 0; b < batch; b++ {
		off := b * seq
		for h := 0; h < heads; h++ {
			p := probs[b*heads+h]
			hOff := h * headDim
			// dV[j] += sum_i P[i,j] * dOut[i]; dP[i,j] = dOut[i] . V[j]
			for i := 0; i < seq; i++ {
				dOutRow := out.grad[(off+i)*out.cols+hOff : (off+i)*out.cols+hOff+headDim]
				pRow := p[i*seq : (i+1)*seq]
				dpRow := dP[i*seq : (i+1)*seq]
				for j := 0; j < seq; j++ {
					vRow := v.data[(off+j)*v.cols+hOff : (off+j)*v.cols+hOff+headDim]
					dpRow[j] = simd.DotProduct(dOutRow, vRow)
					if v.grad != nil && pRow[j] != 0 {
						dvRow := v.grad[(off+j)*v.cols+hOff : (off+j)*v.cols+hOff+headDim]
						simd.VecAddScaled(dvRow, dOutRow, pRow[j])
					}
				}
			}
			// dS[i,j] = P[i,j] * (dP[i,j] - sum_j' dP[i,j']*P[i,j'])
			// then dQ[i] += scale * sum_j dS[i,j]*K[j], dK[j] += scale * sum_i dS[i,j]*Q[i]
			for i := 0; i < seq; i++ {
				pRow := p[i*seq : (i+1)*seq]
				dpRow := dP[i*seq : (i+1)*seq]
				rowDot := simd.DotProduct(dpRow, pRow)
				qRow := q.data[(off+i)*q.cols+hOff : (off+i)*q.cols+hOff+headDim]
				var dqRow []float64
				if q.grad != nil {
					dqRow = q.grad[(off+i)*q.cols+hOff : (off+i)*q.cols+hOff+headDim]
				}
				for j := 0; j < seq; j++ {
					ds := pRow[j] * (dpRow[j] - rowDot) * scale
					if ds == 0 {
						continue
					}
					if dqRow != nil {
						kRow := k.data[(off+j)*k.cols+hOff : (off+j)*k.cols+hOff+headDim]
						simd.VecAddScaled(dqRow, kRow, ds)
					}
					if k.grad != nil {
						dkRow := k.grad[(off+j)*k.cols+hOff : (off+j)*k.cols+hOff+headDim]
						simd.VecAddScaled(dkRow, qRow, ds)
					}
				}
			}
		}
	}
}
