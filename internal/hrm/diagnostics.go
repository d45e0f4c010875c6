package hrm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ParticipationRatio computes the effective dimensionality of a set of
// hidden vectors from the eigen-spectrum of their covariance:
// PR = (sum lambda)^2 / sum lambda^2. The result is bounded in
// [1, hidden]. Pure function: nothing in the model is touched.
func ParticipationRatio(states *tensor.Tensor) (float64, error) {
	n, d := states.Dims()
	if n < 2 {
		return 0, fmt.Errorf("hrm: participation ratio needs at least 2 rows, got %d", n)
	}

	// Column means.
	means := make([]float64, d)
	for i := 0; i < n; i++ {
		row := states.Row(i)
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}

	// Covariance, centered.
	cov := mat.NewSymDense(d, nil)
	centered := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		row := states.Row(i)
		for j, v := range row {
			centered.Set(i, j, v-means[j])
		}
	}
	for a := 0; a < d; a++ {
		for b := a; b < d; b++ {
			var s float64
			for i := 0; i < n; i++ {
				s += centered.At(i, a) * centered.At(i, b)
			}
			cov.SetSym(a, b, s/float64(n-1))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, false); !ok {
		return 0, fmt.Errorf("hrm: eigen decomposition failed")
	}
	values := eig.Values(nil)

	var sum, sumSq float64
	for _, v := range values {
		if v < 0 {
			// Numerical noise below zero; the covariance is PSD.
			v = 0
		}
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		// Degenerate: all vectors identical. A single direction.
		return 1, nil
	}
	pr := sum * sum / sumSq
	if pr < 1 {
		pr = 1
	}
	if pr > float64(d) {
		pr = float64(d)
	}
	return pr, nil
}

// Residual is the magnitude of change of one hierarchical state across one
// update, in unroll order.
type Residual struct {
	Cycle    int
	Timestep int // -1 for high-level updates
	Kind     string
	Norm     float64 // RMS of the state delta
}

// ForwardResiduals runs a detached unroll and reports the per-step RMS
// change of z_L (low steps) and z_H (high updates). A healthy hierarchy
// shows residual spikes after each high-level update; monotonically
// vanishing residuals indicate degenerate early convergence. Pure function
// with no training-loop side effects.
func (m *Model) ForwardResiduals(in ForwardInput) ([]Residual, error) {
	var out []Residual
	obs := func(kind string, cycle, ts int, zH, zL, prev *tensor.Tensor) {
		cur := zL
		if kind == KindHigh {
			cur = zH
		}
		out = append(out, Residual{
			Cycle:    cycle,
			Timestep: ts,
			Kind:     kind,
			Norm:     rmsDelta(cur, prev),
		})
	}
	if _, err := m.run(nil, nil, in, obs); err != nil {
		return nil, err
	}
	return out, nil
}

func rmsDelta(a, b *tensor.Tensor) float64 {
	ad, bd := a.Data(), b.Data()
	var sum float64
	for i := range ad {
		d := ad[i] - bd[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(ad)))
}
