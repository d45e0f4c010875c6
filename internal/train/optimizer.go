package train

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// AdamWConfig holds optimizer hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig mirrors the usual transformer settings.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: 0.1}
}

// AdamW is Adam with decoupled weight decay. One moment pair per named
// parameter, keyed by the stable parameter name so state survives
// checkpoint round-trips.
type AdamW struct {
	cfg  AdamWConfig
	step int
	m    map[string][]float64
	v    map[string][]float64
}

// NewAdamW builds optimizer state for the given parameters.
func NewAdamW(cfg AdamWConfig, params []hrm.NamedParam) *AdamW {
	o := &AdamW{cfg: cfg, m: make(map[string][]float64), v: make(map[string][]float64)}
	for _, p := range params {
		r, c := p.Tensor.Dims()
		o.m[p.Name] = make([]float64, r*c)
		o.v[p.Name] = make([]float64, r*c)
	}
	return o
}

// Step applies one update with the given learning rate and zeroes nothing:
// gradient lifecycle belongs to the trainer.
func (o *AdamW) Step(params []hrm.NamedParam, lr float64) {
	o.step++
	bc1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))
	for _, p := range params {
		data := p.Tensor.Data()
		grad := p.Tensor.Grad()
		m := o.m[p.Name]
		v := o.v[p.Name]
		for i := range data {
			g := grad[i]
			m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*g
			v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			// Decoupled decay: applied to the weight, not the gradient.
			data[i] -= lr * (mHat/(math.Sqrt(vHat)+o.cfg.Eps) + o.cfg.WeightDecay*data[i])
		}
	}
}

// GlobalNormClip scales all gradients so their joint L2 norm does not
// exceed maxNorm. Returns the pre-clip norm.
func GlobalNormClip(params []hrm.NamedParam, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		sumSq += simd.SumSquares(p.Tensor.Grad())
	}
	norm := math.Sqrt(sumSq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-12)
		for _, p := range params {
			simd.VecScale(p.Tensor.Grad(), scale)
		}
	}
	return norm
}

// LRSchedule is linear warmup to the base rate, then constant.
type LRSchedule struct {
	base        float64
	warmupSteps int
	step        int
}

// NewLRSchedule builds the schedule.
func NewLRSchedule(base float64, warmupSteps int) *LRSchedule {
	return &LRSchedule{base: base, warmupSteps: warmupSteps}
}

// LR returns the current learning rate.
func (s *LRSchedule) LR() float64 {
	if s.warmupSteps > 0 && s.step < s.warmupSteps {
		return s.base * float64(s.step+1) / float64(s.warmupSteps)
	}
	return s.base
}

// Advance moves the schedule forward one optimizer step.
func (s *LRSchedule) Advance() { s.step++ }

// GradScaler implements the loss-scaling skip-step convention: losses are
// multiplied by the current scale before backward, gradients are unscaled
// before the optimizer step, and a NaN/Inf gradient skips the update,
// backs the scale off and logs a warning instead of failing the run.
// With float64 storage the scale exists for parity with reduced-precision
// training and for checkpoint state; Enabled=false pins it at 1.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
}

// NewGradScaler builds a scaler. Disabled scalers always report scale 1
// and never skip.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Scale returns the current loss scale.
func (g *GradScaler) Scale() float64 {
	if !g.enabled {
		return 1
	}
	return g.scale
}

// CheckAndUpdate inspects the (still scaled) gradients. It returns false
// and backs off when any gradient is non-finite; otherwise it counts a
// good step and may grow the scale.
func (g *GradScaler) CheckAndUpdate(params []hrm.NamedParam) bool {
	finite := true
	for _, p := range params {
		for _, v := range p.Tensor.Grad() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
		}
		if !finite {
			break
		}
	}
	if !finite {
		if g.enabled {
			g.scale *= g.backoffFactor
			if g.scale < 1 {
				g.scale = 1
			}
			g.goodSteps = 0
		}
		log.Warn().Float64("scale", g.Scale()).Msg("non-finite gradients, skipping step")
		return false
	}
	if !g.enabled {
		return true
	}
	g.goodSteps++
	if g.goodSteps >= g.growthInterval {
		g.scale *= g.growthFactor
		g.goodSteps = 0
	}
	return true
}

// state accessors for checkpointing.

func (o *AdamW) exportState() optimizerState {
	st := optimizerState{Step: o.step, M: make(map[string][]float64, len(o.m)), V: make(map[string][]float64, len(o.v))}
	for k, v := range o.m {
		st.M[k] = append([]float64(nil), v...)
	}
	for k, v := range o.v {
		st.V[k] = append([]float64(nil), v...)
	}
	return st
}

func (o *AdamW) importState(st optimizerState) {
	o.step = st.Step
	for k := range o.m {
		if src, ok := st.M[k]; ok && len(src) == len(o.m[k]) {
			copy(o.m[k], src)
		}
	}
	for k := range o.v {
		if src, ok := st.V[k]; ok && len(src) == len(o.v[k]) {
			copy(o.v[k], src)
		}
	}
}
