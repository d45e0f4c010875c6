package train

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Mode selects the per-step loss discipline. Fixed at construction.
type Mode int

const (
	// ModeDeepSupervision runs the fixed segment loop.
	ModeDeepSupervision Mode = iota
	// ModeACT runs the Q-learned adaptive halting loop.
	ModeACT
)

// Config holds everything the trainer needs beyond the model config.
type Config struct {
	Mode     Mode
	Optim    AdamWConfig
	Segments SegmentConfig
	// WarmupSteps for the linear-warmup-then-constant schedule.
	WarmupSteps int
	// GradClip is the global-norm ceiling; <= 0 disables clipping.
	GradClip float64
	// AccumSteps applies the optimizer once every AccumSteps calls.
	AccumSteps int
	// RewardCorrect scales ACT halt targets.
	RewardCorrect float64
	// ScalerEnabled turns loss scaling on.
	ScalerEnabled bool
	// Seed feeds the segment-minimum RNG.
	Seed int64
}

// DefaultTrainerConfig is a reasonable starting point for puzzle tasks.
func DefaultTrainerConfig() Config {
	return Config{
		Mode:          ModeDeepSupervision,
		Optim:         DefaultAdamWConfig(),
		Segments:      SegmentConfig{MaxSegments: 4, MinSegmentsProb: 0.1},
		WarmupSteps:   100,
		GradClip:      1.0,
		AccumSteps:    1,
		RewardCorrect: 1.0,
		Seed:          1,
	}
}

// Metrics is the per-call training step record.
type Metrics struct {
	Loss     float64
	TaskLoss float64 // ACT only; equals Loss otherwise
	QLoss    float64 // ACT only
	LR       float64
	Segments int
	GradNorm float64 // only set on applied optimizer steps
	Applied  bool    // whether this call applied an optimizer update
	Skipped  bool    // update skipped due to non-finite gradients
	Step     int     // optimizer step counter after this call
}

// EvalResult summarizes one evaluation pass.
type EvalResult struct {
	Loss       float64
	Accuracy   float64
	Perplexity float64
	Batches    int
}

// Trainer owns the model parameters, optimizer, schedule and scaler for the
// duration of each step. Evaluation only reads them.
type Trainer struct {
	model  *hrm.Model
	cfg    Config
	params []hrm.NamedParam
	opt    *AdamW
	sched  *LRSchedule
	scaler *GradScaler
	ds     *DeepSupervision
	act    *ACT

	calls int // TrainStep invocations since the last applied/skipped update
	step  int // applied optimizer steps
	epoch int
}

// NewTrainer wires the training discipline selected by cfg.Mode.
func NewTrainer(model *hrm.Model, cfg Config) (*Trainer, error) {
	if cfg.AccumSteps < 1 {
		cfg.AccumSteps = 1
	}
	if cfg.Segments.MaxSegments < 1 {
		return nil, fmt.Errorf("train: max segments must be >= 1, got %d", cfg.Segments.MaxSegments)
	}
	t := &Trainer{
		model:  model,
		cfg:    cfg,
		params: model.NamedParameters(),
		opt:    NewAdamW(cfg.Optim, model.NamedParameters()),
		sched:  NewLRSchedule(cfg.Optim.LR, cfg.WarmupSteps),
		scaler: NewGradScaler(cfg.ScalerEnabled),
	}
	switch cfg.Mode {
	case ModeDeepSupervision:
		t.ds = NewDeepSupervision(model, cfg.Segments, cfg.Seed)
	case ModeACT:
		t.act = NewACT(model, cfg.Segments, cfg.RewardCorrect, cfg.Seed)
	default:
		return nil, fmt.Errorf("train: unknown mode %d", cfg.Mode)
	}
	return t, nil
}

// Step returns the applied optimizer step count.
func (t *Trainer) Step() int { return t.step }

// Epoch returns the epoch counter maintained by callers via AdvanceEpoch.
func (t *Trainer) Epoch() int { return t.epoch }

// AdvanceEpoch bumps the epoch counter.
func (t *Trainer) AdvanceEpoch() { t.epoch++ }

// Model exposes the wrapped model for evaluation-side consumers.
func (t *Trainer) Model() *hrm.Model { return t.model }

// TrainStep runs the selected loss, backpropagates with loss scaling, and
// applies optimizer+schedule only once every AccumSteps calls. Parameters
// are untouched on intermediate calls; gradients accumulate across them.
func (t *Trainer) TrainStep(batch *Batch) (*Metrics, error) {
	tp := tensor.NewTape()
	m := &Metrics{}

	switch t.cfg.Mode {
	case ModeDeepSupervision:
		res, err := t.ds.Step(tp, batch)
		if err != nil {
			return nil, err
		}
		m.Loss = res.Loss.At(0, 0)
		m.TaskLoss = m.Loss
		m.Segments = res.Segments
		scaled := tensor.Scale(tp, res.Loss, t.scaler.Scale())
		tp.Backward(scaled)
	case ModeACT:
		res, err := t.act.Step(tp, batch)
		if err != nil {
			return nil, err
		}
		m.Loss = res.TotalLoss.At(0, 0)
		m.TaskLoss = res.TaskLoss
		m.QLoss = res.QLoss
		m.Segments = res.Segments
		scaled := tensor.Scale(tp, res.TotalLoss, t.scaler.Scale())
		tp.Backward(scaled)
	}

	trainSteps.Inc()
	trainLoss.Set(m.Loss)
	segmentsPerStep.Observe(float64(m.Segments))

	t.calls++
	m.LR = t.sched.LR()
	m.Step = t.step
	if t.calls < t.cfg.AccumSteps {
		// Intermediate accumulation call: gradients stay, parameters,
		// optimizer and schedule are provably untouched.
		learningRate.Set(m.LR)
		return m, nil
	}
	t.calls = 0

	if ok := t.scaler.CheckAndUpdate(t.params); !ok {
		m.Skipped = true
		skippedSteps.Inc()
		t.zeroGrads()
		return m, nil
	}

	// Unscale and average over the accumulation window.
	inv := 1.0 / (t.scaler.Scale() * float64(t.cfg.AccumSteps))
	for _, p := range t.params {
		simd.VecScale(p.Tensor.Grad(), inv)
	}

	m.GradNorm = GlobalNormClip(t.params, t.cfg.GradClip)
	gradNorm.Set(m.GradNorm)

	t.opt.Step(t.params, t.sched.LR())
	t.sched.Advance()
	t.step++
	t.zeroGrads()

	m.Applied = true
	m.Step = t.step
	m.LR = t.sched.LR()
	learningRate.Set(m.LR)
	optimizerSteps.Inc()
	return m, nil
}

func (t *Trainer) zeroGrads() {
	for _, p := range t.params {
		p.Tensor.ZeroGrad()
	}
}

// Evaluate runs a plain, non-segmented forward over held-out data and
// accumulates token cross-entropy and exact-match accuracy over non-ignored
// positions. maxSteps <= 0 means the whole loader.
func (t *Trainer) Evaluate(loader Loader, maxSteps int) (*EvalResult, error) {
	res := &EvalResult{}
	var lossSum float64
	correct, total := 0, 0

	for {
		if maxSteps > 0 && res.Batches >= maxSteps {
			break
		}
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := batch.Validate(); err != nil {
			return nil, err
		}
		out, err := t.model.Forward(nil, hrm.ForwardInput{InputIDs: batch.InputIDs, Mask: batch.Mask})
		if err != nil {
			return nil, err
		}
		labels := batch.FlatLabels()
		loss := tensor.CrossEntropy(nil, out.Logits, labels, IgnoreIndex)
		lossSum += loss.At(0, 0)
		for i, label := range labels {
			if label == IgnoreIndex {
				continue
			}
			total++
			if argmaxRow(out.Logits.Row(i)) == label {
				correct++
			}
		}
		res.Batches++
	}

	if res.Batches > 0 {
		res.Loss = lossSum / float64(res.Batches)
	}
	if total > 0 {
		res.Accuracy = float64(correct) / float64(total)
	}
	res.Perplexity = math.Exp(res.Loss)

	evalLoss.Set(res.Loss)
	evalAccuracy.Set(res.Accuracy)
	log.Debug().Float64("loss", res.Loss).Float64("accuracy", res.Accuracy).Int("batches", res.Batches).Msg("evaluation complete")
	return res, nil
}
