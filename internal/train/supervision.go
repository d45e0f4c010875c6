package train

import (
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// SegmentConfig controls the segment-wise supervision discipline shared by
// deep supervision and adaptive halting.
type SegmentConfig struct {
	// MaxSegments bounds every training loop hard.
	MaxSegments int
	// MinSegmentsProb is the probability of drawing a stochastic minimum
	// segment count from Uniform[2, MaxSegments] instead of 1. Prevents
	// the model from overfitting to a fixed reasoning depth.
	MinSegmentsProb float64
	// MinSegments, when positive, fixes the minimum and disables the
	// stochastic draw. Used by evaluation-style runs and tests.
	MinSegments int
	// FullBackprop disables the one-step gradient approximation inside
	// each segment. Off by default: memory then grows with N*T.
	FullBackprop bool
}

// DeepSupervision runs up to MaxSegments detached forward segments per
// training step. Segment 0 starts from the learned initial state; segment
// i>0 starts from segment i-1's carry, detached, so no gradient ever
// crosses a segment boundary. The loop stops as soon as the drawn minimum
// is satisfied ("exactly minimum" semantics).
type DeepSupervision struct {
	model *hrm.Model
	cfg   SegmentConfig
	rng   *rand.Rand
	seed  int64
	draws int
}

// SupervisionResult is one deep-supervision training step.
type SupervisionResult struct {
	// Loss is the gradient-bearing mean of the per-segment losses.
	Loss *tensor.Tensor
	// SegmentLosses holds the detached per-segment loss values.
	SegmentLosses []float64
	// Outputs holds every segment's forward output, in order.
	Outputs []*hrm.ForwardOutput
	// Segments is the number of segments actually run.
	Segments int
}

// NewDeepSupervision builds the wrapper. The RNG is owned by the wrapper
// and seeded explicitly; there is no global randomness.
func NewDeepSupervision(model *hrm.Model, cfg SegmentConfig, seed int64) *DeepSupervision {
	if cfg.MaxSegments < 1 {
		cfg.MaxSegments = 1
	}
	return &DeepSupervision{model: model, cfg: cfg, rng: rand.New(rand.NewSource(seed)), seed: seed}
}

func (d *DeepSupervision) state() segmentState {
	return segmentState{Seed: d.seed, Draws: d.draws}
}

// restore rebuilds the rng from the stored seed and replays the recorded
// number of draws, so a resumed run continues the original draw sequence.
// Replay assumes the same SegmentConfig the draws were taken under.
func (d *DeepSupervision) restore(st segmentState) {
	d.seed = st.Seed
	d.rng = rand.New(rand.NewSource(st.Seed))
	d.draws = st.Draws
	for i := 0; i < st.Draws; i++ {
		drawMinSegments(d.rng, d.cfg)
	}
}

// drawMinSegments implements the stochastic minimum schedule.
func drawMinSegments(rng *rand.Rand, cfg SegmentConfig) int {
	if cfg.MinSegments > 0 {
		if cfg.MinSegments > cfg.MaxSegments {
			return cfg.MaxSegments
		}
		return cfg.MinSegments
	}
	if cfg.MaxSegments >= 2 && rng.Float64() < cfg.MinSegmentsProb {
		return 2 + rng.Intn(cfg.MaxSegments-1)
	}
	return 1
}

// Step runs the segment loop for one batch, recording gradients on tp.
func (d *DeepSupervision) Step(tp *tensor.Tape, batch *Batch) (*SupervisionResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	minSegments := drawMinSegments(d.rng, d.cfg)
	d.draws++
	labels := batch.FlatLabels()

	res := &SupervisionResult{}
	var losses []*tensor.Tensor
	var carry *hrm.Carry

	for seg := 0; seg < d.cfg.MaxSegments; seg++ {
		in := hrm.ForwardInput{InputIDs: batch.InputIDs, Mask: batch.Mask, Carry: carry}
		out, err := d.forward(tp, in)
		if err != nil {
			return nil, err
		}
		loss := tensor.CrossEntropy(tp, out.Logits, labels, IgnoreIndex)
		losses = append(losses, loss)
		res.SegmentLosses = append(res.SegmentLosses, loss.At(0, 0))
		res.Outputs = append(res.Outputs, out)
		res.Segments++

		if res.Segments >= minSegments {
			break
		}
		// Hard detach boundary: the next segment sees values only.
		carry = out.Carry().Detach()
	}

	res.Loss = tensor.MeanScalars(tp, losses)
	return res, nil
}

func (d *DeepSupervision) forward(tp *tensor.Tape, in hrm.ForwardInput) (*hrm.ForwardOutput, error) {
	if d.cfg.FullBackprop {
		return d.model.Forward(tp, in)
	}
	return d.model.ForwardApprox(tp, in)
}
