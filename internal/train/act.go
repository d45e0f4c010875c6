package train

import (
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ACT extends deep supervision with a learned, data-dependent stop: once
// past the stochastic minimum, the loop halts when the halt Q-value
// exceeds the continue Q-value. The halting decision is batch-uniform
// (mean over examples); per-element halting is a documented alternative.
type ACT struct {
	model *hrm.Model
	cfg   SegmentConfig
	// RewardCorrect scales the halt target: target q_halt is the
	// token-level accuracy of the segment times this reward.
	rewardCorrect float64
	rng           *rand.Rand
	seed          int64
	draws         int
}

// ACTResult is one adaptive-computation training step.
type ACTResult struct {
	// TotalLoss = task loss + Q loss, gradient-bearing.
	TotalLoss *tensor.Tensor
	// TaskLoss is the cross-entropy of the final executed segment.
	TaskLoss float64
	// QLoss is the halting-policy loss, averaged over segments.
	QLoss float64
	// Segments is the number of segments actually run.
	Segments int
	// HaltDecisions records, per executed segment, whether the policy
	// voted to halt after it. len == Segments.
	HaltDecisions []bool
	// Outputs holds every segment's forward output, in order.
	Outputs []*hrm.ForwardOutput
}

// NewACT builds the wrapper. rewardCorrect <= 0 defaults to 1.
func NewACT(model *hrm.Model, cfg SegmentConfig, rewardCorrect float64, seed int64) *ACT {
	if cfg.MaxSegments < 1 {
		cfg.MaxSegments = 1
	}
	if rewardCorrect <= 0 {
		rewardCorrect = 1
	}
	return &ACT{model: model, cfg: cfg, rewardCorrect: rewardCorrect, rng: rand.New(rand.NewSource(seed)), seed: seed}
}

func (a *ACT) state() segmentState {
	return segmentState{Seed: a.seed, Draws: a.draws}
}

// restore mirrors DeepSupervision.restore: rebuild from seed, replay draws.
func (a *ACT) restore(st segmentState) {
	a.seed = st.Seed
	a.rng = rand.New(rand.NewSource(st.Seed))
	a.draws = st.Draws
	for i := 0; i < st.Draws; i++ {
		drawMinSegments(a.rng, a.cfg)
	}
}

// Step runs the adaptive segment loop for one batch.
func (a *ACT) Step(tp *tensor.Tape, batch *Batch) (*ACTResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	minSegments := drawMinSegments(a.rng, a.cfg)
	a.draws++
	labels := batch.FlatLabels()

	res := &ACTResult{}
	var carry *hrm.Carry
	var qTensors []*tensor.Tensor // per-segment (batch, 2) q logits
	var accuracies [][]float64    // per-segment per-example token accuracy

	for seg := 0; seg < a.cfg.MaxSegments; seg++ {
		in := hrm.ForwardInput{InputIDs: batch.InputIDs, Mask: batch.Mask, Carry: carry}
		out, err := a.forward(tp, in)
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, out)
		res.Segments++
		qTensors = append(qTensors, out.QValues)
		accuracies = append(accuracies, perExampleAccuracy(out, labels))

		halt := haltVote(out.QValues)
		res.HaltDecisions = append(res.HaltDecisions, halt)
		if res.Segments >= minSegments && halt {
			break
		}
		if res.Segments >= a.cfg.MaxSegments {
			break
		}
		carry = out.Carry().Detach()
	}

	// Task loss: only the final executed segment supervises the tokens.
	final := res.Outputs[len(res.Outputs)-1]
	taskLoss := tensor.CrossEntropy(tp, final.Logits, labels, IgnoreIndex)
	res.TaskLoss = taskLoss.At(0, 0)

	// Q loss: one-step TD bootstrap per segment. The halt target is the
	// segment's observed accuracy scaled by the reward; the continue
	// target is the best next-segment value, or 0 after the last segment.
	// Targets are plain numbers; gradient flows only into the Q heads.
	var qLosses []*tensor.Tensor
	batchSize := final.Batch
	for i, q := range qTensors {
		targets := make([]float64, batchSize*2)
		for b := 0; b < batchSize; b++ {
			targets[b*2] = haltTarget(accuracies[i][b], a.rewardCorrect)
			if i+1 < len(qTensors) {
				next := qTensors[i+1]
				best := next.At(b, 0)
				if next.At(b, 1) > best {
					best = next.At(b, 1)
				}
				targets[b*2+1] = simd.Sigmoid(best)
			}
		}
		qLosses = append(qLosses, tensor.BCEWithLogits(tp, q, targets))
	}
	qLoss := tensor.MeanScalars(tp, qLosses)
	res.QLoss = qLoss.At(0, 0)

	res.TotalLoss = tensor.Add(tp, taskLoss, qLoss)
	return res, nil
}

func (a *ACT) forward(tp *tensor.Tape, in hrm.ForwardInput) (*hrm.ForwardOutput, error) {
	if a.cfg.FullBackprop {
		return a.model.Forward(tp, in)
	}
	return a.model.ForwardApprox(tp, in)
}

// haltTarget scales accuracy by the reward and clamps to [0, 1]: the q loss
// is a BCE, so its targets must stay valid probabilities for any reward.
func haltTarget(accuracy, reward float64) float64 {
	t := accuracy * reward
	if t > 1 {
		return 1
	}
	if t < 0 {
		return 0
	}
	return t
}

// haltVote reduces the (batch, 2) q logits to one boolean: halt when the
// mean halt value beats the mean continue value.
func haltVote(q *tensor.Tensor) bool {
	rows, _ := q.Dims()
	var halt, cont float64
	for b := 0; b < rows; b++ {
		halt += q.At(b, 0)
		cont += q.At(b, 1)
	}
	return halt > cont
}

// perExampleAccuracy computes token-level argmax accuracy per batch element
// over non-ignored positions. Examples with no supervised positions score 0.
func perExampleAccuracy(out *hrm.ForwardOutput, labels []int) []float64 {
	acc := make([]float64, out.Batch)
	for b := 0; b < out.Batch; b++ {
		correct, total := 0, 0
		for s := 0; s < out.Seq; s++ {
			idx := b*out.Seq + s
			label := labels[idx]
			if label == IgnoreIndex {
				continue
			}
			total++
			if argmaxRow(out.Logits.Row(idx)) == label {
				correct++
			}
		}
		if total > 0 {
			acc[b] = float64(correct) / float64(total)
		}
	}
	return acc
}

func argmaxRow(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}
