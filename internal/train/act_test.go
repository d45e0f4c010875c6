package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestACTScenarioC(t *testing.T) {
	act := NewACT(smallModel(t, 51), SegmentConfig{MaxSegments: 3, MinSegmentsProb: 0}, 1.0, 1)

	res, err := act.Step(tensor.NewTape(), smallBatch())
	require.NoError(t, err)

	require.GreaterOrEqual(t, res.Segments, 1)
	require.LessOrEqual(t, res.Segments, 3)
	require.Len(t, res.HaltDecisions, res.Segments)
	require.Len(t, res.Outputs, res.Segments)

	require.False(t, math.IsNaN(res.QLoss))
	require.False(t, math.IsInf(res.QLoss, 0))
	require.GreaterOrEqual(t, res.QLoss, 0.0)
	require.False(t, math.IsNaN(res.TaskLoss))
	require.InDelta(t, res.TaskLoss+res.QLoss, res.TotalLoss.At(0, 0), 1e-12)
}

func TestACTHaltsEarlyWhenVoted(t *testing.T) {
	// Zero-initialized Q heads vote continue (tie is not a halt), so with
	// min 1 and a fresh model the loop runs to the ceiling.
	act := NewACT(smallModel(t, 52), SegmentConfig{MaxSegments: 4, MinSegmentsProb: 0}, 1.0, 1)

	res, err := act.Step(tensor.NewTape(), smallBatch())
	require.NoError(t, err)
	for i, halt := range res.HaltDecisions[:res.Segments-1] {
		require.False(t, halt, "segment %d voted halt but the loop continued", i)
	}
	if res.Segments < 4 {
		require.True(t, res.HaltDecisions[res.Segments-1], "an early stop requires a halt vote")
	}
}

func TestACTRespectsMinimum(t *testing.T) {
	act := NewACT(smallModel(t, 53), SegmentConfig{MaxSegments: 5, MinSegments: 3}, 1.0, 1)

	res, err := act.Step(tensor.NewTape(), smallBatch())
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Segments, 3, "halting is forbidden below the minimum")
	require.LessOrEqual(t, res.Segments, 5)
}

func TestACTBackwardIsFinite(t *testing.T) {
	m := smallModel(t, 54)
	act := NewACT(m, SegmentConfig{MaxSegments: 2, MinSegments: 2}, 1.0, 1)

	tp := tensor.NewTape()
	res, err := act.Step(tp, smallBatch())
	require.NoError(t, err)
	tp.Backward(res.TotalLoss)

	var qHeadGrad bool
	for _, p := range m.NamedParameters() {
		for _, g := range p.Tensor.Grad() {
			require.False(t, math.IsNaN(g) || math.IsInf(g, 0), "gradient for %s must be finite", p.Name)
		}
		if p.Name == "q_head" || p.Name == "q_bias" {
			for _, g := range p.Tensor.Grad() {
				if g != 0 {
					qHeadGrad = true
				}
			}
		}
	}
	require.True(t, qHeadGrad, "the halting policy must receive gradient from the Q loss")
}

func TestHaltTargetClamped(t *testing.T) {
	require.Equal(t, 0.5, haltTarget(0.5, 1.0))
	require.Equal(t, 1.0, haltTarget(0.8, 5.0), "reward above 1 must not push the target past 1")
	require.Equal(t, 0.0, haltTarget(0.0, 3.0))
	require.InDelta(t, 0.25, haltTarget(0.5, 0.5), 1e-15)
}

func TestACTLargeRewardKeepsQLossValid(t *testing.T) {
	// BCE targets stay in [0, 1] regardless of the reward, so the q loss
	// keeps its non-negativity.
	act := NewACT(smallModel(t, 56), SegmentConfig{MaxSegments: 3, MinSegments: 2}, 10.0, 1)

	res, err := act.Step(tensor.NewTape(), smallBatch())
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.QLoss, 0.0)
	require.False(t, math.IsInf(res.QLoss, 0))
}

func TestHaltVote(t *testing.T) {
	require.True(t, haltVote(tensor.New(2, 2, []float64{1, 0, 2, 0})))
	require.False(t, haltVote(tensor.New(2, 2, []float64{0, 1, 0, 2})))
	// Tie does not halt.
	require.False(t, haltVote(tensor.New(1, 2, []float64{0.5, 0.5})))
}

func TestPerExampleAccuracy(t *testing.T) {
	m := smallModel(t, 55)
	out, err := m.Forward(nil, hrm.ForwardInput{InputIDs: [][]int{{1, 2}, {3, 4}}})
	require.NoError(t, err)

	// Labels that exactly match the argmax of each logits row score 1.
	labels := make([]int, 4)
	for i := range labels {
		labels[i] = argmaxRow(out.Logits.Row(i))
	}
	acc := perExampleAccuracy(out, labels)
	require.Equal(t, []float64{1, 1}, acc)

	// Fully ignored example scores 0.
	labels[2], labels[3] = IgnoreIndex, IgnoreIndex
	acc = perExampleAccuracy(out, labels)
	require.Equal(t, 0.0, acc[1])
}
