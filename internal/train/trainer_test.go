package train

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
)

// sliceLoader replays a fixed set of batches once per epoch.
type sliceLoader struct {
	batches []*Batch
	pos     int
}

func (l *sliceLoader) Next() (*Batch, error) {
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

func trainerConfig() Config {
	cfg := DefaultTrainerConfig()
	cfg.Segments = SegmentConfig{MaxSegments: 2, MinSegments: 1}
	cfg.WarmupSteps = 2
	cfg.AccumSteps = 1
	return cfg
}

func snapshotParams(params []hrm.NamedParam) map[string][]float64 {
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Tensor.Data()...)
	}
	return out
}

func TestTrainStepUpdatesParameters(t *testing.T) {
	m := smallModel(t, 61)
	tr, err := NewTrainer(m, trainerConfig())
	require.NoError(t, err)

	before := snapshotParams(m.NamedParameters())
	metrics, err := tr.TrainStep(smallBatch())
	require.NoError(t, err)

	require.True(t, metrics.Applied)
	require.False(t, metrics.Skipped)
	require.Equal(t, 1, metrics.Step)
	require.False(t, math.IsNaN(metrics.Loss))
	require.Greater(t, metrics.GradNorm, 0.0)

	var changed bool
	for _, p := range m.NamedParameters() {
		for i, v := range p.Tensor.Data() {
			if v != before[p.Name][i] {
				changed = true
			}
		}
	}
	require.True(t, changed, "an applied step must move the parameters")
}

func TestGradientAccumulationLaw(t *testing.T) {
	cfg := trainerConfig()
	cfg.AccumSteps = 3
	m := smallModel(t, 62)
	tr, err := NewTrainer(m, cfg)
	require.NoError(t, err)

	before := snapshotParams(m.NamedParameters())
	batch := smallBatch()

	// Calls 1 and 2: gradients accumulate, parameters provably untouched.
	for call := 1; call <= 2; call++ {
		metrics, err := tr.TrainStep(batch)
		require.NoError(t, err)
		require.False(t, metrics.Applied, "call %d must not apply", call)
		require.Equal(t, 0, tr.Step())
		for _, p := range m.NamedParameters() {
			require.Equal(t, before[p.Name], p.Tensor.Data(), "call %d touched %s", call, p.Name)
		}
	}

	// Call 3 applies exactly one optimizer step.
	metrics, err := tr.TrainStep(batch)
	require.NoError(t, err)
	require.True(t, metrics.Applied)
	require.Equal(t, 1, tr.Step())

	var changed bool
	for _, p := range m.NamedParameters() {
		for i, v := range p.Tensor.Data() {
			if v != before[p.Name][i] {
				changed = true
			}
		}
	}
	require.True(t, changed)
}

func TestWarmupSchedule(t *testing.T) {
	cfg := trainerConfig()
	cfg.WarmupSteps = 4
	cfg.Optim.LR = 1e-2
	m := smallModel(t, 63)
	tr, err := NewTrainer(m, cfg)
	require.NoError(t, err)

	batch := smallBatch()
	var rates []float64
	for i := 0; i < 5; i++ {
		metrics, err := tr.TrainStep(batch)
		require.NoError(t, err)
		rates = append(rates, metrics.LR)
	}

	require.Greater(t, rates[1], rates[0], "learning rate must rise during warmup")
	require.Greater(t, rates[2], rates[1], "learning rate must rise during warmup")
	require.InDelta(t, 1e-2, rates[3], 1e-15, "post-warmup rate is the base rate")
	require.InDelta(t, 1e-2, rates[4], 1e-15)
}

func TestScalerSkipsNonFiniteStep(t *testing.T) {
	m := smallModel(t, 64)
	params := m.NamedParameters()
	scaler := NewGradScaler(true)
	startScale := scaler.Scale()

	params[0].Tensor.ZeroGrad()
	params[0].Tensor.Grad()[0] = math.NaN()
	require.False(t, scaler.CheckAndUpdate(params))
	require.Equal(t, startScale*0.5, scaler.Scale(), "non-finite gradients back the scale off")

	params[0].Tensor.Grad()[0] = 0
	require.True(t, scaler.CheckAndUpdate(params))
}

func TestDisabledScalerIsIdentity(t *testing.T) {
	scaler := NewGradScaler(false)
	require.Equal(t, 1.0, scaler.Scale())

	m := smallModel(t, 65)
	params := m.NamedParameters()
	params[0].Tensor.Grad()[0] = math.Inf(1)
	// Still refuses to bless non-finite gradients.
	require.False(t, scaler.CheckAndUpdate(params))
	require.Equal(t, 1.0, scaler.Scale())
}

func TestGlobalNormClip(t *testing.T) {
	m := smallModel(t, 66)
	params := m.NamedParameters()
	for _, p := range params {
		p.Tensor.ZeroGrad()
	}
	params[0].Tensor.Grad()[0] = 3
	params[1].Tensor.Grad()[0] = 4

	norm := GlobalNormClip(params, 1.0)
	require.InDelta(t, 5.0, norm, 1e-12, "returns the pre-clip norm")

	var sumSq float64
	for _, p := range params {
		for _, g := range p.Tensor.Grad() {
			sumSq += g * g
		}
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9, "post-clip norm equals the ceiling")

	// Below the ceiling nothing changes.
	norm = GlobalNormClip(params, 10.0)
	require.InDelta(t, 1.0, norm, 1e-9)
}

func TestTrainerACTMode(t *testing.T) {
	cfg := trainerConfig()
	cfg.Mode = ModeACT
	m := smallModel(t, 67)
	tr, err := NewTrainer(m, cfg)
	require.NoError(t, err)

	metrics, err := tr.TrainStep(smallBatch())
	require.NoError(t, err)
	require.True(t, metrics.Applied)
	require.GreaterOrEqual(t, metrics.QLoss, 0.0)
	require.InDelta(t, metrics.TaskLoss+metrics.QLoss, metrics.Loss, 1e-12)
}

func TestEvaluate(t *testing.T) {
	m := smallModel(t, 68)
	tr, err := NewTrainer(m, trainerConfig())
	require.NoError(t, err)

	loader := &sliceLoader{batches: []*Batch{smallBatch(), smallBatch(), smallBatch()}}
	res, err := tr.Evaluate(loader, 2)
	require.NoError(t, err)

	require.Equal(t, 2, res.Batches, "maxSteps bounds the pass")
	require.False(t, math.IsNaN(res.Loss))
	require.GreaterOrEqual(t, res.Accuracy, 0.0)
	require.LessOrEqual(t, res.Accuracy, 1.0)
	require.InDelta(t, math.Exp(res.Loss), res.Perplexity, 1e-12)
}

func TestEvaluateDoesNotTouchParameters(t *testing.T) {
	m := smallModel(t, 69)
	tr, err := NewTrainer(m, trainerConfig())
	require.NoError(t, err)

	before := snapshotParams(m.NamedParameters())
	_, err = tr.Evaluate(&sliceLoader{batches: []*Batch{smallBatch()}}, 0)
	require.NoError(t, err)

	for _, p := range m.NamedParameters() {
		require.Equal(t, before[p.Name], p.Tensor.Data())
	}
}

func TestTrainerRejectsBadConfig(t *testing.T) {
	cfg := trainerConfig()
	cfg.Segments.MaxSegments = 0
	_, err := NewTrainer(smallModel(t, 70), cfg)
	require.Error(t, err)
}
