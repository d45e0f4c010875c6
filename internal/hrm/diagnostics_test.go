package hrm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestParticipationRatioBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	states := tensor.Zeros(40, 8)
	for i := range states.Data() {
		states.Data()[i] = rng.NormFloat64()
	}

	pr, err := ParticipationRatio(states)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pr, 1.0)
	require.LessOrEqual(t, pr, 8.0)
	// Isotropic Gaussian rows spread across most of the dimensions.
	require.Greater(t, pr, 4.0)
}

func TestParticipationRatioSingleDirection(t *testing.T) {
	// Every row is a multiple of the same vector: one effective dimension.
	dir := []float64{1, -2, 0.5, 3}
	states := tensor.Zeros(10, 4)
	for i := 0; i < 10; i++ {
		row := states.Row(i)
		for j := range row {
			row[j] = float64(i+1) * dir[j]
		}
	}

	pr, err := ParticipationRatio(states)
	require.NoError(t, err)
	require.InDelta(t, 1.0, pr, 1e-9)
}

func TestParticipationRatioDegenerate(t *testing.T) {
	_, err := ParticipationRatio(tensor.Zeros(1, 4))
	require.Error(t, err)

	// Identical rows: zero covariance collapses to a single direction.
	states := tensor.New(3, 2, []float64{1, 2, 1, 2, 1, 2})
	pr, err := ParticipationRatio(states)
	require.NoError(t, err)
	require.Equal(t, 1.0, pr)
}

func TestForwardResiduals(t *testing.T) {
	m, err := NewModel(testConfig(), 33)
	require.NoError(t, err)
	n, tt := 2, 3

	res, err := m.ForwardResiduals(ForwardInput{
		InputIDs:  [][]int{{1, 2, 3, 4}},
		Cycles:    n,
		Timesteps: tt,
	})
	require.NoError(t, err)
	require.Len(t, res, n*tt+n)

	idx := 0
	for c := 0; c < n; c++ {
		for s := 0; s < tt; s++ {
			require.Equal(t, KindLow, res[idx].Kind)
			require.Equal(t, s, res[idx].Timestep)
			require.GreaterOrEqual(t, res[idx].Norm, 0.0)
			idx++
		}
		require.Equal(t, KindHigh, res[idx].Kind)
		require.Equal(t, -1, res[idx].Timestep)
		require.Equal(t, c, res[idx].Cycle)
		idx++
	}

	// Untrained random weights still move the state on every update.
	for _, r := range res {
		require.Greater(t, r.Norm, 0.0)
	}
}
