package vtrace

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomLogits(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

// With behaviour == target the importance weights are exactly one, so the
// advantage must reduce to the plain uncorrected advantage
// r_t + gamma_t * vs_{t+1} - V(x_t).
func TestEqualLogitsReduceToPlainAdvantage(t *testing.T) {
	const T, B, nActions = 6, 3, 5
	rng := rand.New(rand.NewSource(11))

	logits := []*mat.Dense{randomLogits(rng, T*B, nActions), randomLogits(rng, T*B, 4)}
	behaviour := []*mat.Dense{mat.DenseCopyOf(logits[0]), mat.DenseCopyOf(logits[1])}
	actions := [][]int{make([]int, T*B), make([]int, T*B)}
	for i := 0; i < T*B; i++ {
		actions[0][i] = rng.Intn(nActions)
		actions[1][i] = rng.Intn(4)
	}

	discounts := mat.NewDense(T, B, nil)
	rewards := mat.NewDense(T, B, nil)
	values := mat.NewDense(T, B, nil)
	for ti := 0; ti < T; ti++ {
		for b := 0; b < B; b++ {
			discounts.Set(ti, b, 0.9)
			rewards.Set(ti, b, rng.NormFloat64())
			values.Set(ti, b, rng.NormFloat64())
		}
	}
	bootstrap := []float64{0.3, -0.1, 0.7}

	got, err := FromLogits(behaviour, logits, actions, discounts, rewards, values, bootstrap)
	require.NoError(t, err)

	for ti := 0; ti < T; ti++ {
		for b := 0; b < B; b++ {
			nextVS := bootstrap[b]
			if ti+1 < T {
				nextVS = got.VS.At(ti+1, b)
			}
			plain := rewards.At(ti, b) + discounts.At(ti, b)*nextVS - values.At(ti, b)
			assert.InDelta(t, plain, got.PGAdvantages.At(ti, b), 1e-9,
				"advantage at t=%d b=%d must be uncorrected", ti, b)
		}
	}
}

// On-policy with matching logits, vs must equal the full Monte-Carlo style
// recursion vs_t = r_t + gamma * vs_{t+1} for a single column.
func TestEqualLogitsValueTargets(t *testing.T) {
	const T = 4
	logits := []*mat.Dense{mat.NewDense(T, 2, []float64{1, 2, 0, 1, 2, 2, 3, 0})}
	actions := [][]int{{0, 1, 1, 0}}

	discounts := mat.NewDense(T, 1, []float64{0.5, 0.5, 0.5, 0.5})
	rewards := mat.NewDense(T, 1, []float64{1, 1, 1, 1})
	values := mat.NewDense(T, 1, []float64{0, 0, 0, 0})
	bootstrap := []float64{2}

	got, err := FromLogits(logits, logits, actions, discounts, rewards, values, bootstrap)
	require.NoError(t, err)

	// vs_3 = 1 + 0.5*2 = 2; vs_2 = 1 + 0.5*2 = 2; likewise back to t=0.
	for ti := 0; ti < T; ti++ {
		assert.InDelta(t, 2.0, got.VS.At(ti, 0), 1e-12)
	}
}

// Zero discounts cut the recursion: every target is just the local reward.
func TestZeroDiscountCutsBootstrap(t *testing.T) {
	const T = 3
	logits := []*mat.Dense{mat.NewDense(T, 2, []float64{0, 0, 0, 0, 0, 0})}
	actions := [][]int{{0, 0, 1}}

	discounts := mat.NewDense(T, 1, nil)
	rewards := mat.NewDense(T, 1, []float64{3, -1, 2})
	values := mat.NewDense(T, 1, []float64{10, 10, 10})
	bootstrap := []float64{99}

	got, err := FromLogits(logits, logits, actions, discounts, rewards, values, bootstrap)
	require.NoError(t, err)
	for ti := 0; ti < T; ti++ {
		assert.InDelta(t, rewards.At(ti, 0), got.VS.At(ti, 0), 1e-12)
		assert.InDelta(t, rewards.At(ti, 0)-10, got.PGAdvantages.At(ti, 0), 1e-12)
	}
}

func TestShapeValidation(t *testing.T) {
	logits := []*mat.Dense{mat.NewDense(2, 2, nil)}
	actions := [][]int{{0, 1}}
	discounts := mat.NewDense(2, 1, nil)
	rewards := mat.NewDense(2, 1, nil)
	values := mat.NewDense(2, 1, nil)

	_, err := FromLogits(logits, logits, actions, discounts, rewards, values, []float64{0, 0})
	assert.Error(t, err, "bootstrap length must match batch width")

	_, err = FromLogits(nil, nil, nil, discounts, rewards, values, []float64{0})
	assert.Error(t, err, "at least one action head is required")

	short := [][]int{{0}}
	_, err = FromLogits(logits, logits, short, discounts, rewards, values, []float64{0})
	assert.Error(t, err)
}
