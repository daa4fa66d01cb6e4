package learner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

// pixelScorer scores every frame by its first pixel, so tests can dictate
// discriminator scores through canvas contents.
type pixelScorer struct{}

func (pixelScorer) ScoreEval(frames *tensor.Dense) ([]float64, error) {
	shape := frames.Shape()
	n := shape[0]
	frameLen := shape.TotalSize() / n
	data := frames.Data().([]float32)
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(data[i*frameLen])
	}
	return out, nil
}

// shapingBatch builds a T x B batch whose frame scores (under pixelScorer)
// are scores[t][b] and whose final-canvas scores are finals[b].
func shapingBatch(t *testing.T, scores [][]float64, finals []float64, done [][]bool) *schemas.Batch {
	t.Helper()
	T := len(scores)
	B := len(scores[0])

	canvas := make([]float32, T*B)
	for ti := 0; ti < T; ti++ {
		for b := 0; b < B; b++ {
			canvas[ti*B+b] = float32(scores[ti][b])
		}
	}
	finalData := make([]float32, B)
	for b := 0; b < B; b++ {
		finalData[b] = float32(finals[b])
	}

	return &schemas.Batch{
		T: T, B: B,
		Env: schemas.EnvOutput{
			Canvas: tensor.New(tensor.WithShape(T, B, 1, 1, 1), tensor.WithBacking(canvas)),
			Reward: mat.NewDense(T, B, nil),
			Done:   done,
		},
		FinalCanvas: tensor.New(tensor.WithShape(B, 1, 1, 1), tensor.WithBacking(finalData)),
	}
}

func noBoundaries(T, B int) [][]bool {
	done := make([][]bool, T)
	for t := range done {
		done[t] = make([]bool, B)
	}
	return done
}

func TestShaperNonTCAWithoutBoundaryIsIdentity(t *testing.T) {
	b := shapingBatch(t, [][]float64{{0.3}, {0.7}, {0.9}}, []float64{0.5}, noBoundaries(3, 1))
	b.Env.Reward.Set(1, 0, 2.5)
	b.Env.Reward.Set(2, 0, -1.25)
	want := mat.DenseCopyOf(b.Env.Reward)

	s := NewShaper(pixelScorer{}, false)
	_, applied, err := s.Apply(b)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, mat.Equal(want, b.Env.Reward), "rewards must pass through untouched")
}

func TestShaperNonTCAAddsTerminalRewardAtBoundaries(t *testing.T) {
	done := noBoundaries(3, 2)
	done[2][1] = true
	b := shapingBatch(t, [][]float64{{0, 0}, {0, 0}, {0, 0}}, []float64{0.9, 0.8}, done)

	s := NewShaper(pixelScorer{}, false)
	mean, applied, err := s.Apply(b)
	require.NoError(t, err)
	require.True(t, applied)

	want := rewardFromScore(0.8)
	assert.InDelta(t, want, mean, 1e-6)
	assert.InDelta(t, want, b.Env.Reward.At(2, 1), 1e-6)

	// Every other cell stays zero, including the other column's stale final.
	for ti := 0; ti < 3; ti++ {
		for bi := 0; bi < 2; bi++ {
			if ti == 2 && bi == 1 {
				continue
			}
			assert.Zero(t, b.Env.Reward.At(ti, bi))
		}
	}
}

func TestShaperTCADifferencesScores(t *testing.T) {
	scores := [][]float64{{0.1}, {0.4}, {0.2}}
	b := shapingBatch(t, scores, []float64{0}, noBoundaries(3, 1))

	s := NewShaper(pixelScorer{}, true)
	_, applied, err := s.Apply(b)
	require.NoError(t, err)
	// Corrections landed, but with no boundary there is no return to report.
	assert.False(t, applied)

	r1 := rewardFromScore(0.4 - 0.1)
	r2 := rewardFromScore(0.2 - 0.4)
	assert.Zero(t, b.Env.Reward.At(0, 0))
	assert.InDelta(t, r1, b.Env.Reward.At(1, 0), 1e-6)
	assert.InDelta(t, r2, b.Env.Reward.At(2, 0), 1e-6)
}

func TestShaperTCASplicesFinalCanvasScore(t *testing.T) {
	scores := [][]float64{{0.2}, {0.1}, {0.6}}
	done := noBoundaries(3, 1)
	done[1][0] = true // episode ended entering row 1
	b := shapingBatch(t, scores, []float64{0.95}, done)

	s := NewShaper(pixelScorer{}, true)
	mean, applied, err := s.Apply(b)
	require.NoError(t, err)
	require.True(t, applied)

	// Row 1's score is spliced to 0.95 on both sides of the differences.
	r1 := rewardFromScore(0.95 - 0.2)
	r2 := rewardFromScore(0.6 - 0.95)
	assert.InDelta(t, r1, b.Env.Reward.At(1, 0), 1e-6)
	assert.InDelta(t, r2, b.Env.Reward.At(2, 0), 1e-6)
	assert.InDelta(t, (r1+r2)/2, mean, 1e-6)
}

func TestRewardFromScoreClampsBothTails(t *testing.T) {
	// Far outside (0, 1) both log arguments hit the epsilon floor.
	lo := rewardFromScore(-5)
	hi := rewardFromScore(7)
	assert.False(t, math.IsInf(lo, 0))
	assert.False(t, math.IsInf(hi, 0))
	assert.Negative(t, lo)
	assert.Positive(t, hi)
	assert.Zero(t, rewardFromScore(0.5))
}
