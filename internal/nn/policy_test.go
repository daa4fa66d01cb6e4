package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

func testCanvas(rng *rand.Rand, shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestPolicyForwardShapes(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{ObsShape: []int{1, 2, 2}, ActionDims: []int{3, 5}, Seed: 1})
	require.NoError(t, err)

	const T, B = 4, 2
	canvas := testCanvas(rand.New(rand.NewSource(2)), T, B, 1, 2, 2)
	logits, baseline, err := p.Forward(canvas, T, B)
	require.NoError(t, err)

	require.Len(t, logits, 2)
	r0, c0 := logits[0].Dims()
	assert.Equal(t, T*B, r0)
	assert.Equal(t, 3, c0)
	r1, c1 := logits[1].Dims()
	assert.Equal(t, T*B, r1)
	assert.Equal(t, 5, c1)
	br, bc := baseline.Dims()
	assert.Equal(t, T, br)
	assert.Equal(t, B, bc)
}

// The analytic gradient must match a finite-difference estimate of the
// surrogate loss L = sum(dLogits .* logits) + sum(dBaseline .* baseline).
func TestPolicyGradientsMatchFiniteDifference(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{ObsShape: []int{1, 2, 1}, ActionDims: []int{3}, Seed: 3})
	require.NoError(t, err)

	const T, B = 3, 2
	rng := rand.New(rand.NewSource(4))
	canvas := testCanvas(rng, T, B, 1, 2, 1)

	dLogits := []*mat.Dense{mat.NewDense(T*B, 3, nil)}
	dBaseline := mat.NewDense(T, B, nil)
	for r := 0; r < T*B; r++ {
		for c := 0; c < 3; c++ {
			dLogits[0].Set(r, c, rng.NormFloat64())
		}
	}
	for ti := 0; ti < T; ti++ {
		for b := 0; b < B; b++ {
			dBaseline.Set(ti, b, rng.NormFloat64())
		}
	}

	surrogate := func() float64 {
		logits, baseline, err := p.Forward(canvas, T, B)
		require.NoError(t, err)
		total := 0.0
		for r := 0; r < T*B; r++ {
			for c := 0; c < 3; c++ {
				total += dLogits[0].At(r, c) * logits[0].At(r, c)
			}
		}
		for ti := 0; ti < T; ti++ {
			for b := 0; b < B; b++ {
				total += dBaseline.At(ti, b) * baseline.At(ti, b)
			}
		}
		return total
	}

	grads, err := p.Gradients(canvas, T, B, dLogits, dBaseline)
	require.NoError(t, err)

	const eps = 1e-6
	for name, param := range p.Params() {
		for i := range param {
			orig := param[i]
			param[i] = orig + eps
			plus := surrogate()
			param[i] = orig - eps
			minus := surrogate()
			param[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grads[name][i], 1e-4, "param %s[%d]", name, i)
		}
	}
}

func TestPolicyPublishSnapshotsAreDetached(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{ObsShape: []int{1, 1, 1}, ActionDims: []int{2}, Seed: 5})
	require.NoError(t, err)

	// Before any publish the serving side must refuse to act.
	_, err = p.ActBatch(testCanvas(rand.New(rand.NewSource(6)), 1, 1, 1, 1), []bool{false}, []schemas.AgentState{{}})
	require.Error(t, err)

	p.Publish()
	before := p.params["pi0.weight"][0]

	canvas := testCanvas(rand.New(rand.NewSource(7)), 1, 1, 1, 1)
	resp1, err := p.ActBatch(canvas, []bool{false}, []schemas.AgentState{{}})
	require.NoError(t, err)

	// Mutating the training copy must not leak into the snapshot.
	p.params["pi0.weight"][0] = before + 1000
	resp2, err := p.ActBatch(canvas, []bool{false}, []schemas.AgentState{{}})
	require.NoError(t, err)
	assert.Equal(t, resp1[0].Logits, resp2[0].Logits)

	// A fresh publish picks up the mutation.
	p.Publish()
	resp3, err := p.ActBatch(canvas, []bool{false}, []schemas.AgentState{{}})
	require.NoError(t, err)
	assert.NotEqual(t, resp1[0].Logits, resp3[0].Logits)
}

func TestPolicyActBatchRespondsPerRow(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{ObsShape: []int{1, 2, 2}, ActionDims: []int{4, 2}, Seed: 8})
	require.NoError(t, err)
	p.Publish()

	canvas := testCanvas(rand.New(rand.NewSource(9)), 5, 1, 2, 2)
	got, err := p.ActBatch(canvas, make([]bool, 5), make([]schemas.AgentState, 5))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, resp := range got {
		require.Len(t, resp.Actions, 2)
		assert.GreaterOrEqual(t, resp.Actions[0], 0)
		assert.Less(t, resp.Actions[0], 4)
		assert.GreaterOrEqual(t, resp.Actions[1], 0)
		assert.Less(t, resp.Actions[1], 2)
		require.Len(t, resp.Logits, 2)
		assert.Len(t, resp.Logits[0], 4)
		assert.Len(t, resp.Logits[1], 2)
	}
}
