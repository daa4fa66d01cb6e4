package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

// PolicyConfig sizes the painting policy.
type PolicyConfig struct {
	// ObsShape is the canvas shape [C, H, W].
	ObsShape []int
	// ActionDims is the cardinality of each discrete action head.
	ActionDims []int
	Seed       int64
}

// Policy is a linear policy over flattened canvases: one logits head per
// action dimension plus a scalar baseline head.
//
// The training parameters are owned by the policy learner; the serving copy
// the inference servers read is an immutable snapshot behind an atomically
// swapped pointer, so a reader always sees a fully formed weight set.
type Policy struct {
	cfg    PolicyConfig
	in     int
	params StateDict

	serving atomic.Pointer[StateDict]

	// rng drives action sampling in ActBatch. Callers serialize ActBatch, so
	// the rng needs no lock of its own.
	rng *rand.Rand
}

// NewPolicy builds and initializes a policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if len(cfg.ObsShape) == 0 || len(cfg.ActionDims) == 0 {
		return nil, fmt.Errorf("nn: policy needs an observation shape and at least one action head")
	}
	in := 1
	for _, d := range cfg.ObsShape {
		if d <= 0 {
			return nil, fmt.Errorf("nn: invalid observation shape %v", cfg.ObsShape)
		}
		in *= d
	}

	params := StateDict{}
	specs := make([]ParamSpec, 0, 2*len(cfg.ActionDims)+2)
	for h, n := range cfg.ActionDims {
		if n <= 0 {
			return nil, fmt.Errorf("nn: action head %d has cardinality %d", h, n)
		}
		wName, bName := headWeight(h), headBias(h)
		params[wName] = make([]float64, n*in)
		params[bName] = make([]float64, n)
		specs = append(specs,
			ParamSpec{Name: wName, Role: RoleOther, FanIn: in},
			ParamSpec{Name: bName, Role: RoleOther, Bias: true},
		)
	}
	params["v.weight"] = make([]float64, in)
	params["v.bias"] = make([]float64, 1)
	specs = append(specs,
		ParamSpec{Name: "v.weight", Role: RoleOther, FanIn: in},
		ParamSpec{Name: "v.bias", Role: RoleOther, Bias: true},
	)

	rng := rand.New(rand.NewSource(cfg.Seed))
	initParams(params, specs, rng)

	return &Policy{cfg: cfg, in: in, params: params, rng: rng}, nil
}

func headWeight(h int) string { return fmt.Sprintf("pi%d.weight", h) }
func headBias(h int) string   { return fmt.Sprintf("pi%d.bias", h) }

// ActionDims reports the per-head cardinalities.
func (p *Policy) ActionDims() []int { return p.cfg.ActionDims }

// Params returns the live training parameters. The caller owns the mutation
// lock around them.
func (p *Policy) Params() StateDict { return p.params }

// LoadStateDict overwrites the training parameters, e.g. at restore.
func (p *Policy) LoadStateDict(sd StateDict) error { return p.params.CopyFrom(sd) }

// Publish snapshots the training parameters into the serving copy as one
// atomic whole-state replacement.
func (p *Policy) Publish() {
	snap := p.params.Clone()
	p.serving.Store(&snap)
}

// Forward runs the training copy over a [T, B, C, H, W] canvas tensor and
// returns per-head logits ((T*B) x n, time-major rows) and the T x B baseline.
func (p *Policy) Forward(canvas *tensor.Dense, T, B int) ([]*mat.Dense, *mat.Dense, error) {
	X, err := flattenFrames(canvas, T*B, p.in)
	if err != nil {
		return nil, nil, err
	}
	logits, baseline := p.forwardWith(p.params, X)
	bl := mat.NewDense(T, B, baseline)
	return logits, bl, nil
}

func (p *Policy) forwardWith(sd StateDict, X *mat.Dense) ([]*mat.Dense, []float64) {
	rows, _ := X.Dims()
	logits := make([]*mat.Dense, len(p.cfg.ActionDims))
	for h, n := range p.cfg.ActionDims {
		W := mat.NewDense(n, p.in, sd[headWeight(h)])
		b := sd[headBias(h)]
		L := mat.NewDense(rows, n, nil)
		L.Mul(X, W.T())
		for r := 0; r < rows; r++ {
			row := L.RawRowView(r)
			for j := range row {
				row[j] += b[j]
			}
		}
		logits[h] = L
	}

	wv := mat.NewVecDense(p.in, sd["v.weight"])
	bv := sd["v.bias"][0]
	baseline := make([]float64, rows)
	var v mat.VecDense
	v.MulVec(X, wv)
	for r := 0; r < rows; r++ {
		baseline[r] = v.AtVec(r) + bv
	}
	return logits, baseline
}

// Gradients backpropagates loss gradients w.r.t. logits and baseline through
// the linear heads. dLogits rows and dBaseline entries past the loss horizon
// must be zero.
func (p *Policy) Gradients(canvas *tensor.Dense, T, B int, dLogits []*mat.Dense, dBaseline *mat.Dense) (StateDict, error) {
	if len(dLogits) != len(p.cfg.ActionDims) {
		return nil, fmt.Errorf("nn: %d logit gradients for %d heads", len(dLogits), len(p.cfg.ActionDims))
	}
	X, err := flattenFrames(canvas, T*B, p.in)
	if err != nil {
		return nil, err
	}

	grads := p.params.ZerosLike()
	for h, n := range p.cfg.ActionDims {
		gW := mat.NewDense(n, p.in, grads[headWeight(h)])
		gW.Mul(dLogits[h].T(), X)
		gb := grads[headBias(h)]
		rows, _ := dLogits[h].Dims()
		for r := 0; r < rows; r++ {
			row := dLogits[h].RawRowView(r)
			for j := range row {
				gb[j] += row[j]
			}
		}
	}

	dv := make([]float64, T*B)
	for t := 0; t < T; t++ {
		for b := 0; b < B; b++ {
			dv[t*B+b] = dBaseline.At(t, b)
		}
	}
	gWv := mat.NewVecDense(p.in, grads["v.weight"])
	gWv.MulVec(X.T(), mat.NewVecDense(T*B, dv))
	sum := 0.0
	for _, d := range dv {
		sum += d
	}
	grads["v.bias"][0] = sum
	return grads, nil
}

// ActBatch implements schemas.ActionModel on the serving snapshot: it scores
// a [N, C, H, W] batch, samples one action per head per row and reports the
// behaviour logits and baseline the learner will need.
func (p *Policy) ActBatch(canvas *tensor.Dense, done []bool, states []schemas.AgentState) ([]schemas.InferenceResponse, error) {
	snap := p.serving.Load()
	if snap == nil {
		return nil, fmt.Errorf("nn: no serving weights published yet")
	}
	n := canvas.Shape()[0]
	X, err := flattenFrames(canvas, n, p.in)
	if err != nil {
		return nil, err
	}
	logits, baseline := p.forwardWith(*snap, X)

	out := make([]schemas.InferenceResponse, n)
	for r := 0; r < n; r++ {
		resp := schemas.InferenceResponse{
			Actions:  make([]int, len(logits)),
			Logits:   make([][]float64, len(logits)),
			Baseline: baseline[r],
			State:    schemas.AgentState{},
		}
		for h := range logits {
			row := logits[h].RawRowView(r)
			resp.Logits[h] = append([]float64(nil), row...)
			resp.Actions[h] = sampleLogits(p.rng, row)
		}
		out[r] = resp
	}
	return out, nil
}

// sampleLogits draws one index from the softmax of the given logits.
func sampleLogits(rng *rand.Rand, logits []float64) int {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxv)
		sum += probs[i]
	}
	u := rng.Float64() * sum
	acc := 0.0
	for i, p := range probs {
		acc += p
		if u <= acc {
			return i
		}
	}
	return len(logits) - 1
}

// flattenFrames converts a float32 canvas tensor into a rows x cols float64
// matrix, row per frame.
func flattenFrames(canvas *tensor.Dense, rows, cols int) (*mat.Dense, error) {
	data, ok := canvas.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("nn: canvas must be float32, got %T", canvas.Data())
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("nn: canvas has %d values, want %d x %d", len(data), rows, cols)
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return mat.NewDense(rows, cols, out), nil
}
