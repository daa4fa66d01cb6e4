package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// DiscriminatorConfig sizes the adversarial network.
type DiscriminatorConfig struct {
	// ObsShape is the scored canvas shape [C, H, W]. With conditioning the
	// channel count is already doubled here.
	ObsShape []int
	// Hidden is the feature width of the single hidden block.
	Hidden int
	Seed   int64
}

// Discriminator scores canvases for realism: a convolutional-like feature
// layer, a normalization layer, relu, then a scalar score head. Training
// parameters are owned by the discriminator learner; the eval copy consumed
// by the policy learner for reward shaping is an atomic snapshot.
type Discriminator struct {
	cfg    DiscriminatorConfig
	in     int
	hidden int
	params StateDict

	eval atomic.Pointer[StateDict]
}

// NewDiscriminator builds the network and applies the role-dispatched
// deterministic initialization: conv weights N(0, 0.02), norm scale
// N(1, 0.02), norm bias zero.
func NewDiscriminator(cfg DiscriminatorConfig) (*Discriminator, error) {
	if len(cfg.ObsShape) == 0 {
		return nil, fmt.Errorf("nn: discriminator needs an observation shape")
	}
	in := 1
	for _, d := range cfg.ObsShape {
		if d <= 0 {
			return nil, fmt.Errorf("nn: invalid observation shape %v", cfg.ObsShape)
		}
		in *= d
	}
	hidden := cfg.Hidden
	if hidden <= 0 {
		hidden = 32
	}

	params := StateDict{
		"conv.weight": make([]float64, hidden*in),
		"conv.bias":   make([]float64, hidden),
		"norm.scale":  make([]float64, hidden),
		"norm.bias":   make([]float64, hidden),
		"out.weight":  make([]float64, hidden),
		"out.bias":    make([]float64, 1),
	}
	specs := []ParamSpec{
		{Name: "conv.weight", Role: RoleConv},
		{Name: "conv.bias", Role: RoleConv, Bias: true},
		{Name: "norm.scale", Role: RoleNorm},
		{Name: "norm.bias", Role: RoleNorm, Bias: true},
		{Name: "out.weight", Role: RoleOther, FanIn: hidden},
		{Name: "out.bias", Role: RoleOther, Bias: true},
	}
	initParams(params, specs, rand.New(rand.NewSource(cfg.Seed)))

	return &Discriminator{cfg: cfg, in: in, hidden: hidden, params: params}, nil
}

// Params returns the live training parameters.
func (d *Discriminator) Params() StateDict { return d.params }

// LoadStateDict overwrites the training parameters.
func (d *Discriminator) LoadStateDict(sd StateDict) error { return d.params.CopyFrom(sd) }

// Publish snapshots the training parameters into the eval copy.
func (d *Discriminator) Publish() {
	snap := d.params.Clone()
	d.eval.Store(&snap)
}

// forward caches hold what the backward pass needs.
type discCache struct {
	X *mat.Dense // N x in
	h *mat.Dense // N x hidden, pre-norm
	a *mat.Dense // N x hidden, post-relu
}

func (d *Discriminator) forward(sd StateDict, X *mat.Dense) ([]float64, *discCache) {
	n, _ := X.Dims()
	W1 := mat.NewDense(d.hidden, d.in, sd["conv.weight"])
	b1 := sd["conv.bias"]
	scale := sd["norm.scale"]
	bias := sd["norm.bias"]
	w2 := sd["out.weight"]
	b2 := sd["out.bias"][0]

	h := mat.NewDense(n, d.hidden, nil)
	h.Mul(X, W1.T())
	a := mat.NewDense(n, d.hidden, nil)
	scores := make([]float64, n)
	for r := 0; r < n; r++ {
		hRow := h.RawRowView(r)
		aRow := a.RawRowView(r)
		s := b2
		for j := 0; j < d.hidden; j++ {
			hRow[j] += b1[j]
			v := scale[j]*hRow[j] + bias[j]
			if v < 0 {
				v = 0
			}
			aRow[j] = v
			s += w2[j] * v
		}
		scores[r] = s
	}
	return scores, &discCache{X: X, h: h, a: a}
}

// Score runs the training copy over a [N, C, H, W] batch and returns raw
// (pre-sigmoid) scores.
func (d *Discriminator) Score(frames *tensor.Dense) ([]float64, error) {
	X, err := d.flatten(frames)
	if err != nil {
		return nil, err
	}
	scores, _ := d.forward(d.params, X)
	return scores, nil
}

// ScoreEval runs the published eval snapshot; this is what the policy learner
// calls for reward shaping. It fails until the first Publish.
func (d *Discriminator) ScoreEval(frames *tensor.Dense) ([]float64, error) {
	snap := d.eval.Load()
	if snap == nil {
		return nil, fmt.Errorf("nn: no eval weights published yet")
	}
	X, err := d.flatten(frames)
	if err != nil {
		return nil, err
	}
	scores, _ := d.forward(*snap, X)
	return scores, nil
}

// BackwardBCE runs a forward pass on the training copy, computes the
// binary-cross-entropy-with-logits loss against a constant label (1 real,
// 0 fake), and backpropagates. It returns the mean loss, the mean sigmoid
// confidence, and the parameter gradients.
func (d *Discriminator) BackwardBCE(frames *tensor.Dense, label float64) (loss, meanConf float64, grads StateDict, err error) {
	X, err := d.flatten(frames)
	if err != nil {
		return 0, 0, nil, err
	}
	n, _ := X.Dims()
	scores, cache := d.forward(d.params, X)

	dScores := make([]float64, n)
	for i, s := range scores {
		// Stable BCE-with-logits: max(s,0) - s*y + log(1 + exp(-|s|)).
		loss += math.Max(s, 0) - s*label + math.Log1p(math.Exp(-math.Abs(s)))
		sig := 1 / (1 + math.Exp(-s))
		meanConf += sig
		dScores[i] = (sig - label) / float64(n)
	}
	loss /= float64(n)
	meanConf /= float64(n)

	grads = d.backward(cache, dScores)
	return loss, meanConf, grads, nil
}

func (d *Discriminator) backward(cache *discCache, dScores []float64) StateDict {
	n := len(dScores)
	scale := d.params["norm.scale"]
	w2 := d.params["out.weight"]

	grads := d.params.ZerosLike()
	dH := mat.NewDense(n, d.hidden, nil)
	for r := 0; r < n; r++ {
		ds := dScores[r]
		aRow := cache.a.RawRowView(r)
		hRow := cache.h.RawRowView(r)
		dhRow := dH.RawRowView(r)
		grads["out.bias"][0] += ds
		for j := 0; j < d.hidden; j++ {
			grads["out.weight"][j] += ds * aRow[j]
			da := ds * w2[j]
			if aRow[j] <= 0 { // relu gate
				continue
			}
			grads["norm.scale"][j] += da * hRow[j]
			grads["norm.bias"][j] += da
			dhRow[j] = da * scale[j]
		}
	}
	gW1 := mat.NewDense(d.hidden, d.in, grads["conv.weight"])
	gW1.Mul(dH.T(), cache.X)
	gb1 := grads["conv.bias"]
	for r := 0; r < n; r++ {
		row := dH.RawRowView(r)
		for j := range row {
			gb1[j] += row[j]
		}
	}
	return grads
}

func (d *Discriminator) flatten(frames *tensor.Dense) (*mat.Dense, error) {
	shape := frames.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("nn: discriminator input must be batched, got shape %v", shape)
	}
	n := shape[0]
	if shape.TotalSize() != n*d.in {
		return nil, fmt.Errorf("nn: discriminator input shape %v does not match %d features", shape, d.in)
	}
	return flattenFrames(frames, n, d.in)
}
