package nn

import (
	"math"
	"math/rand"
)

// LayerRole tags what kind of layer a parameter belongs to, so weight
// initialization is dispatched over an explicit variant instead of name
// inspection.
type LayerRole int

const (
	// RoleConv marks convolutional-like feature extractors.
	RoleConv LayerRole = iota
	// RoleNorm marks normalization scale/bias parameters.
	RoleNorm
	// RoleOther marks everything else (projection heads etc.).
	RoleOther
)

// ParamSpec describes one named parameter for initialization purposes.
type ParamSpec struct {
	Name string
	Role LayerRole
	Bias bool
	// FanIn sizes the fallback uniform init for RoleOther weights.
	FanIn int
}

// initParams writes a deterministic initialization into sd, dispatching on
// each parameter's role: conv weights N(0, 0.02), norm scales N(1, 0.02),
// norm biases zero, everything else scaled uniform.
func initParams(sd StateDict, specs []ParamSpec, rng *rand.Rand) {
	for _, spec := range specs {
		p := sd[spec.Name]
		switch {
		case spec.Role == RoleConv && !spec.Bias:
			for i := range p {
				p[i] = rng.NormFloat64() * 0.02
			}
		case spec.Role == RoleNorm && !spec.Bias:
			for i := range p {
				p[i] = 1 + rng.NormFloat64()*0.02
			}
		case spec.Bias:
			for i := range p {
				p[i] = 0
			}
		default:
			bound := 0.05
			if spec.FanIn > 0 {
				bound = 1 / math.Sqrt(float64(spec.FanIn))
			}
			for i := range p {
				p[i] = (rng.Float64()*2 - 1) * bound
			}
		}
	}
}
