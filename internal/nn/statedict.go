// Package nn holds the small neural networks the training core runs: the
// painting policy, the adversarial discriminator, their Adam optimizer and
// learning-rate schedule, and the snapshot mechanism that publishes weights
// from a training copy to its read-only serving/eval twin.
package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// StateDict maps parameter names to their flat float64 storage. Models hand
// out live references; Clone detaches.
type StateDict map[string][]float64

// Clone returns a deep copy.
func (s StateDict) Clone() StateDict {
	out := make(StateDict, len(s))
	for k, v := range s {
		c := make([]float64, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// CopyFrom overwrites this dict's storage with src's values. The two must
// share the exact same keys and lengths; this is the whole-parameter
// overwrite used at restore time.
func (s StateDict) CopyFrom(src StateDict) error {
	if len(s) != len(src) {
		return fmt.Errorf("nn: state dict has %d entries, source has %d", len(s), len(src))
	}
	for k, dst := range s {
		v, ok := src[k]
		if !ok {
			return fmt.Errorf("nn: source state dict missing %q", k)
		}
		if len(v) != len(dst) {
			return fmt.Errorf("nn: parameter %q has %d values, source has %d", k, len(dst), len(v))
		}
		copy(dst, v)
	}
	return nil
}

// AddInPlace accumulates other into s. Used to combine the real and fake
// branch gradients before the discriminator's single optimizer step.
func (s StateDict) AddInPlace(other StateDict) error {
	for k, v := range other {
		dst, ok := s[k]
		if !ok || len(dst) != len(v) {
			return fmt.Errorf("nn: cannot accumulate into %q", k)
		}
		floats.Add(dst, v)
	}
	return nil
}

// ZerosLike builds a dict with the same keys and shapes, all zero.
func (s StateDict) ZerosLike() StateDict {
	out := make(StateDict, len(s))
	for k, v := range s {
		out[k] = make([]float64, len(v))
	}
	return out
}

// ClipGradNorm rescales grads in place so their global L2 norm does not
// exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(grads StateDict, maxNorm float64) float64 {
	sumSq := 0.0
	for _, g := range grads {
		n := floats.Norm(g, 2)
		sumSq += n * n
	}
	total := math.Sqrt(sumSq)
	if maxNorm <= 0 || total <= maxNorm || total == 0 {
		return total
	}
	scale := maxNorm / total
	for _, g := range grads {
		floats.Scale(scale, g)
	}
	return total
}
