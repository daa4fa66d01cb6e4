// Package learner runs the two training loops: the V-trace policy learner and
// the adversarial discriminator learner feeding it shaped rewards.
package learner

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

const rewardEps = 1e-12

// frameScorer is the discriminator surface reward shaping needs: scoring on
// the published eval snapshot, never the training copy.
type frameScorer interface {
	ScoreEval(frames *tensor.Dense) ([]float64, error)
}

// Shaper rewrites a batch's reward plane with discriminator-derived realism
// corrections before the policy loss sees it.
type Shaper struct {
	disc frameScorer
	// useTCA selects differenced per-timestep credit over terminal-only
	// rewards.
	useTCA bool
}

// NewShaper builds a shaper. A nil return means shaping is disabled and the
// caller skips the pass entirely.
func NewShaper(disc frameScorer, useTCA bool) *Shaper {
	if disc == nil {
		return nil
	}
	return &Shaper{disc: disc, useTCA: useTCA}
}

// rewardFromScore squashes a raw discriminator quantity into a reward
// correction, clamping both log arguments away from zero.
func rewardFromScore(p float64) float64 {
	return math.Log(relu(p)+rewardEps) - math.Log(relu(1-p)+rewardEps)
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Apply adds reward corrections into batch.Env.Reward in place. The returned
// mean is the average correction, valid only when applied is true; applied
// reports whether any episode boundary contributed a terminal canvas.
//
// In TCA mode every frame is scored and row t earns the squashed difference
// s[t]−s[t−1]; rows where an episode ended have their score spliced from that
// episode's final canvas, so the difference straddling a boundary compares
// against the finished painting rather than the next episode's blank canvas.
// Without TCA only boundary rows earn a reward, the squashed score of the
// final canvas itself. Row 0 never earns a correction: it has no predecessor.
func (s *Shaper) Apply(batch *schemas.Batch) (mean float64, applied bool, err error) {
	T, B := batch.T, batch.B

	boundary := false
	for t := 1; t < T; t++ {
		for b := 0; b < B; b++ {
			if batch.Env.Done[t][b] {
				boundary = true
			}
		}
	}

	var finalScores []float64
	if boundary {
		finalScores, err = s.finalCanvasScores(batch)
		if err != nil {
			return 0, false, err
		}
	}

	if !s.useTCA {
		if !boundary {
			return 0, false, nil
		}
		sum, n := 0.0, 0
		for t := 1; t < T; t++ {
			for b := 0; b < B; b++ {
				if !batch.Env.Done[t][b] {
					continue
				}
				r := rewardFromScore(finalScores[b])
				batch.Env.Reward.Set(t, b, batch.Env.Reward.At(t, b)+r)
				sum += r
				n++
			}
		}
		return sum / float64(n), true, nil
	}

	// View the [T, B, C, H, W] rollout as T*B frames; the backing array is
	// already time-major frame-contiguous.
	frameDims := batch.Env.Canvas.Shape()[2:]
	flatShape := append([]int{T * B}, frameDims...)
	flat := tensor.New(tensor.WithShape(flatShape...), tensor.WithBacking(batch.Env.Canvas.Data()))

	scores, err := s.disc.ScoreEval(flat)
	if err != nil {
		return 0, false, fmt.Errorf("learner: scoring rollout frames: %w", err)
	}
	if len(scores) != T*B {
		return 0, false, fmt.Errorf("learner: got %d frame scores for %d frames", len(scores), T*B)
	}

	// Splice terminal-canvas scores over boundary rows. The spliced value
	// feeds both differences that touch row t.
	if boundary {
		for t := 1; t < T; t++ {
			for b := 0; b < B; b++ {
				if batch.Env.Done[t][b] {
					scores[t*B+b] = finalScores[b]
				}
			}
		}
	}

	sum, n := 0.0, 0
	for t := 1; t < T; t++ {
		for b := 0; b < B; b++ {
			r := rewardFromScore(scores[t*B+b] - scores[(t-1)*B+b])
			batch.Env.Reward.Set(t, b, batch.Env.Reward.At(t, b)+r)
			sum += r
			n++
		}
	}
	if !boundary {
		// Corrections were applied, but without a terminal canvas there is
		// no discriminator return worth reporting.
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// finalCanvasScores scores each batch column's terminal canvas. Columns
// without a boundary are still scored (the canvas holds stale data) but their
// scores are never read.
func (s *Shaper) finalCanvasScores(batch *schemas.Batch) ([]float64, error) {
	scores, err := s.disc.ScoreEval(batch.FinalCanvas)
	if err != nil {
		return nil, fmt.Errorf("learner: scoring final canvases: %w", err)
	}
	if len(scores) != batch.B {
		return nil, fmt.Errorf("learner: got %d final scores for %d columns", len(scores), batch.B)
	}
	return scores, nil
}
