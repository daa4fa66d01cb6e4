// Package env provides the synthetic painting environment and dataset used by
// the default wiring and the tests. Everything is deterministic given a seed.
package env

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

// NoiseConfig sizes the synthetic environment.
type NoiseConfig struct {
	// ObsShape is the canvas shape [C, H, W].
	ObsShape []int
	// ActionDims is the cardinality of each discrete action head.
	ActionDims []int
	// EpisodeLength is the fixed number of steps per episode.
	EpisodeLength int
	Seed          int64
}

// Noise is a stub painting environment: each step perturbs the canvas with
// seeded noise scaled by the chosen action, and episodes end after a fixed
// step count. It exists to exercise the training plumbing, not to paint.
type Noise struct {
	cfg      NoiseConfig
	rng      *rand.Rand
	canvas   []float32
	frameLen int
	step     int
}

var _ schemas.Environment = (*Noise)(nil)

// NewNoise validates the config and builds the environment.
func NewNoise(cfg NoiseConfig) (*Noise, error) {
	if len(cfg.ObsShape) != 3 {
		return nil, fmt.Errorf("env: obs shape must be [C,H,W], got %v", cfg.ObsShape)
	}
	if len(cfg.ActionDims) == 0 {
		return nil, fmt.Errorf("env: at least one action head required")
	}
	if cfg.EpisodeLength <= 0 {
		return nil, fmt.Errorf("env: episode length must be positive, got %d", cfg.EpisodeLength)
	}
	frameLen := 1
	for _, d := range cfg.ObsShape {
		if d <= 0 {
			return nil, fmt.Errorf("env: invalid obs shape %v", cfg.ObsShape)
		}
		frameLen *= d
	}
	return &Noise{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		canvas:   make([]float32, frameLen),
		frameLen: frameLen,
	}, nil
}

// ObsShape returns the canvas shape [C, H, W].
func (e *Noise) ObsShape() []int { return e.cfg.ObsShape }

// ActionSpec returns the per-head action cardinalities.
func (e *Noise) ActionSpec() []int { return e.cfg.ActionDims }

// Reset starts a new episode on a blank canvas.
func (e *Noise) Reset() (*tensor.Dense, error) {
	e.step = 0
	for i := range e.canvas {
		e.canvas[i] = 0
	}
	return e.frame(), nil
}

// Step perturbs the canvas and advances the episode clock. The reward is the
// mean brushed intensity, so rollouts carry a non-trivial signal.
func (e *Noise) Step(action []int) (*tensor.Dense, float64, bool, error) {
	if len(action) != len(e.cfg.ActionDims) {
		return nil, 0, false, fmt.Errorf("env: got %d action heads, want %d", len(action), len(e.cfg.ActionDims))
	}
	scale := float32(0)
	for h, a := range action {
		if a < 0 || a >= e.cfg.ActionDims[h] {
			return nil, 0, false, fmt.Errorf("env: action %d out of range for head %d", a, h)
		}
		scale += float32(a+1) / float32(e.cfg.ActionDims[h])
	}

	sum := 0.0
	for i := range e.canvas {
		e.canvas[i] += scale * float32(e.rng.NormFloat64()) * 0.1
		sum += float64(e.canvas[i])
	}
	reward := sum / float64(e.frameLen)

	e.step++
	done := e.step >= e.cfg.EpisodeLength
	return e.frame(), reward, done, nil
}

func (e *Noise) frame() *tensor.Dense {
	data := make([]float32, e.frameLen)
	copy(data, e.canvas)
	return tensor.New(tensor.WithShape(e.cfg.ObsShape...), tensor.WithBacking(data))
}

// Dataset is the synthetic real-data loader feeding the discriminator. It
// never runs dry: every Next draws a fresh seeded batch.
type Dataset struct {
	rng       *rand.Rand
	batchSize int
	obsShape  []int
	frameLen  int
}

var _ schemas.DataLoader = (*Dataset)(nil)

// NewDataset builds a loader yielding [batchSize, C, H, W] noise batches.
func NewDataset(batchSize int, obsShape []int, seed int64) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("env: dataset batch size must be positive, got %d", batchSize)
	}
	if len(obsShape) != 3 {
		return nil, fmt.Errorf("env: dataset obs shape must be [C,H,W], got %v", obsShape)
	}
	frameLen := 1
	for _, d := range obsShape {
		frameLen *= d
	}
	return &Dataset{
		rng:       rand.New(rand.NewSource(seed)),
		batchSize: batchSize,
		obsShape:  obsShape,
		frameLen:  frameLen,
	}, nil
}

// Next returns one batch of synthetic real samples.
func (d *Dataset) Next() (*tensor.Dense, error) {
	data := make([]float32, d.batchSize*d.frameLen)
	for i := range data {
		data[i] = float32(d.rng.NormFloat64())
	}
	shape := append([]int{d.batchSize}, d.obsShape...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
