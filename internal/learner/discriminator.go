package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
	"github.com/xkilldash9x/brushbeast/internal/batching"
	"github.com/xkilldash9x/brushbeast/internal/metrics"
	"github.com/xkilldash9x/brushbeast/internal/nn"
	"github.com/xkilldash9x/brushbeast/internal/replay"
)

// ErrReplayStalled reports that the replay feed could not fill one training
// batch within the stall timeout. The supervisor treats it as fatal; a dry
// feed means the actors died.
var ErrReplayStalled = errors.New("learner: replay feed stalled")

const (
	realLabel = 1.0
	fakeLabel = 0.0
)

// DiscriminatorConfig carries the adversarial training hyperparameters.
type DiscriminatorConfig struct {
	BatchSize int
	GradClip  float64
	// Condition doubles the real data's channels so it matches conditioned
	// rollout canvases.
	Condition bool
	// StallTimeout bounds how long one iteration may block waiting for the
	// replay feed to fill a batch.
	StallTimeout time.Duration
}

// DiscriminatorLearner runs the GAN step: real batch against the dataset,
// fake batch against replayed terminal canvases, one optimizer update over
// both branches. It never terminates on its own; cancellation or a closed
// replay queue ends it.
type DiscriminatorLearner struct {
	cfg    DiscriminatorConfig
	loader schemas.DataLoader
	feed   *batching.Queue[*tensor.Dense]
	buffer *replay.Buffer
	disc   *nn.Discriminator
	opt    *nn.Adam
	sched  *nn.LinearSchedule

	// modelMu is shared with checkpointing; parameter mutations happen only
	// under it.
	modelMu *sync.Mutex
	rec     *metrics.Recorder
	log     *zap.Logger
}

// NewDiscriminatorLearner wires the learner to its data sources.
func NewDiscriminatorLearner(
	cfg DiscriminatorConfig,
	loader schemas.DataLoader,
	feed *batching.Queue[*tensor.Dense],
	buffer *replay.Buffer,
	disc *nn.Discriminator,
	opt *nn.Adam,
	sched *nn.LinearSchedule,
	modelMu *sync.Mutex,
	rec *metrics.Recorder,
	log *zap.Logger,
) *DiscriminatorLearner {
	return &DiscriminatorLearner{
		cfg: cfg, loader: loader, feed: feed, buffer: buffer,
		disc: disc, opt: opt, sched: sched, modelMu: modelMu, rec: rec,
		log: log.Named("d_learner"),
	}
}

// Run iterates until ctx ends or the replay feed closes.
func (l *DiscriminatorLearner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.step(ctx); err != nil {
			if errors.Is(err, batching.ErrClosed) {
				l.log.Debug("discriminator learner draining: replay feed closed")
				return nil
			}
			return err
		}
	}
}

func (l *DiscriminatorLearner) step(ctx context.Context) error {
	real, err := l.loader.Next()
	if err != nil {
		return fmt.Errorf("learner: real data: %w", err)
	}
	if l.cfg.Condition {
		real, err = repeatChannels(real)
		if err != nil {
			return err
		}
	}

	realLoss, dx, realGrads, err := l.disc.BackwardBCE(real, realLabel)
	if err != nil {
		return fmt.Errorf("learner: real branch: %w", err)
	}
	nn.ClipGradNorm(realGrads, l.cfg.GradClip)

	if err := l.fillReplay(ctx); err != nil {
		return err
	}

	frames, err := l.buffer.Sample(l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("learner: sampling replay: %w", err)
	}
	fake, err := schemas.StackFrames(frames)
	if err != nil {
		return fmt.Errorf("learner: stacking fake batch: %w", err)
	}

	fakeLoss, dgz, fakeGrads, err := l.disc.BackwardBCE(fake, fakeLabel)
	if err != nil {
		return fmt.Errorf("learner: fake branch: %w", err)
	}

	// Accumulate both branches, clip the combined gradient, one step.
	if err := realGrads.AddInPlace(fakeGrads); err != nil {
		return err
	}
	nn.ClipGradNorm(realGrads, l.cfg.GradClip)
	l.modelMu.Lock()
	l.opt.Step(l.disc.Params(), realGrads, l.sched.Scale())
	l.sched.Step()
	l.disc.Publish()
	l.modelMu.Unlock()

	l.rec.SetAll(map[string]any{
		"D_loss":    realLoss + fakeLoss,
		"fake_loss": fakeLoss,
		"real_loss": realLoss,
		"D_x":       dx,
		"D_G_z1":    dgz,
	})
	return nil
}

// fillReplay pulls at least one delivery from the feed, then keeps pulling
// until the buffer can serve a batch. Each wait is bounded by the stall
// timeout.
func (l *DiscriminatorLearner) fillReplay(ctx context.Context) error {
	pull := func() error {
		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.StallTimeout)
		defer cancel()
		frames, err := l.feed.Get(waitCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no terminal canvases for %s", ErrReplayStalled, l.cfg.StallTimeout)
		}
		if err != nil {
			return err
		}
		l.buffer.Push(frames)
		return nil
	}

	if err := pull(); err != nil {
		return err
	}
	for l.buffer.Size() < l.cfg.BatchSize {
		if err := pull(); err != nil {
			return err
		}
	}
	return nil
}

// repeatChannels duplicates a [N, C, H, W] batch along the channel axis,
// yielding [N, 2C, H, W].
func repeatChannels(batch *tensor.Dense) (*tensor.Dense, error) {
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("learner: conditioned batch must be [N,C,H,W], got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	src := batch.Data().([]float32)
	sampleLen := c * h * w
	out := make([]float32, 2*n*sampleLen)
	for i := 0; i < n; i++ {
		sample := src[i*sampleLen : (i+1)*sampleLen]
		copy(out[i*2*sampleLen:], sample)
		copy(out[i*2*sampleLen+sampleLen:], sample)
	}
	return tensor.New(tensor.WithShape(n, 2*c, h, w), tensor.WithBacking(out)), nil
}
