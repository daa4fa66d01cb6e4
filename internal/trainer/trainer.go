// Package trainer assembles and supervises one training run: the actor
// driver, the inference servers, both learners, and the monitor loop that
// reports throughput, pushes stats, and checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
	"github.com/xkilldash9x/brushbeast/internal/actordriver"
	"github.com/xkilldash9x/brushbeast/internal/batching"
	"github.com/xkilldash9x/brushbeast/internal/checkpoint"
	"github.com/xkilldash9x/brushbeast/internal/config"
	"github.com/xkilldash9x/brushbeast/internal/env"
	"github.com/xkilldash9x/brushbeast/internal/explog"
	"github.com/xkilldash9x/brushbeast/internal/inference"
	"github.com/xkilldash9x/brushbeast/internal/learner"
	"github.com/xkilldash9x/brushbeast/internal/metrics"
	"github.com/xkilldash9x/brushbeast/internal/nn"
	"github.com/xkilldash9x/brushbeast/internal/replay"
)

// inferenceMaxBatch caps a single forward pass regardless of actor count.
const inferenceMaxBatch = 512

// batchTimeout releases partial inference and replay batches so a slow
// straggler never stalls everyone else.
const batchTimeout = 100 * time.Millisecond

// Trainer owns every long-lived component of a run. Build one with New,
// which also restores the checkpoint if one exists, then call Run.
type Trainer struct {
	cfg *config.Config
	log *zap.Logger

	// modelMu serializes parameter mutation against checkpoint snapshots.
	modelMu sync.Mutex
	policy  *nn.Policy
	disc    *nn.Discriminator
	optim   *nn.Adam
	dOptim  *nn.Adam
	sched   *nn.LinearSchedule
	dSched  *nn.LinearSchedule

	rec      *metrics.Recorder
	writer   *explog.Writer
	ckptPath string

	learnerQ *batching.Queue[schemas.Unroll]
	replayQ  *batching.Queue[*tensor.Dense]
	batcher  *batching.DynamicBatcher
	buffer   *replay.Buffer
	envs     []schemas.Environment
	dataset  schemas.DataLoader
}

// New validates the configuration, builds every component, and restores the
// checkpoint for the experiment id if one exists. The returned trainer has
// not started any goroutines yet.
func New(cfg *config.Config, log *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("trainer")

	device := cfg.Training.Device
	if device == "auto" {
		device = "cpu"
	}
	if device != "cpu" {
		return nil, fmt.Errorf("trainer: unsupported device %q", cfg.Training.Device)
	}
	log.Info("using device", zap.String("device", device))

	// With conditioning the environment concatenates the target image onto
	// the canvas, so every frame in the rollout path carries doubled
	// channels. The real dataset stays single-width; the discriminator
	// learner duplicates its channels to match.
	frameShape := cfg.Env.ObsShape()
	if cfg.Training.Condition {
		frameShape = []int{frameShape[0] * 2, frameShape[1], frameShape[2]}
	}

	writer, err := explog.New(cfg.Training.Savedir, cfg.Training.XPID, cfg.FlagMap(), log)
	if err != nil {
		return nil, err
	}
	ckptPath, err := checkpoint.Path(cfg.Training.Savedir, writer.XPID())
	if err != nil {
		writer.Close()
		return nil, err
	}

	t := &Trainer{
		cfg:      cfg,
		log:      log,
		rec:      metrics.NewRecorder(),
		writer:   writer,
		ckptPath: ckptPath,
	}
	if err := t.buildModels(frameShape); err != nil {
		writer.Close()
		return nil, err
	}
	if err := t.buildPipeline(frameShape); err != nil {
		writer.Close()
		return nil, err
	}
	if err := t.restore(); err != nil {
		writer.Close()
		return nil, err
	}
	t.policy.Publish()
	t.disc.Publish()
	return t, nil
}

func (t *Trainer) buildModels(frameShape []int) error {
	var err error
	t.policy, err = nn.NewPolicy(nn.PolicyConfig{
		ObsShape:   frameShape,
		ActionDims: t.cfg.Env.ActionDims,
		Seed:       t.cfg.Env.Seed,
	})
	if err != nil {
		return err
	}
	t.disc, err = nn.NewDiscriminator(nn.DiscriminatorConfig{
		ObsShape: frameShape,
		Hidden:   t.cfg.Optim.DiscriminatorSize,
		Seed:     t.cfg.Env.Seed + 1,
	})
	if err != nil {
		return err
	}

	t.optim = nn.NewAdam(t.cfg.Optim.LearningRate, 0.9, 0.999)
	t.dOptim = nn.NewAdam(t.cfg.Optim.DLearningRate, t.cfg.Optim.DBeta1, t.cfg.Optim.DBeta2)

	// One learner iteration consumes unroll_length x batch_size frames, so
	// that is the schedule's step granularity.
	stepSize := t.cfg.Training.UnrollLength * t.cfg.Training.BatchSize
	t.sched = nn.NewLinearSchedule(stepSize, t.cfg.Training.TotalSteps)
	t.dSched = nn.NewLinearSchedule(stepSize, t.cfg.Training.TotalSteps)
	return nil
}

func (t *Trainer) buildPipeline(frameShape []int) error {
	var err error
	t.learnerQ, err = batching.NewQueue[schemas.Unroll](batching.Options{
		MinBatch:   t.cfg.Training.BatchSize,
		MaxBatch:   t.cfg.Training.BatchSize,
		MaxPending: t.cfg.LearnerQueueBound(),
	})
	if err != nil {
		return err
	}
	t.replayQ, err = batching.NewQueue[*tensor.Dense](batching.Options{
		MinBatch: 1,
		MaxBatch: t.cfg.Training.NumActors,
		Timeout:  batchTimeout,
	})
	if err != nil {
		return err
	}
	t.batcher, err = batching.NewDynamicBatcher(batching.Options{
		MinBatch:   1,
		MaxBatch:   inferenceMaxBatch,
		Timeout:    batchTimeout,
		MaxPending: inferenceMaxBatch * 2,
	})
	if err != nil {
		return err
	}
	t.buffer, err = replay.New(t.cfg.ReplayCapacity(), rand.New(rand.NewSource(t.cfg.Env.Seed)))
	if err != nil {
		return err
	}

	t.envs = make([]schemas.Environment, t.cfg.Training.NumActors)
	for i := range t.envs {
		t.envs[i], err = env.NewNoise(env.NoiseConfig{
			ObsShape:      frameShape,
			ActionDims:    t.cfg.Env.ActionDims,
			EpisodeLength: t.cfg.Env.EpisodeLength,
			Seed:          t.cfg.Env.Seed + int64(i),
		})
		if err != nil {
			return err
		}
	}
	t.dataset, err = env.NewDataset(t.cfg.Training.BatchSize, t.cfg.Env.ObsShape(), t.cfg.Env.Seed)
	return err
}

// restore loads the checkpoint if one exists for this experiment id.
func (t *Trainer) restore() error {
	rec, ok, err := checkpoint.Load(t.ckptPath)
	if err != nil {
		return err
	}
	if !ok {
		t.log.Info("no checkpoint found, starting fresh", zap.String("path", t.ckptPath))
		return nil
	}
	if err := t.policy.LoadStateDict(rec.ModelStateDict); err != nil {
		return fmt.Errorf("trainer: restoring policy: %w", err)
	}
	if err := t.disc.LoadStateDict(rec.DStateDict); err != nil {
		return fmt.Errorf("trainer: restoring discriminator: %w", err)
	}
	t.optim.LoadState(rec.OptimizerStateDict)
	t.dOptim.LoadState(rec.DOptimizerStateDict)
	t.sched.LoadState(rec.SchedulerStateDict)
	t.dSched.LoadState(rec.DSchedulerStateDict)
	t.rec.Replace(rec.Stats)
	t.log.Info("resumed from checkpoint",
		zap.String("path", t.ckptPath),
		zap.Int64("step", t.rec.GetInt("step")))
	return nil
}

// Run drives the full training loop until the step target is reached, ctx is
// cancelled, or a component fails. It always attempts a final checkpoint
// (unless disabled) and drains every worker before returning.
func (t *Trainer) Run(ctx context.Context) error {
	defer t.writer.Close()

	var sink *metrics.PGSink
	if t.cfg.Database.Enabled {
		pool, err := pgxpool.New(ctx, t.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("trainer: connecting stats database: %w", err)
		}
		defer pool.Close()
		sink, err = metrics.NewPGSink(ctx, pool, t.writer.XPID(), t.cfg.Database.PushInterval, t.log)
		if err != nil {
			return fmt.Errorf("trainer: stats sink: %w", err)
		}
	}

	driver, err := actordriver.New(t.envs, t.batcher, t.learnerQ, t.replayQ, t.cfg.Training.UnrollLength, t.log)
	if err != nil {
		return err
	}

	var shaper *learner.Shaper
	if !t.cfg.Training.DisableShaping {
		shaper = learner.NewShaper(t.disc, t.cfg.Training.UseTCA)
	}
	policyLearner := learner.NewPolicyLearner(
		learner.PolicyConfig{
			Discounting:  t.cfg.Loss.Discounting,
			BaselineCost: t.cfg.Loss.BaselineCost,
			EntropyCost:  t.cfg.Loss.EntropyCost,
			GradClip:     t.cfg.Optim.GradNormClipping,
		},
		t.learnerQ, t.policy, t.optim, t.sched, shaper, &t.modelMu, t.rec, t.writer, t.log,
	)
	discLearner := learner.NewDiscriminatorLearner(
		learner.DiscriminatorConfig{
			BatchSize:    t.cfg.Training.BatchSize,
			GradClip:     t.cfg.Optim.GradNormClipping,
			Condition:    t.cfg.Training.Condition,
			StallTimeout: t.cfg.Replay.StallTimeout,
		},
		t.dataset, t.replayQ, t.buffer, t.disc, t.dOptim, t.dSched, &t.modelMu, t.rec, t.log,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	// ActBatch samples from the policy's rng, so the servers share one lock.
	actMu := &sync.Mutex{}
	for i := 0; i < t.cfg.Training.NumInferenceThreads; i++ {
		srv := inference.NewServer(t.policy, t.batcher, actMu, t.log)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return policyLearner.Run(gctx) })
	g.Go(func() error { return discLearner.Run(gctx) })

	t.log.Info("training started",
		zap.String("xpid", t.writer.XPID()),
		zap.Int("actors", t.cfg.Training.NumActors),
		zap.Int("total_steps", t.cfg.Training.TotalSteps))

	monErr := t.monitor(gctx, sink)

	if !t.cfg.Training.DisableCheckpoint {
		if err := t.saveCheckpoint(); err != nil {
			t.log.Error("final checkpoint failed", zap.Error(err))
		}
	}

	// Closing the queues releases every blocked producer and consumer; the
	// workers all treat closure as a clean exit.
	t.batcher.Close()
	t.learnerQ.Close()
	t.replayQ.Close()

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if monErr != nil {
		return monErr
	}
	t.log.Info("training stopped", zap.Int64("step", t.rec.GetInt("step")))
	return nil
}

// monitor reports throughput and drives periodic checkpoints and stats
// pushes until the step target is reached or ctx ends.
func (t *Trainer) monitor(ctx context.Context, sink *metrics.PGSink) error {
	poll := time.NewTicker(t.cfg.Training.PollInterval)
	defer poll.Stop()
	ckpt := time.NewTicker(t.cfg.Training.CheckpointInterval)
	defer ckpt.Stop()

	lastStep := t.rec.GetInt("step")
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ckpt.C:
			if t.cfg.Training.DisableCheckpoint {
				continue
			}
			if err := t.saveCheckpoint(); err != nil {
				return err
			}
		case <-poll.C:
			step := t.rec.GetInt("step")
			now := time.Now()
			sps := float64(step-lastStep) / now.Sub(lastAt).Seconds()
			lastStep, lastAt = step, now

			t.log.Info("progress",
				zap.Int64("step", step),
				zap.Float64("sps", sps),
				zap.Int("learner_queue_size", t.learnerQ.Size()))
			if sink != nil {
				if _, err := sink.Push(ctx, t.rec.Snapshot()); err != nil {
					t.log.Warn("stats push failed", zap.Error(err))
				}
			}
			if step >= int64(t.cfg.Training.TotalSteps) {
				t.log.Info("step target reached", zap.Int64("step", step))
				return nil
			}
		}
	}
}

// saveCheckpoint snapshots both models, both optimizers, both schedulers, and
// the current stats under the model lock, then writes atomically.
func (t *Trainer) saveCheckpoint() error {
	t.modelMu.Lock()
	rec := &checkpoint.Record{
		ModelStateDict:      t.policy.Params().Clone(),
		DStateDict:          t.disc.Params().Clone(),
		OptimizerStateDict:  t.optim.State(),
		DOptimizerStateDict: t.dOptim.State(),
		SchedulerStateDict:  t.sched.State(),
		DSchedulerStateDict: t.dSched.State(),
		Stats:               t.rec.Snapshot(),
		Flags:               t.cfg.FlagMap(),
	}
	t.modelMu.Unlock()
	return checkpoint.Save(t.ckptPath, rec, t.log)
}
