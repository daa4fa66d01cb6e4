package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/brushbeast/api/schemas"
	"github.com/xkilldash9x/brushbeast/internal/batching"
	"github.com/xkilldash9x/brushbeast/internal/metrics"
	"github.com/xkilldash9x/brushbeast/internal/nn"
	"github.com/xkilldash9x/brushbeast/internal/vtrace"
)

// PolicyConfig carries the loss and update hyperparameters.
type PolicyConfig struct {
	Discounting  float64
	BaselineCost float64
	EntropyCost  float64
	GradClip     float64
}

// PolicyLearner consumes stacked rollouts from the learner queue and applies
// V-trace corrected policy-gradient updates. One logical learner runs at a
// time; the model mutex it shares with checkpointing makes each iteration's
// effects atomic.
type PolicyLearner struct {
	cfg    PolicyConfig
	queue  *batching.Queue[schemas.Unroll]
	policy *nn.Policy
	opt    *nn.Adam
	sched  *nn.LinearSchedule
	shaper *Shaper

	modelMu *sync.Mutex
	rec     *metrics.Recorder
	explog  schemas.ExperimentLogger
	log     *zap.Logger
}

// NewPolicyLearner wires the learner. shaper may be nil (shaping disabled);
// explog may be nil when per-iteration persistence is off.
func NewPolicyLearner(
	cfg PolicyConfig,
	queue *batching.Queue[schemas.Unroll],
	policy *nn.Policy,
	opt *nn.Adam,
	sched *nn.LinearSchedule,
	shaper *Shaper,
	modelMu *sync.Mutex,
	rec *metrics.Recorder,
	explog schemas.ExperimentLogger,
	log *zap.Logger,
) *PolicyLearner {
	return &PolicyLearner{
		cfg: cfg, queue: queue, policy: policy, opt: opt, sched: sched,
		shaper: shaper, modelMu: modelMu, rec: rec, explog: explog,
		log: log.Named("learner"),
	}
}

// Run iterates until the learner queue closes or ctx ends.
func (l *PolicyLearner) Run(ctx context.Context) error {
	for {
		unrolls, err := l.queue.Get(ctx)
		if errors.Is(err, batching.ErrClosed) {
			l.log.Debug("policy learner draining: queue closed")
			return nil
		}
		if err != nil {
			return err
		}

		batch, err := schemas.Stack(unrolls)
		if err != nil {
			return fmt.Errorf("learner: stacking unrolls: %w", err)
		}

		if err := l.step(batch); err != nil {
			return err
		}
	}
}

// step runs one full update on a stacked batch under the model mutex.
func (l *PolicyLearner) step(batch *schemas.Batch) error {
	l.modelMu.Lock()
	defer l.modelMu.Unlock()

	T, B := batch.T, batch.B

	discReturn, shaped := 0.0, false
	if l.shaper != nil {
		var err error
		discReturn, shaped, err = l.shaper.Apply(batch)
		if err != nil {
			return err
		}
	}

	targetLogits, baseline, err := l.policy.Forward(batch.Env.Canvas, T, B)
	if err != nil {
		return fmt.Errorf("learner: forward pass: %w", err)
	}

	// Shift from obs[t] -> action[t] to action[t] -> obs[t]: the model side
	// drops its last row, the rollout side drops its first. The dropped model
	// row supplies the bootstrap value.
	bootstrap := make([]float64, B)
	for b := 0; b < B; b++ {
		bootstrap[b] = baseline.At(T-1, b)
	}

	heads := len(targetLogits)
	target := make([]*mat.Dense, heads)
	behaviour := make([]*mat.Dense, heads)
	actions := make([][]int, heads)
	for h := 0; h < heads; h++ {
		_, cols := targetLogits[h].Dims()
		target[h] = targetLogits[h].Slice(0, (T-1)*B, 0, cols).(*mat.Dense)
		behaviour[h] = batch.Agent.Logits[h].Slice(B, T*B, 0, cols).(*mat.Dense)
		actions[h] = batch.Agent.Actions[h][B:]
	}
	values := baseline.Slice(0, T-1, 0, B).(*mat.Dense)
	rewards := batch.Env.Reward.Slice(1, T, 0, B).(*mat.Dense)

	discounts := mat.NewDense(T-1, B, nil)
	for t := 1; t < T; t++ {
		for b := 0; b < B; b++ {
			if !batch.Env.Done[t][b] {
				discounts.Set(t-1, b, l.cfg.Discounting)
			}
		}
	}

	returns, err := vtrace.FromLogits(behaviour, target, actions, discounts, rewards, values, bootstrap)
	if err != nil {
		return fmt.Errorf("learner: v-trace: %w", err)
	}

	terms, dLogits, dBaseline := policyGradients(
		target, actions, returns.PGAdvantages, returns.VS, values,
		l.cfg.BaselineCost, l.cfg.EntropyCost,
	)

	// Embed the shift-aligned cotangents into full-size planes; the dropped
	// rows carry zero gradient.
	dLogitsFull := make([]*mat.Dense, heads)
	for h := 0; h < heads; h++ {
		_, cols := targetLogits[h].Dims()
		full := mat.NewDense(T*B, cols, nil)
		full.Slice(0, (T-1)*B, 0, cols).(*mat.Dense).Copy(dLogits[h])
		dLogitsFull[h] = full
	}
	dBaselineFull := mat.NewDense(T, B, nil)
	dBaselineFull.Slice(0, T-1, 0, B).(*mat.Dense).Copy(dBaseline)

	grads, err := l.policy.Gradients(batch.Env.Canvas, T, B, dLogitsFull, dBaselineFull)
	if err != nil {
		return fmt.Errorf("learner: backward pass: %w", err)
	}
	nn.ClipGradNorm(grads, l.cfg.GradClip)
	l.opt.Step(l.policy.Params(), grads, l.sched.Scale())
	l.sched.Step()
	l.policy.Publish()

	l.publishStats(batch, terms, discReturn, shaped)
	return nil
}

func (l *PolicyLearner) publishStats(batch *schemas.Batch, terms lossTerms, discReturn float64, shaped bool) {
	T, B := batch.T, batch.B

	var episodeReturns []float64
	for t := 1; t < T; t++ {
		for b := 0; b < B; b++ {
			if batch.Env.Done[t][b] {
				episodeReturns = append(episodeReturns, batch.Env.EpisodeReturn.At(t, b))
			}
		}
	}

	var meanReturn any
	if len(episodeReturns) > 0 {
		sum := 0.0
		for _, r := range episodeReturns {
			sum += r
		}
		meanReturn = sum / float64(len(episodeReturns))
	}

	var discStat any
	if shaped {
		discStat = discReturn
	}

	step := l.rec.AddInt("step", int64((T-1)*B))
	l.rec.SetAll(map[string]any{
		"episode_returns":            episodeReturns,
		"mean_episode_return":        meanReturn,
		"mean_discriminator_returns": discStat,
		"total_loss":                 terms.Total(),
		"pg_loss":                    terms.PG,
		"baseline_loss":              terms.Baseline,
		"entropy_loss":               terms.Entropy,
		"learner_queue_size":         l.queue.Size(),
	})

	if l.explog != nil {
		if err := l.explog.Log(l.rec.Snapshot()); err != nil {
			l.log.Warn("Failed to append stats line", zap.Error(err))
		}
	}
	l.log.Debug("learner iteration",
		zap.Int64("step", step),
		zap.Float64("total_loss", terms.Total()),
	)
}
