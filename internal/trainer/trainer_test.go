package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/brushbeast/internal/checkpoint"
	"github.com/xkilldash9x/brushbeast/internal/config"
)

// smallConfig sizes a run that finishes in two learner iterations:
// unroll_length x batch_size = 20 steps per iteration against a 40-step
// target.
func smallConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Training.XPID = "e2e-test"
	cfg.Training.Savedir = t.TempDir()
	cfg.Training.TotalSteps = 40
	cfg.Training.BatchSize = 4
	cfg.Training.UnrollLength = 5
	cfg.Training.NumActors = 2
	cfg.Training.NumInferenceThreads = 2
	cfg.Training.PollInterval = 10 * time.Millisecond
	cfg.Training.CheckpointInterval = time.Hour
	cfg.Env.Channels = 1
	cfg.Env.Height = 2
	cfg.Env.Width = 2
	cfg.Env.ActionDims = []int{3, 2}
	cfg.Env.EpisodeLength = 4
	cfg.Env.Seed = 7
	cfg.Replay.StallTimeout = 10 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestTrainerRunsToStepTarget(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := smallConfig(t)
	tr, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	require.NoError(t, tr.Run(ctx))

	// One checkpoint file, carrying every persisted component.
	path, err := checkpoint.Path(cfg.Training.Savedir, "e2e-test")
	require.NoError(t, err)
	rec, ok, err := checkpoint.Load(path)
	require.NoError(t, err)
	require.True(t, ok, "expected a final checkpoint at %s", path)

	assert.NotEmpty(t, rec.ModelStateDict)
	assert.NotEmpty(t, rec.DStateDict)
	assert.NotEmpty(t, rec.OptimizerStateDict.M)
	assert.NotEmpty(t, rec.DOptimizerStateDict.M)
	assert.Positive(t, rec.SchedulerStateDict.N)
	assert.NotEmpty(t, rec.Flags)

	step, isFloat := rec.Stats["step"].(float64)
	require.True(t, isFloat, "step stat missing from checkpoint: %v", rec.Stats)
	assert.GreaterOrEqual(t, step, float64(cfg.Training.TotalSteps))

	// The experiment dir holds exactly the checkpoint, the run metadata and
	// the stats stream; no leftover temp files from the atomic save.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.ElementsMatch(t, []string{"logs.jsonl", "meta.json", "model.json"}, names)

	// The experiment log captured at least the two iterations needed to
	// reach the target.
	logs, err := os.ReadFile(filepath.Join(cfg.Training.Savedir, "e2e-test", "logs.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestTrainerResumesFromCheckpoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := smallConfig(t)
	log := zaptest.NewLogger(t)

	tr, err := New(cfg, log)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	require.NoError(t, tr.Run(ctx))

	path, err := checkpoint.Path(cfg.Training.Savedir, "e2e-test")
	require.NoError(t, err)
	first, ok, err := checkpoint.Load(path)
	require.NoError(t, err)
	require.True(t, ok)

	// A second run with the same xpid restores the step counter, so the
	// monitor stops at its first poll without losing progress.
	resumed, err := New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, resumed.Run(ctx))

	second, ok, err := checkpoint.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, second.Stats["step"].(float64), first.Stats["step"].(float64))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Training.TotalSteps = 0
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg = smallConfig(t)
	cfg.Training.Device = "cuda"
	_, err = New(cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported device")
}
