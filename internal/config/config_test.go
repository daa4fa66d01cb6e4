// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100000, cfg.Training.TotalSteps)
	assert.Equal(t, 64, cfg.Training.BatchSize)
	assert.Equal(t, 20, cfg.Training.UnrollLength)
	assert.Equal(t, 4, cfg.Training.NumActors)
	assert.Equal(t, "auto", cfg.Training.Device)
	assert.True(t, cfg.Training.UseTCA)
	assert.Equal(t, 10*time.Minute, cfg.Training.CheckpointInterval)

	assert.Equal(t, []int{3, 64, 64}, cfg.Env.ObsShape())
	assert.Equal(t, 0.99, cfg.Loss.Discounting)
	assert.Equal(t, 0.0003, cfg.Optim.LearningRate)
	assert.Equal(t, 0.5, cfg.Optim.DBeta1)
	assert.Equal(t, 40.0, cfg.Optim.GradNormClipping)
}

func TestDerivedValues(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 64*20, cfg.ReplayCapacity())
	assert.Equal(t, 64, cfg.LearnerQueueBound())

	cfg.Replay.Capacity = 7
	cfg.Training.MaxLearnerQueueSize = 3
	assert.Equal(t, 7, cfg.ReplayCapacity())
	assert.Equal(t, 3, cfg.LearnerQueueBound())
}

func TestLoadAppliesOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("training.batch_size", 8)
	v.Set("training.use_tca", false)
	v.Set("loss.discounting", 0.95)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Training.BatchSize)
	assert.False(t, cfg.Training.UseTCA)
	assert.Equal(t, 0.95, cfg.Loss.Discounting)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Training.BatchSize = 0 }},
		{"zero unroll", func(c *Config) { c.Training.UnrollLength = 0 }},
		{"no actors", func(c *Config) { c.Training.NumActors = 0 }},
		{"bad canvas", func(c *Config) { c.Env.Height = 0 }},
		{"no action heads", func(c *Config) { c.Env.ActionDims = nil }},
		{"empty action head", func(c *Config) { c.Env.ActionDims = []int{4, 0} }},
		{"discount above one", func(c *Config) { c.Loss.Discounting = 1.5 }},
		{"zero grad clip", func(c *Config) { c.Optim.GradNormClipping = 0 }},
		{"db without dsn", func(c *Config) { c.Database.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFlagMapCarriesHyperparameters(t *testing.T) {
	cfg := NewDefaultConfig()
	flags := cfg.FlagMap()
	assert.Equal(t, 100000, flags["total_steps"])
	assert.Equal(t, 0.99, flags["discounting"])
	assert.Equal(t, 64*20, flags["replay_capacity"])
}
