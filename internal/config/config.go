// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire training configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Training TrainingConfig `mapstructure:"training" yaml:"training"`
	Env      EnvConfig      `mapstructure:"env" yaml:"env"`
	Loss     LossConfig     `mapstructure:"loss" yaml:"loss"`
	Optim    OptimConfig    `mapstructure:"optim" yaml:"optim"`
	Replay   ReplayConfig   `mapstructure:"replay" yaml:"replay"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for each console log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// TrainingConfig sizes the run: actors, batching, step budget, checkpointing.
type TrainingConfig struct {
	XPID    string `mapstructure:"xpid" yaml:"xpid"`
	Savedir string `mapstructure:"savedir" yaml:"savedir"`

	TotalSteps   int `mapstructure:"total_steps" yaml:"total_steps"`
	BatchSize    int `mapstructure:"batch_size" yaml:"batch_size"`
	UnrollLength int `mapstructure:"unroll_length" yaml:"unroll_length"`
	NumActors    int `mapstructure:"num_actors" yaml:"num_actors"`

	NumInferenceThreads int `mapstructure:"num_inference_threads" yaml:"num_inference_threads"`
	// MaxLearnerQueueSize bounds undelivered unrolls; 0 means batch size.
	MaxLearnerQueueSize int `mapstructure:"max_learner_queue_size" yaml:"max_learner_queue_size"`

	// Device is "auto" or an explicit device name. This build resolves auto
	// to cpu.
	Device string `mapstructure:"device" yaml:"device"`

	UseTCA    bool `mapstructure:"use_tca" yaml:"use_tca"`
	Condition bool `mapstructure:"condition" yaml:"condition"`
	// DisableShaping turns the discriminator reward correction off entirely.
	DisableShaping bool `mapstructure:"disable_shaping" yaml:"disable_shaping"`

	DisableCheckpoint  bool          `mapstructure:"disable_checkpoint" yaml:"disable_checkpoint"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// EnvConfig describes the painting environment surface.
type EnvConfig struct {
	Channels      int   `mapstructure:"channels" yaml:"channels"`
	Height        int   `mapstructure:"height" yaml:"height"`
	Width         int   `mapstructure:"width" yaml:"width"`
	ActionDims    []int `mapstructure:"action_dims" yaml:"action_dims"`
	EpisodeLength int   `mapstructure:"episode_length" yaml:"episode_length"`
	Seed          int64 `mapstructure:"seed" yaml:"seed"`
}

// ObsShape returns the canvas shape [C, H, W].
func (e EnvConfig) ObsShape() []int { return []int{e.Channels, e.Height, e.Width} }

// LossConfig weights the policy loss terms.
type LossConfig struct {
	Discounting  float64 `mapstructure:"discounting" yaml:"discounting"`
	EntropyCost  float64 `mapstructure:"entropy_cost" yaml:"entropy_cost"`
	BaselineCost float64 `mapstructure:"baseline_cost" yaml:"baseline_cost"`
}

// OptimConfig carries the optimizer hyperparameters for both networks.
type OptimConfig struct {
	LearningRate      float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	DLearningRate     float64 `mapstructure:"d_learning_rate" yaml:"d_learning_rate"`
	DBeta1            float64 `mapstructure:"d_beta1" yaml:"d_beta1"`
	DBeta2            float64 `mapstructure:"d_beta2" yaml:"d_beta2"`
	GradNormClipping  float64 `mapstructure:"grad_norm_clipping" yaml:"grad_norm_clipping"`
	DiscriminatorSize int     `mapstructure:"discriminator_size" yaml:"discriminator_size"`
}

// ReplayConfig sizes the terminal-canvas replay buffer.
type ReplayConfig struct {
	// Capacity 0 derives batch_size x 20.
	Capacity     int           `mapstructure:"capacity" yaml:"capacity"`
	StallTimeout time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
}

// DatabaseConfig wires the optional Postgres stats sink.
type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`
	PushInterval time.Duration `mapstructure:"push_interval" yaml:"push_interval"`
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "brushbeast")
	v.SetDefault("logger.log_file", "brushbeast.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("training.xpid", "")
	v.SetDefault("training.savedir", "~/logs/brushbeast")
	v.SetDefault("training.total_steps", 100000)
	v.SetDefault("training.batch_size", 64)
	v.SetDefault("training.unroll_length", 20)
	v.SetDefault("training.num_actors", 4)
	v.SetDefault("training.num_inference_threads", 2)
	v.SetDefault("training.max_learner_queue_size", 0)
	v.SetDefault("training.device", "auto")
	v.SetDefault("training.use_tca", true)
	v.SetDefault("training.condition", false)
	v.SetDefault("training.disable_shaping", false)
	v.SetDefault("training.disable_checkpoint", false)
	v.SetDefault("training.checkpoint_interval", 10*time.Minute)
	v.SetDefault("training.poll_interval", 5*time.Second)

	v.SetDefault("env.channels", 3)
	v.SetDefault("env.height", 64)
	v.SetDefault("env.width", 64)
	v.SetDefault("env.action_dims", []int{8, 8, 8})
	v.SetDefault("env.episode_length", 40)
	v.SetDefault("env.seed", 1)

	v.SetDefault("loss.discounting", 0.99)
	v.SetDefault("loss.entropy_cost", 0.01)
	v.SetDefault("loss.baseline_cost", 0.5)

	v.SetDefault("optim.learning_rate", 0.0003)
	v.SetDefault("optim.d_learning_rate", 0.0001)
	v.SetDefault("optim.d_beta1", 0.5)
	v.SetDefault("optim.d_beta2", 0.999)
	v.SetDefault("optim.grad_norm_clipping", 40.0)
	v.SetDefault("optim.discriminator_size", 32)

	v.SetDefault("replay.capacity", 0)
	v.SetDefault("replay.stall_timeout", 30*time.Second)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.push_interval", 30*time.Second)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load reads the merged viper state (defaults, file, env) into a Config and
// validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the trainer cannot run with.
func (c *Config) Validate() error {
	t := c.Training
	if t.TotalSteps <= 0 {
		return fmt.Errorf("config: total_steps must be positive, got %d", t.TotalSteps)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", t.BatchSize)
	}
	if t.UnrollLength <= 0 {
		return fmt.Errorf("config: unroll_length must be positive, got %d", t.UnrollLength)
	}
	if t.NumActors <= 0 {
		return fmt.Errorf("config: num_actors must be positive, got %d", t.NumActors)
	}
	if t.NumInferenceThreads <= 0 {
		return fmt.Errorf("config: num_inference_threads must be positive, got %d", t.NumInferenceThreads)
	}
	if t.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %v", t.PollInterval)
	}
	if t.CheckpointInterval <= 0 {
		return fmt.Errorf("config: checkpoint_interval must be positive, got %v", t.CheckpointInterval)
	}
	if c.Env.Channels <= 0 || c.Env.Height <= 0 || c.Env.Width <= 0 {
		return fmt.Errorf("config: invalid canvas shape %v", c.Env.ObsShape())
	}
	if len(c.Env.ActionDims) == 0 {
		return fmt.Errorf("config: at least one action head required")
	}
	for h, n := range c.Env.ActionDims {
		if n <= 0 {
			return fmt.Errorf("config: action head %d has cardinality %d", h, n)
		}
	}
	if c.Env.EpisodeLength <= 0 {
		return fmt.Errorf("config: episode_length must be positive, got %d", c.Env.EpisodeLength)
	}
	if c.Loss.Discounting < 0 || c.Loss.Discounting > 1 {
		return fmt.Errorf("config: discounting must be in [0,1], got %v", c.Loss.Discounting)
	}
	if c.Optim.GradNormClipping <= 0 {
		return fmt.Errorf("config: grad_norm_clipping must be positive, got %v", c.Optim.GradNormClipping)
	}
	if c.Replay.StallTimeout <= 0 {
		return fmt.Errorf("config: replay stall_timeout must be positive, got %v", c.Replay.StallTimeout)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("config: database enabled but no dsn set")
	}
	return nil
}

// ReplayCapacity resolves the configured capacity, deriving from the batch
// size when unset.
func (c *Config) ReplayCapacity() int {
	if c.Replay.Capacity > 0 {
		return c.Replay.Capacity
	}
	return c.Training.BatchSize * 20
}

// LearnerQueueBound resolves the learner queue's pending bound.
func (c *Config) LearnerQueueBound() int {
	if c.Training.MaxLearnerQueueSize > 0 {
		return c.Training.MaxLearnerQueueSize
	}
	return c.Training.BatchSize
}

// FlagMap flattens the configuration for persistence in checkpoints and
// experiment metadata.
func (c *Config) FlagMap() map[string]any {
	return map[string]any{
		"xpid":                c.Training.XPID,
		"savedir":             c.Training.Savedir,
		"total_steps":         c.Training.TotalSteps,
		"batch_size":          c.Training.BatchSize,
		"unroll_length":       c.Training.UnrollLength,
		"num_actors":          c.Training.NumActors,
		"device":              c.Training.Device,
		"use_tca":             c.Training.UseTCA,
		"condition":           c.Training.Condition,
		"disable_shaping":     c.Training.DisableShaping,
		"channels":            c.Env.Channels,
		"height":              c.Env.Height,
		"width":               c.Env.Width,
		"action_dims":         c.Env.ActionDims,
		"episode_length":      c.Env.EpisodeLength,
		"discounting":         c.Loss.Discounting,
		"entropy_cost":        c.Loss.EntropyCost,
		"baseline_cost":       c.Loss.BaselineCost,
		"learning_rate":       c.Optim.LearningRate,
		"d_learning_rate":     c.Optim.DLearningRate,
		"grad_norm_clipping":  c.Optim.GradNormClipping,
		"replay_capacity":     c.ReplayCapacity(),
		"learner_queue_bound": c.LearnerQueueBound(),
	}
}
