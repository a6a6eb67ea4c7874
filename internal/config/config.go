package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/pipetune/pipetune/internal/tuning/acquisition"
	"github.com/pipetune/pipetune/internal/tuning/aggregate"
	"github.com/pipetune/pipetune/internal/tuning/session"
	"github.com/pipetune/pipetune/internal/tuning/surrogate"
)

// Config is the process configuration, populated from the environment.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`

	HTTP struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}

	Store struct {
		DataDir string `env:"STORE_DATA_DIR" envDefault:"data"`
	}

	Tuning struct {
		MaxIterations        int     `env:"TUNE_MAX_ITERATIONS" envDefault:"50"`
		InitialDesignSize    int     `env:"TUNE_INITIAL_DESIGN_SIZE" envDefault:"4"`
		ImprovementThreshold float64 `env:"TUNE_IMPROVEMENT_THRESHOLD" envDefault:"0.001"`
		ImprovementPatience  int     `env:"TUNE_IMPROVEMENT_PATIENCE" envDefault:"0"`
		NoSignalRetryLimit   int     `env:"TUNE_NO_SIGNAL_RETRY_LIMIT" envDefault:"3"`
		Kernel               string  `env:"TUNE_KERNEL" envDefault:"rbf"`
		Seed                 int64   `env:"TUNE_SEED" envDefault:"0"`

		AutomatedNoise     float64 `env:"TUNE_AUTOMATED_NOISE" envDefault:"0.05"`
		ManualNoise        float64 `env:"TUNE_MANUAL_NOISE" envDefault:"0.005"`
		AutomatedWeight    float64 `env:"TUNE_AUTOMATED_WEIGHT" envDefault:"0.5"`
		ManualWeight       float64 `env:"TUNE_MANUAL_WEIGHT" envDefault:"0.5"`
		RejectionObjective float64 `env:"TUNE_REJECTION_OBJECTIVE" envDefault:"-1.0"`

		Acquisition string  `env:"TUNE_ACQUISITION" envDefault:"ei"`
		Xi          float64 `env:"TUNE_ACQUISITION_XI" envDefault:"0.01"`
		Beta        float64 `env:"TUNE_ACQUISITION_BETA" envDefault:"2.0"`
	}
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

// SessionConfig assembles the session policy from the tuning settings.
func (c *Config) SessionConfig() session.Config {
	sc := session.Config{
		MaxIterations:        c.Tuning.MaxIterations,
		InitialDesignSize:    c.Tuning.InitialDesignSize,
		ImprovementThreshold: c.Tuning.ImprovementThreshold,
		ImprovementPatience:  c.Tuning.ImprovementPatience,
		NoSignalRetryLimit:   c.Tuning.NoSignalRetryLimit,
		Kernel:               c.Tuning.Kernel,
		Seed:                 c.Tuning.Seed,
		Surrogate:            surrogate.DefaultConfig(),
	}

	sc.Aggregate = aggregate.Config{
		AutomatedNoise:     c.Tuning.AutomatedNoise,
		ManualNoise:        c.Tuning.ManualNoise,
		AutomatedWeight:    c.Tuning.AutomatedWeight,
		ManualWeight:       c.Tuning.ManualWeight,
		RejectionObjective: c.Tuning.RejectionObjective,
	}

	sc.Acquisition = acquisition.DefaultConfig()
	sc.Acquisition.Kind = c.Tuning.Acquisition
	sc.Acquisition.Xi = c.Tuning.Xi
	sc.Acquisition.Beta = c.Tuning.Beta

	return sc
}
