// Package config provides runtime configuration values for the service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration knobs for the HTTP server, workers, storage and
// the reward engine.
type Config struct {
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeoutSec      int           `env:"SHUTDOWN_TIMEOUT" envDefault:"15"`
	ShutdownTimeout         time.Duration `env:"-"`
	InitialWorkerCount      int           `env:"WORKER_COUNT"`
	WorkerMin               int           `env:"WORKER_MIN" envDefault:"3"`
	WorkerMax               int           `env:"WORKER_MAX" envDefault:"8"`
	ScaleIntervalMS         int           `env:"SCALE_INTERVAL_MS" envDefault:"500"`
	ScaleInterval           time.Duration `env:"-"`
	ScaleUpBacklogPerWorker int           `env:"SCALE_UP_BACKLOG_PER_WORKER" envDefault:"100"`
	ScaleDownIdleTicks      int           `env:"SCALE_DOWN_IDLE_TICKS" envDefault:"6"`
	QueueHighWatermark      int           `env:"QUEUE_HIGH_WATERMARK" envDefault:"5000"`

	// CatalogPath points at a YAML catalog; empty uses the built-in one.
	CatalogPath string `env:"CATALOG_PATH"`
	// DBPath enables the SQLite journal when set.
	DBPath string `env:"DB_PATH"`

	SelectionRetries int `env:"SELECTION_RETRIES" envDefault:"3"`
	// SelectionSeed fixes the draw sequence; zero seeds from the clock.
	SelectionSeed       uint64        `env:"SELECTION_SEED"`
	JournalMaxTries     uint          `env:"JOURNAL_MAX_TRIES" envDefault:"5"`
	JournalRetryBackoff time.Duration `env:"JOURNAL_RETRY_BACKOFF" envDefault:"50ms"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load collects configuration from environment with defaults.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	c.ScaleInterval = time.Duration(c.ScaleIntervalMS) * time.Millisecond
	c.ShutdownTimeout = time.Duration(c.ShutdownTimeoutSec) * time.Second
	if c.InitialWorkerCount == 0 {
		c.InitialWorkerCount = c.WorkerMin
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch {
	case c.WorkerMin < 1:
		return fmt.Errorf("WORKER_MIN must be at least 1, got %d", c.WorkerMin)
	case c.WorkerMax < c.WorkerMin:
		return fmt.Errorf("WORKER_MAX %d is below WORKER_MIN %d", c.WorkerMax, c.WorkerMin)
	case c.InitialWorkerCount < c.WorkerMin || c.InitialWorkerCount > c.WorkerMax:
		return fmt.Errorf("WORKER_COUNT %d outside [%d, %d]", c.InitialWorkerCount, c.WorkerMin, c.WorkerMax)
	case c.ScaleInterval <= 0:
		return fmt.Errorf("SCALE_INTERVAL_MS must be positive")
	case c.SelectionRetries < 1:
		return fmt.Errorf("SELECTION_RETRIES must be at least 1, got %d", c.SelectionRetries)
	case c.JournalMaxTries < 1:
		return fmt.Errorf("JOURNAL_MAX_TRIES must be at least 1")
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be a positive number of seconds")
	}
	return nil
}
