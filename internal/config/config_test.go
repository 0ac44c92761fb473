package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"HTTP_ADDR", "SHUTDOWN_TIMEOUT", "WORKER_MIN", "WORKER_MAX", "WORKER_COUNT",
	"SCALE_INTERVAL_MS", "SCALE_UP_BACKLOG_PER_WORKER", "SCALE_DOWN_IDLE_TICKS",
	"QUEUE_HIGH_WATERMARK", "CATALOG_PATH", "DB_PATH", "SELECTION_RETRIES",
	"SELECTION_SEED", "JOURNAL_MAX_TRIES", "JOURNAL_RETRY_BACKOFF", "LOG_LEVEL",
	"OTEL_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		// Setenv registers the restore; Unsetenv leaves the key absent.
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr default")
	}
	if c.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout default")
	}
	if c.WorkerMin != 3 || c.WorkerMax != 8 || c.InitialWorkerCount != 3 {
		t.Fatalf("worker bounds default")
	}
	if c.ScaleInterval != 500*time.Millisecond {
		t.Fatalf("ScaleInterval default")
	}
	if c.ScaleUpBacklogPerWorker != 100 || c.ScaleDownIdleTicks != 6 {
		t.Fatalf("scale thresholds default")
	}
	if c.QueueHighWatermark != 5000 {
		t.Fatalf("high watermark default")
	}
	if c.SelectionRetries != 3 || c.JournalMaxTries != 5 || c.JournalRetryBackoff != 50*time.Millisecond {
		t.Fatalf("retry defaults: %+v", c)
	}
	if c.DBPath != "" || c.CatalogPath != "" || c.LogLevel != "info" {
		t.Fatalf("storage defaults: %+v", c)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("SHUTDOWN_TIMEOUT", "2")
	t.Setenv("WORKER_MIN", "2")
	t.Setenv("WORKER_MAX", "3")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("SCALE_INTERVAL_MS", "250")
	t.Setenv("SCALE_UP_BACKLOG_PER_WORKER", "10")
	t.Setenv("SCALE_DOWN_IDLE_TICKS", "2")
	t.Setenv("QUEUE_HIGH_WATERMARK", "99")
	t.Setenv("DB_PATH", "/tmp/rewards.db")
	t.Setenv("SELECTION_SEED", "42")
	t.Setenv("SELECTION_RETRIES", "5")
	t.Setenv("JOURNAL_RETRY_BACKOFF", "10ms")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr env")
	}
	if c.ShutdownTimeout != 2*time.Second {
		t.Fatalf("ShutdownTimeout env")
	}
	if c.WorkerMin != 2 || c.WorkerMax != 3 || c.InitialWorkerCount != 2 {
		t.Fatalf("workers env")
	}
	if c.ScaleInterval != 250*time.Millisecond {
		t.Fatalf("ScaleInterval env")
	}
	if c.ScaleUpBacklogPerWorker != 10 || c.ScaleDownIdleTicks != 2 {
		t.Fatalf("scale thresholds env")
	}
	if c.QueueHighWatermark != 99 {
		t.Fatalf("high watermark env")
	}
	if c.DBPath != "/tmp/rewards.db" || c.SelectionSeed != 42 || c.SelectionRetries != 5 {
		t.Fatalf("engine env: %+v", c)
	}
	if c.JournalRetryBackoff != 10*time.Millisecond {
		t.Fatalf("journal backoff env")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"not a number":   {"WORKER_MIN", "many"},
		"zero min":       {"WORKER_MIN", "0"},
		"max below min":  {"WORKER_MAX", "1"},
		"zero retries":   {"SELECTION_RETRIES", "0"},
		"bad duration":   {"SHUTDOWN_TIMEOUT", "soon"},
		"unit suffix":    {"SHUTDOWN_TIMEOUT", "15s"},
		"zero timeout":   {"SHUTDOWN_TIMEOUT", "0"},
		"count too high": {"WORKER_COUNT", "99"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestShutdownTimeoutIsSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "15")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ShutdownTimeout != 15*time.Second || c.ShutdownTimeoutSec != 15 {
		t.Fatalf("ShutdownTimeout = %v, want 15s", c.ShutdownTimeout)
	}
}

func TestLoadErrorPrefix(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUE_HIGH_WATERMARK", "lots")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
