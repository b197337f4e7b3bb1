package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"comboval/internal/domain"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "comboval-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv() {
	for _, k := range []string{"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "KAFKA_BROKERS", "COMBOVAL_WORKERS"} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv()
	path := writeTemp(t, `
storage:
  data_dir: "/tmp/comboval/data"
logging:
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/comboval/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/comboval/data")
	}
	if cfg.Storage.SQLitePath != "data/comboval.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "data/comboval.db")
	}
	if cfg.Storage.Tables.Prices != "t_stock_daily" {
		t.Errorf("Storage.Tables.Prices = %q, want %q", cfg.Storage.Tables.Prices, "t_stock_daily")
	}

	// -- Inputs --
	if cfg.Prices.Source != SourceParquet || cfg.Prices.File != "daily.parquet" {
		t.Errorf("Prices = %+v, want parquet daily.parquet", cfg.Prices)
	}
	if len(cfg.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(cfg.Events))
	}
	if cfg.Events[0].ComboType != "p2" || cfg.Events[1].ComboType != "p3" {
		t.Errorf("Events combo types = %q, %q", cfg.Events[0].ComboType, cfg.Events[1].ComboType)
	}
	if !cfg.Segments.Board {
		t.Error("Segments.Board = false, want true")
	}
	if cfg.Admission.Enabled || cfg.Admission.Max != 5 {
		t.Errorf("Admission = %+v, want disabled with max 5", cfg.Admission)
	}

	// -- Run --
	if cfg.Run.Exit.HoldDays != 3 {
		t.Errorf("Run.Exit.HoldDays = %d, want 3", cfg.Run.Exit.HoldDays)
	}
	if cfg.Run.Exit.StopLoss != -0.03 {
		t.Errorf("Run.Exit.StopLoss = %f, want -0.03", cfg.Run.Exit.StopLoss)
	}
	if cfg.Run.Exit.Target != 0.01 {
		t.Errorf("Run.Exit.Target = %f, want 0.01", cfg.Run.Exit.Target)
	}
	if cfg.Run.ConfidenceLevel != 0.95 {
		t.Errorf("Run.ConfidenceLevel = %f, want 0.95", cfg.Run.ConfidenceLevel)
	}

	// -- Sinks --
	if !cfg.Sinks.SQLite || !cfg.Sinks.Parquet {
		t.Errorf("Sinks = %+v, want sqlite and parquet enabled", cfg.Sinks)
	}
	if cfg.Sinks.Kafka.Topic != "combo-reports" {
		t.Errorf("Sinks.Kafka.Topic = %q, want %q", cfg.Sinks.Kafka.Topic, "combo-reports")
	}
	if cfg.Sinks.Retry.Attempts != 3 || cfg.Sinks.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Sinks.Retry = %+v, want 3 attempts at 500ms", cfg.Sinks.Retry)
	}

	// -- Server --
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 9090)
	}

	// -- Schedule and logging --
	if cfg.Schedule.Cron != "0 30 16 * * 1-5" {
		t.Errorf("Schedule.Cron = %q", cfg.Schedule.Cron)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestLoadRunSection(t *testing.T) {
	clearEnv()
	path := writeTemp(t, `
run:
  hold_days: 5
  stop_loss: -0.05
  target: 0.02
  workers: 4
  budget: 90s
events:
  - file: hits2.parquet
    combo_type: p2
  - source: sqlite
    table: t_combo_hits
    combo_type: p3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Run.Exit.HoldDays != 5 || cfg.Run.Exit.StopLoss != -0.05 || cfg.Run.Exit.Target != 0.02 {
		t.Errorf("Run.Exit = %+v", cfg.Run.Exit)
	}
	if cfg.Run.Workers != 4 {
		t.Errorf("Run.Workers = %d, want 4", cfg.Run.Workers)
	}
	if cfg.Run.Budget != 90*time.Second {
		t.Errorf("Run.Budget = %v, want 90s", cfg.Run.Budget)
	}
	if len(cfg.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(cfg.Events))
	}
	if cfg.Events[0].Source != SourceParquet {
		t.Errorf("Events[0].Source = %q, want %q (normalized)", cfg.Events[0].Source, SourceParquet)
	}
	if cfg.Events[1].Source != SourceSQLite || cfg.Events[1].Table != "t_combo_hits" {
		t.Errorf("Events[1] = %+v", cfg.Events[1])
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero hold days", "run:\n  hold_days: 0\n"},
		{"positive stop loss", "run:\n  stop_loss: 0.01\n"},
		{"zero target", "run:\n  target: 0\n"},
		{"confidence one", "run:\n  confidence_level: 1\n"},
		{"negative workers", "run:\n  workers: -1\n"},
		{"unknown price source", "prices:\n  source: csv\n"},
		{"parquet event without file", "events:\n  - combo_type: p2\n"},
		{"sqlite event without table", "events:\n  - source: sqlite\n    combo_type: p2\n"},
		{"bad table name", "storage:\n  tables:\n    prices: \"x; drop table y\"\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"no sqlite path", "storage:\n  sqlite_path: \"\"\n"},
	}
	clearEnv()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/comboval.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv()
	path := writeTemp(t, `
storage:
  data_dir: "/original/data"
  sqlite_path: "/original/comboval.db"
logging:
  level: debug
`)

	// Set environment overrides.
	os.Setenv("DATA_DIR", "/env/data")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	os.Setenv("COMBOVAL_WORKERS", "2")
	defer clearEnv()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	// sqlite_path should remain from YAML since no env override was set.
	if cfg.Storage.SQLitePath != "/original/comboval.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q (from YAML)", cfg.Storage.SQLitePath, "/original/comboval.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q (from YAML)", cfg.Logging.Level, "debug")
	}
	if len(cfg.Sinks.Kafka.Brokers) != 2 || cfg.Sinks.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Sinks.Kafka.Brokers = %v, want [k1:9092 k2:9092]", cfg.Sinks.Kafka.Brokers)
	}
	if cfg.Run.Workers != 2 {
		t.Errorf("Run.Workers = %d, want 2 (env override)", cfg.Run.Workers)
	}
}

func TestLoadEnvBadWorkers(t *testing.T) {
	clearEnv()
	os.Setenv("COMBOVAL_WORKERS", "many")
	defer clearEnv()

	_, err := Load(writeTemp(t, "{}\n"))
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	clearEnv()
	cfg, err := Load("../../config/comboval.yaml")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Sinks.ReportsDir != "data/reports" {
		t.Errorf("Sinks.ReportsDir = %q, want %q", cfg.Sinks.ReportsDir, "data/reports")
	}
	if len(cfg.Sinks.Kafka.Brokers) != 0 {
		t.Errorf("Sinks.Kafka.Brokers = %v, want none", cfg.Sinks.Kafka.Brokers)
	}
}
