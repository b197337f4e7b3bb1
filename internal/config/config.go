// Package config loads the comboval YAML configuration: defaults first, then
// the file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"comboval/internal/domain"
	"comboval/internal/simulate"
	"comboval/internal/store"
	"comboval/internal/util"
)

// Input source kinds.
const (
	SourceParquet = "parquet"
	SourceSQLite  = "sqlite"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for comboval.
type Config struct {
	Storage   Storage      `yaml:"storage"`
	Prices    PriceInput   `yaml:"prices"`
	Events    []EventInput `yaml:"events" validate:"dive"`
	Combos    Combos       `yaml:"combos"`
	Admission Admission    `yaml:"admission"`
	Segments  Segments     `yaml:"segments"`
	Run       Run          `yaml:"run"`
	Sinks     Sinks        `yaml:"sinks"`
	Metrics   Metrics      `yaml:"metrics"`
	Server    Server       `yaml:"server"`
	Schedule  Schedule     `yaml:"schedule"`
	Logging   Logging      `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string       `yaml:"data_dir" default:"data" validate:"required"`
	SQLitePath string       `yaml:"sqlite_path" default:"data/comboval.db"`
	Tables     store.Tables `yaml:"tables"`
}

// PriceInput selects where daily bars come from.
type PriceInput struct {
	Source string `yaml:"source" default:"parquet" validate:"oneof=parquet sqlite"`
	File   string `yaml:"file" default:"daily.parquet"`
}

// EventInput is one signal hit relation.
type EventInput struct {
	Source    string `yaml:"source" validate:"oneof=parquet sqlite"`
	File      string `yaml:"file"`
	Table     string `yaml:"table"`
	ComboType string `yaml:"combo_type"`
}

// Combos restricts which combinations are evaluated. With neither option
// set every combination present in the events is evaluated.
type Combos struct {
	FromTable bool     `yaml:"from_table"`
	Names     []string `yaml:"names"`
}

// Admission configures the overextension filter.
type Admission struct {
	Enabled bool    `yaml:"enabled"`
	Max     float64 `yaml:"max" default:"5"`
}

// Segments configures segment classification. Sources are consulted in the
// order file, table, board.
type Segments struct {
	Board     bool   `yaml:"board" default:"true"`
	File      string `yaml:"file"`
	FromTable bool   `yaml:"from_table"`
}

// Run holds the evaluation parameters.
type Run struct {
	Exit            simulate.ExitPolicy `yaml:",inline"`
	ConfidenceLevel float64             `yaml:"confidence_level" default:"0.95" validate:"gt=0,lt=1"`
	Workers         int                 `yaml:"workers" validate:"gte=0"`
	Budget          time.Duration       `yaml:"budget" validate:"gte=0"`
}

// Sinks configures report outputs.
type Sinks struct {
	SQLite     bool   `yaml:"sqlite" default:"true"`
	Parquet    bool   `yaml:"parquet" default:"true"`
	ReportsDir string `yaml:"reports_dir"`
	Kafka      Kafka  `yaml:"kafka"`
	Retry      Retry  `yaml:"retry"`
}

// Kafka configures the report topic. An empty broker list disables it.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic" default:"combo-reports" validate:"required_with=Brokers"`
}

// Retry bounds sink write retries.
type Retry struct {
	Attempts  int           `yaml:"attempts" default:"3" validate:"gte=1"`
	BaseDelay time.Duration `yaml:"base_delay" default:"500ms" validate:"gte=0"`
}

// Metrics configures the Prometheus endpoint and Pushgateway.
type Metrics struct {
	Listen         string `yaml:"listen"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job" default:"comboval"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host" default:"0.0.0.0"`
	Port     int    `yaml:"port" default:"8080" validate:"gte=0,lte=65535"`
	GRPCPort int    `yaml:"grpc_port" default:"9090" validate:"gte=0,lte=65535"`
}

// Schedule configures periodic re-runs. The expression has a seconds field.
type Schedule struct {
	Cron string `yaml:"cron" default:"0 30 16 * * 1-5"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json text"`
}

// DefaultEvents lists the signal files produced by the extract step.
func DefaultEvents() []EventInput {
	return []EventInput{
		{Source: SourceParquet, File: "signals2.parquet", ComboType: "p2"},
		{Source: SourceParquet, File: "signals3.parquet", ComboType: "p3"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of the
// defaults, applies environment variable overrides, and validates the
// result. Validation failures wrap domain.ErrInvalidConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load on an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents()
	}
	for i := range cfg.Events {
		if cfg.Events[i].Source == "" {
			cfg.Events[i].Source = SourceParquet
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := util.ValidateStruct(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if err := c.Run.Exit.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Tables.Validate(); err != nil {
		return err
	}
	for i, ev := range c.Events {
		switch {
		case ev.Source == SourceParquet && ev.File == "":
			return fmt.Errorf("%w: events[%d]: parquet source needs a file", domain.ErrInvalidConfig, i)
		case ev.Source == SourceSQLite && ev.Table == "":
			return fmt.Errorf("%w: events[%d]: sqlite source needs a table", domain.ErrInvalidConfig, i)
		}
	}
	if c.NeedsSQLite() && c.Storage.SQLitePath == "" {
		return fmt.Errorf("%w: storage.sqlite_path is required by the configured sources or sinks", domain.ErrInvalidConfig)
	}
	return nil
}

// NeedsSQLite reports whether any source or sink reads or writes SQLite.
func (c *Config) NeedsSQLite() bool {
	if c.Prices.Source == SourceSQLite || c.Combos.FromTable || c.Admission.Enabled ||
		c.Segments.FromTable || c.Sinks.SQLite {
		return true
	}
	for _, ev := range c.Events {
		if ev.Source == SourceSQLite {
			return true
		}
	}
	return false
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Sinks.Kafka.Brokers = brokers
	}

	if v := os.Getenv("COMBOVAL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: COMBOVAL_WORKERS=%q is not an integer", domain.ErrInvalidConfig, v)
		}
		cfg.Run.Workers = n
	}
	return nil
}
