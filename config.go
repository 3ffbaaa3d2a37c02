package wcdb

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the TOML description of a migration run.
type Config struct {
	Database string         `toml:"database"`
	Stepper  StepperConfig  `toml:"stepper"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Sources  []SourceConfig `toml:"sources"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// StepperConfig tunes the background stepper.
type StepperConfig struct {
	Interval             time.Duration `toml:"interval"`
	MaxExpectingDuration time.Duration `toml:"max_expecting_duration"`
	InitialBudget        time.Duration `toml:"initial_budget"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// SourceConfig describes one migration source.
type SourceConfig struct {
	Path      string            `toml:"path"` // empty = same database
	CipherHex string            `toml:"cipher_hex"`
	AllTables bool              `toml:"all_tables"`
	Exclude   []string          `toml:"exclude"`
	Tables    map[string]string `toml:"tables"` // target → source
}

// LoadConfig reads a TOML config file and returns a Config with defaults applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{
		Stepper: StepperConfig{
			Interval:             50 * time.Millisecond,
			MaxExpectingDuration: DefaultMaxExpectingDuration,
			InitialBudget:        DefaultInitialBudget,
		},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	cfg.Database = strings.TrimSpace(cfg.Database)
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	cfg.Database = cfg.resolvePath(cfg.Database)

	switch {
	case cfg.Stepper.Interval < 0:
		return nil, fmt.Errorf("stepper.interval must not be negative")
	case cfg.Stepper.MaxExpectingDuration <= 0:
		return nil, fmt.Errorf("stepper.max_expecting_duration must be positive")
	case cfg.Stepper.InitialBudget <= 0:
		return nil, fmt.Errorf("stepper.initial_budget must be positive")
	case cfg.Stepper.InitialBudget > cfg.Stepper.MaxExpectingDuration:
		return nil, fmt.Errorf("stepper.initial_budget must not exceed stepper.max_expecting_duration")
	}

	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one [[sources]] entry is required")
	}
	seen := make(map[string]bool)
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Path != "" {
			src.Path = cfg.resolvePath(src.Path)
			if src.Path == cfg.Database {
				return nil, fmt.Errorf("sources[%d].path is the database itself; leave it empty to migrate within the database", i)
			}
		}
		if seen[src.Path] {
			return nil, fmt.Errorf("sources[%d].path %q is configured twice", i, src.Path)
		}
		seen[src.Path] = true
		if !src.AllTables && len(src.Tables) == 0 {
			return nil, fmt.Errorf("sources[%d] needs all_tables = true or a [sources.tables] map", i)
		}
		if src.Path == "" && src.AllTables {
			return nil, fmt.Errorf("sources[%d]: all_tables needs a separate database path", i)
		}
		if _, err := src.Cipher(); err != nil {
			return nil, fmt.Errorf("sources[%d].cipher_hex: %w", i, err)
		}
	}

	return &cfg, nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// Options returns the library options the config describes.
func (c *Config) Options() Options {
	return Options{
		MaxExpectingDuration: c.Stepper.MaxExpectingDuration,
		InitialBudget:        c.Stepper.InitialBudget,
	}
}

// Apply registers every source on db.
func (c *Config) Apply(db *DB) error {
	for _, src := range c.Sources {
		cipher, err := src.Cipher()
		if err != nil {
			return err
		}
		db.SetMigration(src.Path, cipher, src.Filter())
	}
	return nil
}

// Cipher decodes the attach key.
func (s SourceConfig) Cipher() ([]byte, error) {
	if s.CipherHex == "" {
		return nil, nil
	}
	return hex.DecodeString(s.CipherHex)
}

// Filter builds the table filter of the source. Explicit mappings win over
// all_tables; excluded targets never migrate.
func (s SourceConfig) Filter() TableFilter {
	tables := make(map[string]string, len(s.Tables))
	for target, source := range s.Tables {
		tables[target] = source
	}
	exclude := slices.Clone(s.Exclude)
	all := s.AllTables
	return func(table string) (string, bool) {
		if slices.Contains(exclude, table) {
			return "", false
		}
		if source, ok := tables[table]; ok {
			return source, true
		}
		if all {
			return table, true
		}
		return "", false
	}
}
