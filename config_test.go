package wcdb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "migrate.toml")
	if err := os.WriteFile(cfgFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, cfgFile
}

func TestLoadConfig(t *testing.T) {
	dir, cfgFile := writeConfig(t, `
database = "app.db"

[stepper]
interval = "20ms"
max_expecting_duration = "8ms"
initial_budget = "2ms"

[metrics]
addr = ":9090"

[[sources]]
path = "legacy.db"
cipher_hex = "00ff"
all_tables = true
exclude = ["audit"]

[[sources]]
[sources.tables]
messages = "messages_v1"
`)

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Database != filepath.Join(dir, "app.db") {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.Stepper.Interval != 20*time.Millisecond {
		t.Errorf("Stepper.Interval = %v", cfg.Stepper.Interval)
	}
	if cfg.Stepper.MaxExpectingDuration != 8*time.Millisecond {
		t.Errorf("Stepper.MaxExpectingDuration = %v", cfg.Stepper.MaxExpectingDuration)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Path != filepath.Join(dir, "legacy.db") {
		t.Errorf("Sources[0].Path = %q", cfg.Sources[0].Path)
	}
	cipher, err := cfg.Sources[0].Cipher()
	if err != nil || len(cipher) != 2 || cipher[1] != 0xff {
		t.Errorf("Sources[0].Cipher() = %v, %v", cipher, err)
	}
	if cfg.Sources[1].Path != "" {
		t.Errorf("Sources[1].Path = %q, want empty", cfg.Sources[1].Path)
	}
	if cfg.configDir != dir {
		t.Errorf("configDir = %q, want %q", cfg.configDir, dir)
	}

	opts := cfg.Options()
	if opts.InitialBudget != 2*time.Millisecond {
		t.Errorf("Options().InitialBudget = %v", opts.InitialBudget)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	_, cfgFile := writeConfig(t, `
database = "/data/app.db"

[[sources]]
path = "/data/old.db"
all_tables = true
`)

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Database != "/data/app.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.Stepper.Interval != 50*time.Millisecond {
		t.Errorf("Stepper.Interval = %v, want 50ms", cfg.Stepper.Interval)
	}
	if cfg.Stepper.MaxExpectingDuration != DefaultMaxExpectingDuration {
		t.Errorf("Stepper.MaxExpectingDuration = %v", cfg.Stepper.MaxExpectingDuration)
	}
	if cfg.Stepper.InitialBudget != DefaultInitialBudget {
		t.Errorf("Stepper.InitialBudget = %v", cfg.Stepper.InitialBudget)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database",
			content: "[[sources]]\npath = \"a.db\"\nall_tables = true\n",
			wantErr: "database is required",
		},
		{
			name:    "no sources",
			content: "database = \"app.db\"\n",
			wantErr: "at least one [[sources]]",
		},
		{
			name:    "unknown key",
			content: "database = \"app.db\"\nworkers = 4\n[[sources]]\npath = \"a.db\"\nall_tables = true\n",
			wantErr: "unknown config keys: workers",
		},
		{
			name:    "no tables selected",
			content: "database = \"app.db\"\n[[sources]]\npath = \"a.db\"\n",
			wantErr: "needs all_tables = true",
		},
		{
			name:    "duplicate source",
			content: "database = \"app.db\"\n[[sources]]\npath = \"a.db\"\nall_tables = true\n[[sources]]\npath = \"a.db\"\nall_tables = true\n",
			wantErr: "configured twice",
		},
		{
			name:    "source is database",
			content: "database = \"app.db\"\n[[sources]]\npath = \"app.db\"\nall_tables = true\n",
			wantErr: "is the database itself",
		},
		{
			name:    "same database all tables",
			content: "database = \"app.db\"\n[[sources]]\nall_tables = true\n",
			wantErr: "all_tables needs a separate database path",
		},
		{
			name:    "bad cipher",
			content: "database = \"app.db\"\n[[sources]]\npath = \"a.db\"\nall_tables = true\ncipher_hex = \"zz\"\n",
			wantErr: "cipher_hex",
		},
		{
			name:    "budget above ceiling",
			content: "database = \"app.db\"\n[stepper]\nmax_expecting_duration = \"1ms\"\ninitial_budget = \"2ms\"\n[[sources]]\npath = \"a.db\"\nall_tables = true\n",
			wantErr: "must not exceed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, cfgFile := writeConfig(t, tt.content)
			_, err := LoadConfig(cfgFile)
			if err == nil {
				t.Fatalf("LoadConfig() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSourceConfigFilter(t *testing.T) {
	src := SourceConfig{
		AllTables: true,
		Exclude:   []string{"audit"},
		Tables:    map[string]string{"messages": "messages_v1"},
	}
	f := src.Filter()

	tests := []struct {
		table      string
		wantSource string
		wantOK     bool
	}{
		{"messages", "messages_v1", true},
		{"contacts", "contacts", true},
		{"audit", "", false},
	}
	for _, tt := range tests {
		gotSource, gotOK := f(tt.table)
		if gotSource != tt.wantSource || gotOK != tt.wantOK {
			t.Errorf("Filter(%q) = (%q, %t), want (%q, %t)", tt.table, gotSource, gotOK, tt.wantSource, tt.wantOK)
		}
	}

	only := SourceConfig{Tables: map[string]string{"a": "b"}}.Filter()
	if _, ok := only("c"); ok {
		t.Error("Filter without all_tables migrated an unmapped table")
	}
}
