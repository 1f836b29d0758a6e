package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if len(cfg.Lots) == 0 {
		t.Error("defaults must configure lots")
	}
	if !cfg.SeedBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected seed balance %s", cfg.SeedBalance)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: ":9090"
lots: [AAA, BBB, CCC]
seed_balance: "250.5"
store_timeout: 2s
max_retries: 7
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr not overridden: %q", cfg.ListenAddr)
	}
	if len(cfg.Lots) != 3 {
		t.Errorf("lots not overridden: %v", cfg.Lots)
	}
	if !cfg.SeedBalance.Equal(decimal.RequireFromString("250.5")) {
		t.Errorf("seed balance not overridden: %s", cfg.SeedBalance)
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Errorf("store timeout not overridden: %s", cfg.StoreTimeout)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("max retries not overridden: %d", cfg.MaxRetries)
	}
	// Unset keys keep their defaults.
	if cfg.DatabaseURL == "" {
		t.Error("database url default lost")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, data := range map[string]string{
		"bad seed":     `seed_balance: "abc"`,
		"negative":     `seed_balance: "-5"`,
		"bad duration": `store_timeout: fast`,
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
