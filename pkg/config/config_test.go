package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DRY_RUN", "true") // no wallet in this test

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Endpoints.ChainID != 137 {
		t.Fatalf("ChainID = %d, want 137", cfg.Endpoints.ChainID)
	}
	if cfg.Engine.OrderPrice != 0.49 || cfg.Engine.OrderSize != 10 {
		t.Fatalf("default sizing = %v x %v", cfg.Engine.OrderPrice, cfg.Engine.OrderSize)
	}
	if cfg.Engine.PlacementBandMinMinutes != 10 || cfg.Engine.PlacementBandMaxMinutes != 20 {
		t.Fatalf("default band = [%d, %d]", cfg.Engine.PlacementBandMinMinutes, cfg.Engine.PlacementBandMaxMinutes)
	}
}

func TestLoad_YAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dry_run: true
engine:
  order_price: 0.45
  order_size: 20
  slug_prefix: btc-updown-15m
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	// Environment beats the file.
	t.Setenv("ORDER_PRICE", "0.48")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Engine.OrderPrice != 0.48 {
		t.Fatalf("OrderPrice = %v, want env override 0.48", cfg.Engine.OrderPrice)
	}
	if cfg.Engine.OrderSize != 20 {
		t.Fatalf("OrderSize = %v, want file value 20", cfg.Engine.OrderSize)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no wallet without dry run", func(c *Config) {}},
		{"inverted band", func(c *Config) {
			c.DryRun = true
			c.Engine.PlacementBandMinMinutes = 20
			c.Engine.PlacementBandMaxMinutes = 10
		}},
		{"price out of range", func(c *Config) {
			c.DryRun = true
			c.Engine.OrderPrice = 1.5
		}},
		{"no sizing", func(c *Config) {
			c.DryRun = true
			c.Engine.OrderSize = 0
			c.Engine.BudgetUSD = 0
		}},
		{"empty slug prefix", func(c *Config) {
			c.DryRun = true
			c.Engine.SlugPrefix = ""
		}},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	cfg := Default()
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid dry-run config rejected: %v", err)
	}
}
