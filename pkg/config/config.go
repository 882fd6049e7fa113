package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WalletConfig holds signing credentials. FunderAddress is the address that
// holds collateral when a proxy wallet is used; empty means the signer itself.
type WalletConfig struct {
	PrivateKey    string `yaml:"private_key"`
	Mnemonic      string `yaml:"mnemonic"`
	FunderAddress string `yaml:"funder_address"`
	SignatureType string `yaml:"signature_type"` // EOA, POLY_PROXY, POLY_GNOSIS_SAFE
}

// EndpointsConfig names the external services the bot talks to.
type EndpointsConfig struct {
	ClobHost  string `yaml:"clob_host"`
	GammaHost string `yaml:"gamma_host"`
	DataHost  string `yaml:"data_host"`
	RPCURL    string `yaml:"rpc_url"`
	ChainID   int64  `yaml:"chain_id"`
}

// EngineConfig holds the lifecycle timings and order sizing. All durations
// are plain seconds/minutes/hours so that YAML and env values stay readable.
type EngineConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	// Placement window: orders go out when start is between min and max
	// minutes away.
	PlacementBandMinMinutes int `yaml:"placement_band_min_minutes"`
	PlacementBandMaxMinutes int `yaml:"placement_band_max_minutes"`

	MergeCooldownSeconds int `yaml:"merge_cooldown_seconds"`
	SellLeadSeconds      int `yaml:"sell_lead_seconds"`
	PostEndGraceSeconds  int `yaml:"post_end_grace_seconds"`
	EvictionAgeHours     int `yaml:"eviction_age_hours"`
	RedeemCheckSeconds   int `yaml:"redeem_check_seconds"`
	MaxStartAheadHours   int `yaml:"max_start_ahead_hours"`

	OrderPrice         float64 `yaml:"order_price"`
	OrderSize          float64 `yaml:"order_size"`
	BudgetUSD          float64 `yaml:"budget_usd"` // >0 switches sizing to budget/mid
	MinSellPrice       float64 `yaml:"min_sell_price"`
	MarketSellDiscount float64 `yaml:"market_sell_discount"`

	SlugPrefix string `yaml:"slug_prefix"`

	CatalogTimeoutSeconds int `yaml:"catalog_timeout_seconds"`
	GatewayTimeoutSeconds int `yaml:"gateway_timeout_seconds"`
	LedgerTimeoutSeconds  int `yaml:"ledger_timeout_seconds"`

	DataDir string `yaml:"data_dir"`
}

// DashboardConfig controls the read-only HTTP status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the full application configuration.
type Config struct {
	Wallet    WalletConfig    `yaml:"wallet"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Engine    EngineConfig    `yaml:"engine"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
	DryRun    bool            `yaml:"dry_run"`
}

// Default returns the configuration used when a field is absent from both
// the YAML file and the environment.
func Default() *Config {
	return &Config{
		Endpoints: EndpointsConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			DataHost:  "https://data-api.polymarket.com",
			RPCURL:    "https://polygon-rpc.com",
			ChainID:   137,
		},
		Engine: EngineConfig{
			TickIntervalSeconds:     60,
			PlacementBandMinMinutes: 10,
			PlacementBandMaxMinutes: 20,
			MergeCooldownSeconds:    30,
			SellLeadSeconds:         60,
			PostEndGraceSeconds:     300,
			EvictionAgeHours:        24,
			RedeemCheckSeconds:      600,
			MaxStartAheadHours:      24,
			OrderPrice:              0.49,
			OrderSize:               10,
			MinSellPrice:            0.10,
			MarketSellDiscount:      0.02,
			SlugPrefix:              "btc-updown-15m",
			CatalogTimeoutSeconds:   30,
			GatewayTimeoutSeconds:   15,
			LedgerTimeoutSeconds:    60,
			DataDir:                 "data",
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Listen:  ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/pairbot.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// (optional), then environment variables. A .env file next to the binary is
// folded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Wallet.PrivateKey, "PRIVATE_KEY")
	setString(&c.Wallet.Mnemonic, "MNEMONIC")
	setString(&c.Wallet.FunderAddress, "FUNDER_ADDRESS")
	setString(&c.Wallet.SignatureType, "SIGNATURE_TYPE")

	setString(&c.Endpoints.ClobHost, "CLOB_HOST")
	setString(&c.Endpoints.GammaHost, "GAMMA_HOST")
	setString(&c.Endpoints.DataHost, "DATA_HOST")
	setString(&c.Endpoints.RPCURL, "RPC_URL")
	setInt64(&c.Endpoints.ChainID, "CHAIN_ID")

	setInt(&c.Engine.TickIntervalSeconds, "TICK_INTERVAL_SECONDS")
	setInt(&c.Engine.PlacementBandMinMinutes, "PLACEMENT_BAND_MIN_MINUTES")
	setInt(&c.Engine.PlacementBandMaxMinutes, "PLACEMENT_BAND_MAX_MINUTES")
	setInt(&c.Engine.MergeCooldownSeconds, "MERGE_COOLDOWN_SECONDS")
	setInt(&c.Engine.SellLeadSeconds, "SELL_LEAD_SECONDS")
	setInt(&c.Engine.PostEndGraceSeconds, "POST_END_GRACE_SECONDS")
	setInt(&c.Engine.EvictionAgeHours, "EVICTION_AGE_HOURS")
	setInt(&c.Engine.RedeemCheckSeconds, "REDEEM_CHECK_SECONDS")
	setInt(&c.Engine.MaxStartAheadHours, "MAX_START_AHEAD_HOURS")
	setFloat(&c.Engine.OrderPrice, "ORDER_PRICE")
	setFloat(&c.Engine.OrderSize, "ORDER_SIZE")
	setFloat(&c.Engine.BudgetUSD, "BUDGET_USD")
	setFloat(&c.Engine.MinSellPrice, "MIN_SELL_PRICE")
	setFloat(&c.Engine.MarketSellDiscount, "MARKET_SELL_DISCOUNT")
	setString(&c.Engine.SlugPrefix, "SLUG_PREFIX")
	setString(&c.Engine.DataDir, "DATA_DIR")

	setBool(&c.Dashboard.Enabled, "DASHBOARD_ENABLED")
	setString(&c.Dashboard.Listen, "DASHBOARD_LISTEN")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")

	setBool(&c.DryRun, "DRY_RUN")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic == "" && !c.DryRun {
		return fmt.Errorf("config: wallet requires private_key or mnemonic (or dry_run)")
	}
	if c.Endpoints.ChainID <= 0 {
		return fmt.Errorf("config: chain_id must be positive")
	}
	if c.Engine.PlacementBandMinMinutes < 0 || c.Engine.PlacementBandMaxMinutes <= c.Engine.PlacementBandMinMinutes {
		return fmt.Errorf("config: placement band [%d, %d] is not a valid window",
			c.Engine.PlacementBandMinMinutes, c.Engine.PlacementBandMaxMinutes)
	}
	if c.Engine.OrderPrice <= 0 || c.Engine.OrderPrice >= 1 {
		return fmt.Errorf("config: order_price %v must be inside (0, 1)", c.Engine.OrderPrice)
	}
	if c.Engine.OrderSize <= 0 && c.Engine.BudgetUSD <= 0 {
		return fmt.Errorf("config: one of order_size or budget_usd must be positive")
	}
	if c.Engine.MinSellPrice <= 0 || c.Engine.MinSellPrice >= 1 {
		return fmt.Errorf("config: min_sell_price %v must be inside (0, 1)", c.Engine.MinSellPrice)
	}
	if c.Engine.TickIntervalSeconds <= 0 {
		return fmt.Errorf("config: tick_interval_seconds must be positive")
	}
	if c.Engine.SlugPrefix == "" {
		return fmt.Errorf("config: slug_prefix must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
