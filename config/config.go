package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/lpkeeper/positions"
	"github.com/rustyeddy/lpkeeper/risk"
	"github.com/rustyeddy/lpkeeper/rules"
)

// Config is the complete lpkeeper configuration
type Config struct {
	Store    StoreConfig       `json:"store" yaml:"store"`
	Gas      rules.Gas         `json:"gas" yaml:"gas"`
	Safety   SafetyConfig      `json:"safety" yaml:"safety"`
	Approval ApprovalConfig    `json:"approval" yaml:"approval"`
	Schedule ScheduleConfig    `json:"schedule" yaml:"schedule"`
	Protocol ProtocolConfig    `json:"protocol" yaml:"protocol"`
	Broker   BrokerConfig      `json:"broker" yaml:"broker"`
	Tokens   []positions.Token `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	Log      LogConfig         `json:"log" yaml:"log"`
}

// StoreConfig selects the record store
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "memory"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// SafetyConfig holds the protocol sanity bounds
type SafetyConfig struct {
	RebalanceMinValueUSD float64 `json:"rebalance_min_value_usd" yaml:"rebalance_min_value_usd"`
	ClaimMaxGasRatio     float64 `json:"claim_max_gas_ratio" yaml:"claim_max_gas_ratio"`
}

func (s SafetyConfig) Limits() risk.Limits {
	return risk.Limits{
		RebalanceMinValueUSD: s.RebalanceMinValueUSD,
		ClaimMaxGasRatio:     s.ClaimMaxGasRatio,
	}
}

// ApprovalConfig controls approval expiry
type ApprovalConfig struct {
	Window    string `json:"window" yaml:"window"`         // e.g. "24h"
	SweepCron string `json:"sweep_cron" yaml:"sweep_cron"` // empty disables the sweep
}

// ParseDuration converts the window string to time.Duration
func (a ApprovalConfig) ParseDuration() (time.Duration, error) {
	if a.Window == "" {
		return 0, nil
	}
	return time.ParseDuration(a.Window)
}

// ScheduleConfig controls the daemon
type ScheduleConfig struct {
	CycleCron   string `json:"cycle_cron" yaml:"cycle_cron"`
	MaxParallel int    `json:"max_parallel" yaml:"max_parallel"`
}

// ProtocolConfig locates live position data
type ProtocolConfig struct {
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey       string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout      string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Pools        []string `json:"pools,omitempty" yaml:"pools,omitempty"`
	SnapshotFile string   `json:"snapshot_file,omitempty" yaml:"snapshot_file,omitempty"`
}

// ParseDuration converts the timeout string to time.Duration
func (p ProtocolConfig) ParseDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Timeout)
}

// BrokerConfig locates the transaction builder
type BrokerConfig struct {
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	DryRun      bool    `json:"dry_run" yaml:"dry_run"`
	SOLPriceUSD float64 `json:"sol_price_usd,omitempty" yaml:"sol_price_usd,omitempty"`
}

// LogConfig controls slog output
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("store.db_path required for sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be 'sqlite' or 'memory'")
	}

	if c.Gas.ClaimUSD < 0 || c.Gas.RebalanceUSD < 0 || c.Gas.OpenUSD < 0 {
		return fmt.Errorf("gas estimates must not be negative")
	}
	if c.Safety.RebalanceMinValueUSD < 0 {
		return fmt.Errorf("safety.rebalance_min_value_usd must not be negative")
	}
	if c.Safety.ClaimMaxGasRatio <= 0 || c.Safety.ClaimMaxGasRatio > 1 {
		return fmt.Errorf("safety.claim_max_gas_ratio must be between 0 and 1")
	}

	if w, err := c.Approval.ParseDuration(); err != nil {
		return fmt.Errorf("approval.window: %w", err)
	} else if w < 0 {
		return fmt.Errorf("approval.window must not be negative")
	}
	if c.Approval.SweepCron != "" {
		if _, err := cron.ParseStandard(c.Approval.SweepCron); err != nil {
			return fmt.Errorf("approval.sweep_cron: %w", err)
		}
	}

	if _, err := cron.ParseStandard(c.Schedule.CycleCron); err != nil {
		return fmt.Errorf("schedule.cycle_cron: %w", err)
	}
	if c.Schedule.MaxParallel < 1 {
		return fmt.Errorf("schedule.max_parallel must be at least 1")
	}

	if _, err := c.Protocol.ParseDuration(); err != nil {
		return fmt.Errorf("protocol.timeout: %w", err)
	}
	if c.Protocol.BaseURL == "" && c.Protocol.SnapshotFile == "" {
		return fmt.Errorf("protocol.base_url or protocol.snapshot_file is required")
	}
	if c.Protocol.BaseURL != "" && len(c.Protocol.Pools) == 0 {
		return fmt.Errorf("protocol.pools required with protocol.base_url")
	}

	if !c.Broker.DryRun && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url required unless broker.dry_run is set")
	}

	for i, t := range c.Tokens {
		if t.Mint == "" || t.Symbol == "" {
			return fmt.Errorf("tokens[%d]: mint and symbol are required", i)
		}
		if t.Decimals < 0 || t.Decimals > 18 {
			return fmt.Errorf("tokens[%d]: decimals must be between 0 and 18", i)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

// TokenRegistry builds the registry from the configured tokens, or the
// defaults when none are configured.
func (c *Config) TokenRegistry() *positions.TokenRegistry {
	if len(c.Tokens) == 0 {
		return positions.NewTokenRegistry(positions.DefaultTokens())
	}
	return positions.NewTokenRegistry(c.Tokens)
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "./lpkeeper.db",
		},
		Gas: rules.DefaultGas(),
		Safety: SafetyConfig{
			RebalanceMinValueUSD: 10,
			ClaimMaxGasRatio:     0.10,
		},
		Approval: ApprovalConfig{
			Window:    "24h",
			SweepCron: "@every 5m",
		},
		Schedule: ScheduleConfig{
			CycleCron:   "@every 5m",
			MaxParallel: 4,
		},
		Protocol: ProtocolConfig{
			Timeout:      "15s",
			SnapshotFile: "./positions.yaml",
		},
		Broker: BrokerConfig{
			DryRun:      true,
			SOLPriceUSD: 190,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
