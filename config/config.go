// Package config loads the relay daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the relay daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	LogLevel      string          `yaml:"log_level"`
	DatabaseDSN   string          `yaml:"database"`
	Chain         ChainConfig     `yaml:"chain"`
	Relay         RelayConfig     `yaml:"relay"`
	Callback      CallbackConfig  `yaml:"callback"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Keys          KeysConfig      `yaml:"keys"`
}

// ChainConfig points the relay at the ledger and shop contracts.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	LedgerAddress string `yaml:"ledger_address"`
	ShopAddress   string `yaml:"shop_address"`
	ChainID       int64  `yaml:"chain_id"`
}

// RelayConfig addresses the relay's own HTTP API for scheduler callbacks.
type RelayConfig struct {
	BaseURL      string `yaml:"base_url"`
	AccessKeyEnv string `yaml:"access_key_env"`
}

// CallbackConfig addresses the off-chain system's notification endpoint.
type CallbackConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
}

// SchedulerConfig tunes the three scheduler loops. Intervals are whole
// seconds; sub-second ticking buys nothing against chain and HTTP latencies.
type SchedulerConfig struct {
	ApprovalIntervalSeconds int64 `yaml:"approval_interval_seconds"`
	CloseIntervalSeconds    int64 `yaml:"close_interval_seconds"`
	WatchIntervalSeconds    int64 `yaml:"watch_interval_seconds"`
	ApprovalSeconds         int64 `yaml:"approval_seconds"`
	ForcedCloseHours        int64 `yaml:"forced_close_hours"`
}

// KeysConfig names the environment variables holding key material. The keys
// themselves never appear in the config file.
type KeysConfig struct {
	ManagerKeysEnv       string `yaml:"manager_keys_env"`
	DelegateCipherKeyEnv string `yaml:"delegate_cipher_key_env"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":7100",
		Environment:   "dev",
		LogLevel:      "info",
		Scheduler: SchedulerConfig{
			ApprovalIntervalSeconds: 1,
			CloseIntervalSeconds:    1,
			WatchIntervalSeconds:    1,
			ApprovalSeconds:         3,
			ForcedCloseHours:        24,
		},
		Relay:    RelayConfig{AccessKeyEnv: "RELAY_ACCESS_KEY"},
		Callback: CallbackConfig{AccessKeyEnv: "CALLBACK_ACCESS_KEY"},
		Keys: KeysConfig{
			ManagerKeysEnv:       "RELAY_MANAGER_KEYS",
			DelegateCipherKeyEnv: "RELAY_DELEGATE_CIPHER_KEY",
		},
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7100"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.DatabaseDSN = strings.TrimSpace(cfg.DatabaseDSN)
	cfg.Chain.normalize()
	cfg.Relay.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Relay.BaseURL), "/")
	cfg.Relay.AccessKeyEnv = strings.TrimSpace(cfg.Relay.AccessKeyEnv)
	cfg.Callback.Endpoint = strings.TrimSpace(cfg.Callback.Endpoint)
	cfg.Callback.AccessKeyEnv = strings.TrimSpace(cfg.Callback.AccessKeyEnv)
	cfg.Scheduler.normalize()
	cfg.Keys.ManagerKeysEnv = strings.TrimSpace(cfg.Keys.ManagerKeysEnv)
	cfg.Keys.DelegateCipherKeyEnv = strings.TrimSpace(cfg.Keys.DelegateCipherKeyEnv)
}

func (cfg *ChainConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.LedgerAddress = strings.TrimSpace(cfg.LedgerAddress)
	cfg.ShopAddress = strings.TrimSpace(cfg.ShopAddress)
}

func (cfg *SchedulerConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.ApprovalIntervalSeconds <= 0 {
		cfg.ApprovalIntervalSeconds = 1
	}
	if cfg.CloseIntervalSeconds <= 0 {
		cfg.CloseIntervalSeconds = 1
	}
	if cfg.WatchIntervalSeconds <= 0 {
		cfg.WatchIntervalSeconds = 1
	}
	if cfg.ApprovalSeconds <= 0 {
		cfg.ApprovalSeconds = 3
	}
	if cfg.ForcedCloseHours <= 0 {
		cfg.ForcedCloseHours = 24
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database: dsn is required")
	}
	if err := cfg.Chain.validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if cfg.Relay.BaseURL == "" {
		return fmt.Errorf("relay: base_url is required")
	}
	if cfg.Callback.Endpoint == "" {
		return fmt.Errorf("callback: endpoint is required")
	}
	if cfg.Keys.ManagerKeysEnv == "" {
		return fmt.Errorf("keys: manager_keys_env is required")
	}
	if cfg.Keys.DelegateCipherKeyEnv == "" {
		return fmt.Errorf("keys: delegate_cipher_key_env is required")
	}
	return nil
}

func (cfg ChainConfig) validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if !common.IsHexAddress(cfg.LedgerAddress) {
		return fmt.Errorf("ledger_address %q is not a valid address", cfg.LedgerAddress)
	}
	if !common.IsHexAddress(cfg.ShopAddress) {
		return fmt.Errorf("shop_address %q is not a valid address", cfg.ShopAddress)
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	return nil
}

// ApprovalInterval is the approval scheduler's tick interval.
func (cfg SchedulerConfig) ApprovalInterval() time.Duration {
	return time.Duration(cfg.ApprovalIntervalSeconds) * time.Second
}

// CloseInterval is the forced-close scheduler's tick interval.
func (cfg SchedulerConfig) CloseInterval() time.Duration {
	return time.Duration(cfg.CloseIntervalSeconds) * time.Second
}

// WatchInterval is the transaction-watch scheduler's tick interval.
func (cfg SchedulerConfig) WatchInterval() time.Duration {
	return time.Duration(cfg.WatchIntervalSeconds) * time.Second
}

// ApprovalWait is the dwell a payment must sit in its opened status before
// the approval scheduler signs it.
func (cfg SchedulerConfig) ApprovalWait() time.Duration {
	return time.Duration(cfg.ApprovalSeconds) * time.Second
}

// ForcedCloseAfter is the age past which an unresolved payment is closed
// unconfirmed.
func (cfg SchedulerConfig) ForcedCloseAfter() time.Duration {
	return time.Duration(cfg.ForcedCloseHours) * time.Hour
}

// AccessKey resolves the relay API bearer key from the environment.
func (cfg RelayConfig) AccessKey() (string, error) {
	return keyFromEnv(cfg.AccessKeyEnv)
}

// AccessKey resolves the callback bearer key from the environment.
func (cfg CallbackConfig) AccessKey() (string, error) {
	return keyFromEnv(cfg.AccessKeyEnv)
}

// ManagerKeys resolves the comma-separated manager private keys.
func (cfg KeysConfig) ManagerKeys() (string, error) {
	return keyFromEnv(cfg.ManagerKeysEnv)
}

// DelegateCipherKey resolves the passphrase protecting delegated keys at rest.
func (cfg KeysConfig) DelegateCipherKey() (string, error) {
	return keyFromEnv(cfg.DelegateCipherKeyEnv)
}

func keyFromEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}
