package config

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/pool"
)

const envPrefix = "CREDFLEET"

// AccountConfig describes one credential of a provider
type AccountConfig struct {
	AccountID     string `mapstructure:"account_id"`
	CredentialRef string `mapstructure:"credentialRef"`
	MaxErrorCount int    `mapstructure:"maxErrorCount"`
}

// FleetConfig holds the orchestrator settings
type FleetConfig struct {
	MaxConcurrency      int               `mapstructure:"maxConcurrency"`
	MaxRetries          int               `mapstructure:"maxRetries"`
	PerAttemptTimeoutMs int64             `mapstructure:"perAttemptTimeoutMs"`
	FreshnessWindowMs   int64             `mapstructure:"freshnessWindowMs"`
	SpawnRatePerSec     float64           `mapstructure:"spawnRatePerSec"`
	DefaultProvider     string            `mapstructure:"defaultProvider"`
	Tiers               map[string]string `mapstructure:"tiers"`
}

// PerAttemptTimeout returns the attempt budget as a duration
func (f FleetConfig) PerAttemptTimeout() time.Duration {
	return time.Duration(f.PerAttemptTimeoutMs) * time.Millisecond
}

// FreshnessWindow returns the refresh priority window as a duration
func (f FleetConfig) FreshnessWindow() time.Duration {
	return time.Duration(f.FreshnessWindowMs) * time.Millisecond
}

// RecoveryConfig controls the scheduled refresh of unhealthy accounts
type RecoveryConfig struct {
	Schedule   string `mapstructure:"schedule"`
	CooldownMs int64  `mapstructure:"cooldownMs"`
}

// Cooldown returns how long an account stays unhealthy before recovery
func (r RecoveryConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// PoolConfig holds credential pool settings beyond the accounts themselves
type PoolConfig struct {
	Recovery RecoveryConfig `mapstructure:"recovery"`
}

// MonitorConfig controls progress publishing and metrics
type MonitorConfig struct {
	NATSURL         string `mapstructure:"natsURL"`
	ProgressSubject string `mapstructure:"progressSubject"`
	MetricsAddr     string `mapstructure:"metricsAddr"`
	HostSampleMs    int64  `mapstructure:"hostSampleMs"`
}

// HostSampleInterval returns how often host stats are resampled
func (m MonitorConfig) HostSampleInterval() time.Duration {
	return time.Duration(m.HostSampleMs) * time.Millisecond
}

// StorageConfig controls the attempt audit log
type StorageConfig struct {
	HistoryPath string `mapstructure:"historyPath"`
}

// ExecutorConfig describes the command the CLI runs for every attempt
type ExecutorConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	WorkingDir string            `mapstructure:"workingDir"`
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the full application configuration
type Config struct {
	ProviderAccounts map[string][]AccountConfig `mapstructure:"providerAccounts"`
	Fleet            FleetConfig                `mapstructure:"fleet"`
	Pool             PoolConfig                 `mapstructure:"pool"`
	Monitor          MonitorConfig              `mapstructure:"monitor"`
	Storage          StorageConfig              `mapstructure:"storage"`
	Executor         ExecutorConfig             `mapstructure:"executor"`
	Log              LogConfig                  `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fleet.maxConcurrency", 4)
	v.SetDefault("fleet.maxRetries", 2)
	v.SetDefault("fleet.perAttemptTimeoutMs", 30000)
	v.SetDefault("fleet.freshnessWindowMs", pool.DefaultFreshnessWindow.Milliseconds())
	v.SetDefault("fleet.spawnRatePerSec", 0)
	v.SetDefault("pool.recovery.cooldownMs", 300000)
	v.SetDefault("monitor.progressSubject", "fleet.progress")
	v.SetDefault("monitor.hostSampleMs", 5000)
	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads, decodes and validates the configuration file at path
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

// LoadReader reads configuration of the given format ("yaml", "json") from r
func LoadReader(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "unreadable", Err: err}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "cannot decode", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field; the first problem found is returned as a
// *ConfigurationError.
func (c *Config) Validate() error {
	if len(c.ProviderAccounts) == 0 {
		return invalid("providerAccounts", "at least one provider is required")
	}
	for name, accounts := range c.ProviderAccounts {
		field := "providerAccounts." + name
		if _, err := model.ParseProvider(name); err != nil {
			return &ConfigurationError{Field: field, Reason: "unsupported provider", Err: err}
		}
		if len(accounts) == 0 {
			return invalid(field, "no accounts")
		}
		seen := make(map[string]struct{}, len(accounts))
		for i, a := range accounts {
			af := fmt.Sprintf("%s[%d]", field, i)
			if a.AccountID == "" {
				return invalid(af+".account_id", "must not be empty")
			}
			if _, dup := seen[a.AccountID]; dup {
				return invalid(af+".account_id", fmt.Sprintf("duplicate id %q", a.AccountID))
			}
			seen[a.AccountID] = struct{}{}
			if a.MaxErrorCount < 0 {
				return invalid(af+".maxErrorCount", "must not be negative")
			}
		}
	}

	f := c.Fleet
	if f.MaxConcurrency < 1 {
		return invalid("fleet.maxConcurrency", "must be at least 1")
	}
	if f.MaxRetries < 0 {
		return invalid("fleet.maxRetries", "must not be negative")
	}
	if f.PerAttemptTimeoutMs <= 0 {
		return invalid("fleet.perAttemptTimeoutMs", "must be positive")
	}
	if f.FreshnessWindowMs < 0 {
		return invalid("fleet.freshnessWindowMs", "must not be negative")
	}
	if f.SpawnRatePerSec < 0 {
		return invalid("fleet.spawnRatePerSec", "must not be negative")
	}
	if f.DefaultProvider != "" {
		if err := c.checkRoutedProvider(f.DefaultProvider); err != nil {
			return &ConfigurationError{Field: "fleet.defaultProvider", Reason: "invalid target", Err: err}
		}
	}
	for tier, provider := range f.Tiers {
		if err := c.checkRoutedProvider(provider); err != nil {
			return &ConfigurationError{Field: "fleet.tiers." + tier, Reason: "invalid target", Err: err}
		}
	}
	if f.DefaultProvider == "" && len(f.Tiers) == 0 && len(c.ProviderAccounts) > 1 {
		return invalid("fleet.tiers", "tiers or defaultProvider are required with more than one provider")
	}

	r := c.Pool.Recovery
	if r.Schedule != "" {
		if _, err := pool.ScheduleParser.Parse(r.Schedule); err != nil {
			return &ConfigurationError{Field: "pool.recovery.schedule", Reason: "invalid schedule", Err: err}
		}
		if r.CooldownMs < 0 {
			return invalid("pool.recovery.cooldownMs", "must not be negative")
		}
	}
	return nil
}

func (c *Config) checkRoutedProvider(name string) error {
	if _, err := model.ParseProvider(name); err != nil {
		return err
	}
	if _, ok := c.ProviderAccounts[name]; !ok {
		return fmt.Errorf("provider %q has no accounts", name)
	}
	return nil
}

// Providers lists the configured providers in a stable order
func (c *Config) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(c.ProviderAccounts))
	for name := range c.ProviderAccounts {
		out = append(out, model.Provider(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AccountNodes builds fresh account nodes for one provider in config order
func (c *Config) AccountNodes(provider model.Provider) []*model.AccountNode {
	accounts := c.ProviderAccounts[string(provider)]
	nodes := make([]*model.AccountNode, 0, len(accounts))
	for _, a := range accounts {
		nodes = append(nodes, model.NewAccountNode(provider, a.AccountID, a.CredentialRef, a.MaxErrorCount))
	}
	return nodes
}

// TierRoutes returns the tier to provider mapping and the fallback provider.
// With a single configured provider and no explicit routing, that provider
// serves every tier.
func (c *Config) TierRoutes() (map[model.Tier]model.Provider, model.Provider) {
	routes := make(map[model.Tier]model.Provider, len(c.Fleet.Tiers))
	for tier, provider := range c.Fleet.Tiers {
		routes[model.Tier(tier)] = model.Provider(provider)
	}
	fallback := model.Provider(c.Fleet.DefaultProvider)
	if fallback == "" && len(c.ProviderAccounts) == 1 {
		for name := range c.ProviderAccounts {
			fallback = model.Provider(name)
		}
	}
	return routes, fallback
}
