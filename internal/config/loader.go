package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads a configuration file and can watch it for changes
type Loader struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for path. A nil logger disables logging.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper()
	v.SetConfigFile(path)
	return &Loader{
		v:      v,
		path:   path,
		logger: logger.Named("config"),
	}
}

// SetLogger replaces the logger, for callers that build their logger from
// the loaded configuration.
func (l *Loader) SetLogger(logger *zap.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger.Named("config")
}

func (l *Loader) log() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

// BindFlags lets command-line flags override file values. Flag names use
// the dotted config keys, e.g. "fleet.maxConcurrency".
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	return l.v.BindPFlags(flags)
}

// Load reads and validates the file. On error nothing is applied.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "cannot read " + l.path, Err: err}
	}
	cfg, err := decode(l.v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.log().Info("Configuration loaded",
		zap.String("path", l.path),
		zap.Int("providers", len(cfg.ProviderAccounts)))
	return cfg, nil
}

// Current returns the last configuration that loaded successfully
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch calls onChange with every valid configuration written to the file.
// Invalid edits are logged and the previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(l.v)
		if err != nil {
			l.log().Error("Ignoring invalid configuration change",
				zap.String("path", e.Name),
				zap.Error(err))
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		l.log().Info("Configuration reloaded", zap.String("path", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}
