package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "TANDEM",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "TANDEM",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (TANDEM_*)
// 3. Project config (.tandem.yaml in current directory)
// 4. User config (~/.config/tandem/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".tandem")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "tandem"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("storage.backend", "json")
	l.v.SetDefault("storage.path", ".tandem/state/store.json")

	l.v.SetDefault("runtime.command", "tandem-worker")
	l.v.SetDefault("runtime.grace_period", "10s")

	l.v.SetDefault("roles.catalogue_path", "")

	l.v.SetDefault("pool.max_concurrent_agents", 4)
	l.v.SetDefault("pool.workspace", ".")

	l.v.SetDefault("health.check_interval", "30s")
	l.v.SetDefault("health.ping_timeout", "5s")
	l.v.SetDefault("health.unresponsive_threshold", "2m")
	l.v.SetDefault("health.failure_threshold", 3)
	l.v.SetDefault("health.recovery_threshold", 2)
	l.v.SetDefault("health.auto_restart", true)
	l.v.SetDefault("health.max_restart_attempts", 3)
	l.v.SetDefault("health.restart_cooldown", "1m")

	l.v.SetDefault("router.max_queue_size", 1000)
	l.v.SetDefault("router.queue_processing_interval", "100ms")
	l.v.SetDefault("router.max_retry_count", 3)
	l.v.SetDefault("router.default_request_timeout", "30s")
	l.v.SetDefault("router.message_log_size", 1000)

	l.v.SetDefault("recovery.enabled", true)
	l.v.SetDefault("recovery.enable_fallbacks", true)
	l.v.SetDefault("recovery.enable_graceful_degradation", true)
	l.v.SetDefault("recovery.max_error_history", 100)
	l.v.SetDefault("recovery.breaker_failure_threshold", 5)
	l.v.SetDefault("recovery.breaker_failure_window", "1m")
	l.v.SetDefault("recovery.breaker_reset_timeout", "30s")
	l.v.SetDefault("recovery.breaker_success_threshold", 2)

	l.v.SetDefault("checkpoint.max_per_session", 50)
	l.v.SetDefault("checkpoint.default_expiry", "0")
	l.v.SetDefault("checkpoint.auto_checkpoint", true)

	l.v.SetDefault("context.max_tokens", 128000)
	l.v.SetDefault("context.warning_threshold", 0.60)
	l.v.SetDefault("context.high_threshold", 0.80)
	l.v.SetDefault("context.critical_threshold", 0.90)

	l.v.SetDefault("diagnostics.enabled", true)
	l.v.SetDefault("diagnostics.sample_interval", "15s")
	l.v.SetDefault("diagnostics.memory_threshold", 0.90)
	l.v.SetDefault("diagnostics.cpu_threshold", 0.95)

	l.v.SetDefault("web.enabled", false)
	l.v.SetDefault("web.addr", "127.0.0.1:7700")

	l.v.SetDefault("workflow.task_timeout", "5m")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
