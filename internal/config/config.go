// Package config loads and validates the orchestrator configuration from
// file, environment, and defaults.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Roles       RolesConfig       `mapstructure:"roles"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Health      HealthConfig      `mapstructure:"health"`
	Router      RouterConfig      `mapstructure:"router"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Context     ContextConfig     `mapstructure:"context"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Web         WebConfig         `mapstructure:"web"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // auto, json, text
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // json, sqlite, memory
	Path    string `mapstructure:"path"`
}

// RuntimeConfig tunes the agent subprocess runtime.
type RuntimeConfig struct {
	Command     string        `mapstructure:"command"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// RolesConfig points at the role catalogue.
type RolesConfig struct {
	CataloguePath string `mapstructure:"catalogue_path"`
}

// PoolConfig tunes the agent pool.
type PoolConfig struct {
	MaxConcurrentAgents int    `mapstructure:"max_concurrent_agents"`
	Workspace           string `mapstructure:"workspace"`
}

// HealthConfig tunes the pool health monitor.
type HealthConfig struct {
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	PingTimeout           time.Duration `mapstructure:"ping_timeout"`
	UnresponsiveThreshold time.Duration `mapstructure:"unresponsive_threshold"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	RecoveryThreshold     int           `mapstructure:"recovery_threshold"`
	AutoRestart           bool          `mapstructure:"auto_restart"`
	MaxRestartAttempts    int           `mapstructure:"max_restart_attempts"`
	RestartCooldown       time.Duration `mapstructure:"restart_cooldown"`
}

// RouterConfig tunes the message router.
type RouterConfig struct {
	MaxQueueSize            int           `mapstructure:"max_queue_size"`
	QueueProcessingInterval time.Duration `mapstructure:"queue_processing_interval"`
	MaxRetryCount           int           `mapstructure:"max_retry_count"`
	DefaultRequestTimeout   time.Duration `mapstructure:"default_request_timeout"`
	MessageLogSize          int           `mapstructure:"message_log_size"`
}

// RecoveryConfig tunes the error recovery manager.
type RecoveryConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	EnableFallbacks           bool          `mapstructure:"enable_fallbacks"`
	EnableGracefulDegradation bool          `mapstructure:"enable_graceful_degradation"`
	MaxErrorHistory           int           `mapstructure:"max_error_history"`
	BreakerFailureThreshold   int           `mapstructure:"breaker_failure_threshold"`
	BreakerFailureWindow      time.Duration `mapstructure:"breaker_failure_window"`
	BreakerResetTimeout       time.Duration `mapstructure:"breaker_reset_timeout"`
	BreakerSuccessThreshold   int           `mapstructure:"breaker_success_threshold"`
}

// CheckpointConfig tunes checkpoint retention.
type CheckpointConfig struct {
	MaxPerSession  int           `mapstructure:"max_per_session"`
	DefaultExpiry  time.Duration `mapstructure:"default_expiry"`
	AutoCheckpoint bool          `mapstructure:"auto_checkpoint"`
}

// ContextConfig tunes the context window monitor.
type ContextConfig struct {
	MaxTokens         int     `mapstructure:"max_tokens"`
	WarningThreshold  float64 `mapstructure:"warning_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// DiagnosticsConfig tunes the resource monitor.
type DiagnosticsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	MemoryThreshold float64       `mapstructure:"memory_threshold"` // fraction of system memory
	CPUThreshold    float64       `mapstructure:"cpu_threshold"`    // fraction of CPU
}

// WebConfig tunes the status API server.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// WorkflowConfig tunes orchestration behaviour.
type WorkflowConfig struct {
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}
