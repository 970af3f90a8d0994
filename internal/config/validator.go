package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStorage(&cfg.Storage)
	v.validatePool(&cfg.Pool)
	v.validateHealth(&cfg.Health)
	v.validateRouter(&cfg.Router)
	v.validateRecovery(&cfg.Recovery)
	v.validateCheckpoint(&cfg.Checkpoint)
	v.validateContext(&cfg.Context)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateWeb(&cfg.Web)
	v.validateWorkflow(&cfg.Workflow)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"auto": true, "json": true, "text": true}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, json, text")
	}
}

func (v *Validator) validateStorage(cfg *StorageConfig) {
	validBackends := map[string]bool{"json": true, "sqlite": true, "memory": true}
	if !validBackends[cfg.Backend] {
		v.addError("storage.backend", cfg.Backend, "must be one of: json, sqlite, memory")
	}
	if cfg.Backend != "memory" && cfg.Path == "" {
		v.addError("storage.path", cfg.Path, "is required for file-backed storage")
	}
}

func (v *Validator) validatePool(cfg *PoolConfig) {
	if cfg.MaxConcurrentAgents < 1 {
		v.addError("pool.max_concurrent_agents", cfg.MaxConcurrentAgents, "must be at least 1")
	}
}

func (v *Validator) validateHealth(cfg *HealthConfig) {
	if cfg.CheckInterval <= 0 {
		v.addError("health.check_interval", cfg.CheckInterval, "must be positive")
	}
	if cfg.PingTimeout <= 0 {
		v.addError("health.ping_timeout", cfg.PingTimeout, "must be positive")
	}
	if cfg.PingTimeout >= cfg.CheckInterval {
		v.addError("health.ping_timeout", cfg.PingTimeout, "must be shorter than check_interval")
	}
	if cfg.FailureThreshold < 1 {
		v.addError("health.failure_threshold", cfg.FailureThreshold, "must be at least 1")
	}
	if cfg.RecoveryThreshold < 1 {
		v.addError("health.recovery_threshold", cfg.RecoveryThreshold, "must be at least 1")
	}
	if cfg.AutoRestart && cfg.MaxRestartAttempts < 1 {
		v.addError("health.max_restart_attempts", cfg.MaxRestartAttempts, "must be at least 1 when auto_restart is enabled")
	}
}

func (v *Validator) validateRouter(cfg *RouterConfig) {
	if cfg.MaxQueueSize < 1 {
		v.addError("router.max_queue_size", cfg.MaxQueueSize, "must be at least 1")
	}
	if cfg.QueueProcessingInterval <= 0 {
		v.addError("router.queue_processing_interval", cfg.QueueProcessingInterval, "must be positive")
	}
	if cfg.DefaultRequestTimeout <= 0 {
		v.addError("router.default_request_timeout", cfg.DefaultRequestTimeout, "must be positive")
	}
}

func (v *Validator) validateRecovery(cfg *RecoveryConfig) {
	if cfg.MaxErrorHistory < 1 {
		v.addError("recovery.max_error_history", cfg.MaxErrorHistory, "must be at least 1")
	}
	if cfg.BreakerFailureThreshold < 1 {
		v.addError("recovery.breaker_failure_threshold", cfg.BreakerFailureThreshold, "must be at least 1")
	}
	if cfg.BreakerFailureWindow <= 0 {
		v.addError("recovery.breaker_failure_window", cfg.BreakerFailureWindow, "must be positive")
	}
	if cfg.BreakerResetTimeout <= 0 {
		v.addError("recovery.breaker_reset_timeout", cfg.BreakerResetTimeout, "must be positive")
	}
	if cfg.BreakerSuccessThreshold < 1 {
		v.addError("recovery.breaker_success_threshold", cfg.BreakerSuccessThreshold, "must be at least 1")
	}
}

func (v *Validator) validateCheckpoint(cfg *CheckpointConfig) {
	if cfg.MaxPerSession < 1 {
		v.addError("checkpoint.max_per_session", cfg.MaxPerSession, "must be at least 1")
	}
	if cfg.DefaultExpiry < 0 {
		v.addError("checkpoint.default_expiry", cfg.DefaultExpiry, "must not be negative")
	}
}

func (v *Validator) validateContext(cfg *ContextConfig) {
	if cfg.MaxTokens < 1 {
		v.addError("context.max_tokens", cfg.MaxTokens, "must be at least 1")
	}
	thresholds := []struct {
		field string
		value float64
	}{
		{"context.warning_threshold", cfg.WarningThreshold},
		{"context.high_threshold", cfg.HighThreshold},
		{"context.critical_threshold", cfg.CriticalThreshold},
	}
	for _, t := range thresholds {
		if t.value <= 0 || t.value > 1 {
			v.addError(t.field, t.value, "must be in (0, 1]")
		}
	}
	if cfg.WarningThreshold >= cfg.HighThreshold || cfg.HighThreshold >= cfg.CriticalThreshold {
		v.addError("context", fmt.Sprintf("%.2f/%.2f/%.2f", cfg.WarningThreshold, cfg.HighThreshold, cfg.CriticalThreshold),
			"thresholds must be strictly increasing")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.SampleInterval <= 0 {
		v.addError("diagnostics.sample_interval", cfg.SampleInterval, "must be positive")
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		v.addError("diagnostics.memory_threshold", cfg.MemoryThreshold, "must be in (0, 1]")
	}
	if cfg.CPUThreshold <= 0 || cfg.CPUThreshold > 1 {
		v.addError("diagnostics.cpu_threshold", cfg.CPUThreshold, "must be in (0, 1]")
	}
}

func (v *Validator) validateWeb(cfg *WebConfig) {
	if cfg.Enabled && cfg.Addr == "" {
		v.addError("web.addr", cfg.Addr, "is required when the status server is enabled")
	}
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	if cfg.TaskTimeout <= 0 {
		v.addError("workflow.task_timeout", cfg.TaskTimeout, "must be positive")
	}
}
