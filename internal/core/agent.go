package core

import "time"

// AgentStatus represents the lifecycle status of a supervised agent.
type AgentStatus string

const (
	AgentStatusSpawning AgentStatus = "spawning"
	AgentStatusReady    AgentStatus = "ready"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusError    AgentStatus = "error"
)

// IsActive reports whether the status counts toward the concurrency limit.
// Only ready and busy agents occupy a pool slot.
func (s AgentStatus) IsActive() bool {
	return s == AgentStatusReady || s == AgentStatusBusy
}

// HealthStatus is the health monitor's view of an agent.
type HealthStatus string

const (
	HealthUnknown    HealthStatus = "unknown"
	HealthHealthy    HealthStatus = "healthy"
	HealthUnhealthy  HealthStatus = "unhealthy"
	HealthRecovering HealthStatus = "recovering"
)

// AgentInstance is a live supervised worker tracked by the pool.
type AgentInstance struct {
	AgentID         string       `json:"agent_id"`
	Role            string       `json:"role"`
	Mode            string       `json:"mode"`
	ProviderProfile string       `json:"provider_profile"`
	Status          AgentStatus  `json:"status"`
	SessionID       string       `json:"session_id,omitempty"`
	SpawnedAt       time.Time    `json:"spawned_at"`
	LastActivityAt  time.Time    `json:"last_activity_at"`
	HealthStatus    HealthStatus `json:"health_status"`
	RestartAttempts int          `json:"restart_attempts"`
	LastError       string       `json:"last_error,omitempty"`
}

// AgentSpawnConfig is the immutable record used to spawn (and re-spawn on
// restart) an agent. Stored by the pool alongside the instance.
type AgentSpawnConfig struct {
	AgentID         string            `json:"agent_id"`
	Role            string            `json:"role"`
	Mode            string            `json:"mode"`
	ProviderProfile string            `json:"provider_profile"`
	Workspace       string            `json:"workspace"`
	Task            string            `json:"task,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	CustomModes     map[string]string `json:"custom_modes,omitempty"`
	AutoApprove     bool              `json:"auto_approve,omitempty"`
}

// AgentRef is the minimal agent handle stored in checkpoints.
type AgentRef struct {
	AgentID string      `json:"agent_id"`
	Role    string      `json:"role"`
	Status  AgentStatus `json:"status"`
}
