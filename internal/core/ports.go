package core

import (
	"context"
	"time"
)

// StreamEventType tags events emitted by an agent's subprocess runtime.
type StreamEventType string

const (
	StreamEventSessionCreated StreamEventType = "session_created"
	StreamEventComplete       StreamEventType = "complete"
	StreamEventError          StreamEventType = "error"
	StreamEventInterrupted    StreamEventType = "interrupted"
	StreamEventMessage        StreamEventType = "message"
	StreamEventPong           StreamEventType = "pong"
)

// RuntimeEvent is delivered by the ProcessRuntime for a running session.
type RuntimeEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id"`
	Error     string          `json:"error,omitempty"`
	Message   *AgentMessage   `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RuntimeEventHandler receives events for a session.
type RuntimeEventHandler func(sessionID string, event RuntimeEvent)

// RuntimeMessageType enumerates control messages sent over an IPC session.
type RuntimeMessageType string

const (
	RuntimeMsgPing         RuntimeMessageType = "ping"
	RuntimeMsgPause        RuntimeMessageType = "pause"
	RuntimeMsgResume       RuntimeMessageType = "resume"
	RuntimeMsgShutdown     RuntimeMessageType = "shutdown"
	RuntimeMsgAgentMessage RuntimeMessageType = "agentMessage"
)

// RuntimeMessage is the envelope sent to an agent over its IPC session.
type RuntimeMessage struct {
	Type    RuntimeMessageType `json:"type"`
	Message *AgentMessage      `json:"message,omitempty"`
}

// ProcessRuntime spawns agent subprocesses and delivers IPC messages.
// The transport is owned by the runtime; the pool only keeps session ids.
type ProcessRuntime interface {
	// SpawnProcess starts an agent subprocess and returns its session id.
	// Events for the session are delivered through onEvent until the
	// session ends.
	SpawnProcess(ctx context.Context, workspace, task string, config AgentSpawnConfig, onEvent RuntimeEventHandler) (string, error)

	// SendMessage delivers a message to a running session.
	SendMessage(ctx context.Context, sessionID string, msg RuntimeMessage) error
}

// LockMode is the access mode requested for a file lock.
type LockMode string

const (
	LockModeRead  LockMode = "read"
	LockModeWrite LockMode = "write"
)

// LockRequest describes a file lock acquisition.
type LockRequest struct {
	FilePath    string
	AgentID     string
	Mode        LockMode
	Timeout     time.Duration
	Description string
}

// FileLock is a held lock.
type FileLock struct {
	LockID     string    `json:"lock_id"`
	FilePath   string    `json:"file_path"`
	AgentID    string    `json:"agent_id"`
	Mode       LockMode  `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockEvent notifies subscribers of lock acquisition and release.
type LockEvent struct {
	Type     string    `json:"type"` // lock_acquired, lock_released
	Lock     FileLock  `json:"lock"`
	Occurred time.Time `json:"occurred"`
}

// FileLockService coordinates file access between agents. Externally owned;
// the pool releases an agent's locks on terminate, error, and restart.
type FileLockService interface {
	AcquireLock(ctx context.Context, req LockRequest) (*FileLock, error)
	ReleaseLock(ctx context.Context, lockID string) error
	ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error)
	GetLocksForAgent(agentID string) []FileLock
	AgentHasLocks(agentID string) bool
	GetLockStatus(filePath string) (*FileLock, bool)
	Subscribe(handler func(LockEvent)) (unsubscribe func())
}

// ArtifactStore persists produced artifacts. The orchestrator only ever
// reads summaries into its context.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, t ArtifactType, producerID, producerRole, fullContent string, related []string) (string, error)
	GetArtifact(ctx context.Context, id string) (string, error)
	GetArtifactSummary(ctx context.Context, id string) (*ArtifactSummaryRef, error)
	UpdateArtifactStatus(ctx context.Context, id string, status ArtifactStatus) error
	UpdateArtifactContent(ctx context.Context, id, fullContent string) error
	GetAllSummaries(ctx context.Context) ([]ArtifactSummaryRef, error)
}

// RoleEvent notifies registry subscribers of catalogue changes.
type RoleEvent struct {
	Type   string `json:"type"` // role_config_changed, custom_role_added, custom_role_deleted
	RoleID string `json:"role_id"`
}

// RoleRegistry maps roles to modes and provider profiles.
type RoleRegistry interface {
	GetProviderProfileForRole(role string) (*ProviderProfile, error)
	GetModeForRole(role string) (string, error)
	GetRoleConfiguration(roleID string) (*RoleConfiguration, error)
	ListRoles() []RoleConfiguration
	AddCustomRole(cfg RoleConfiguration) error
	DeleteCustomRole(roleID string) error
	Subscribe(handler func(RoleEvent)) (unsubscribe func())
}

// StorageAdapter is the minimal async key/value contract behind workflow
// persistence and the checkpoint backend. Writes are best effort; callers
// log and continue on failure.
type StorageAdapter interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// AgentLookup is the narrow pool view the router depends on. It breaks the
// router/pool reference cycle.
type AgentLookup interface {
	GetAgent(agentID string) (*AgentInstance, bool)
	GetActiveAgents() []*AgentInstance
	SendToAgent(ctx context.Context, agentID string, msg AgentMessage) error
}

// MessageDispatcher is the narrow router view the pool and recovery manager
// depend on.
type MessageDispatcher interface {
	RouteMessage(ctx context.Context, msg AgentMessage) error
}
