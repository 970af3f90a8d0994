package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an AgentMessage carries.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeStatus       MessageType = "status"
	MessageTypeArtifact     MessageType = "artifact"
	MessageTypeError        MessageType = "error"
	MessageTypeControl      MessageType = "control"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification,
		MessageTypeStatus, MessageTypeArtifact, MessageTypeError, MessageTypeControl:
		return true
	default:
		return false
	}
}

// Broadcast is the reserved recipient id that fans a message out to every
// active agent except the sender.
const Broadcast = "broadcast"

// MaxIPCMessageSize is the serialized size cap for a single message.
// Larger messages are delivered with a truncated payload.
const MaxIPCMessageSize = 1 << 20 // 1 MiB

// AgentMessage is the typed unit of inter-agent IPC. Messages are value
// objects: once handed to the router the sender must not mutate them.
type AgentMessage struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       MessagePayload  `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage creates a message with a fresh id and current timestamp.
func NewMessage(t MessageType, from, to string, payload MessagePayload) AgentMessage {
	return AgentMessage{
		ID:        uuid.NewString(),
		Type:      t,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// SerializedSize returns the JSON-encoded size of the message in bytes.
// Returns 0 if the message cannot be encoded.
func (m AgentMessage) SerializedSize() int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// SerializedSize returns the JSON-encoded size of the payload alone in
// bytes. Returns 0 if the payload cannot be encoded.
func (p MessagePayload) SerializedSize() int {
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(data)
}

// PayloadKind tags the variants of MessagePayload.
type PayloadKind string

const (
	PayloadKindRequest      PayloadKind = "request"
	PayloadKindResponse     PayloadKind = "response"
	PayloadKindNotification PayloadKind = "notification"
	PayloadKindStatus       PayloadKind = "status"
	PayloadKindArtifact     PayloadKind = "artifact"
	PayloadKindError        PayloadKind = "error"
	PayloadKindControl      PayloadKind = "control"
	PayloadKindTruncated    PayloadKind = "truncated"
)

// MessagePayload is the tagged union carried by AgentMessage. Exactly one
// variant field is set, matching Kind.
type MessagePayload struct {
	Kind         PayloadKind          `json:"kind"`
	Request      *RequestPayload      `json:"request,omitempty"`
	Response     *ResponsePayload     `json:"response,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`
	Status       *StatusPayload       `json:"status,omitempty"`
	Artifact     *ArtifactPayload     `json:"artifact,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
	Control      *ControlPayload      `json:"control,omitempty"`
	Truncated    *TruncatedPayload    `json:"truncated,omitempty"`
}

// RequestPayload asks an agent to perform a task.
type RequestPayload struct {
	Action   string         `json:"action"`
	Task     string         `json:"task,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResponsePayload answers a request.
type ResponsePayload struct {
	Success bool           `json:"success"`
	Result  string         `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NotificationPayload carries broadcast announcements (lock events,
// workflow milestones).
type NotificationPayload struct {
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// StatusPayload reports an agent's own status.
type StatusPayload struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

// ArtifactPayload announces a produced artifact by reference.
type ArtifactPayload struct {
	ArtifactID   string `json:"artifact_id"`
	ArtifactType string `json:"artifact_type"`
	Summary      string `json:"summary,omitempty"`
}

// ErrorPayload reports an agent-side failure.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ControlPayload carries supervisor commands (pause, resume, shutdown, ping).
type ControlPayload struct {
	Command string `json:"command"`
}

// TruncatedPayload replaces a payload whose serialized form exceeded
// MaxIPCMessageSize. Consumers observe the marker instead of failing.
type TruncatedPayload struct {
	TruncatedMarker bool   `json:"_truncated"`
	OriginalSize    int    `json:"_originalSize"`
	Preview         string `json:"preview,omitempty"`
}

// RequestMessage builds a request payload message.
func RequestMessage(from, to, action, task string) AgentMessage {
	return NewMessage(MessageTypeRequest, from, to, MessagePayload{
		Kind:    PayloadKindRequest,
		Request: &RequestPayload{Action: action, Task: task},
	})
}

// ResponseMessage builds a response correlated to a request.
func ResponseMessage(from, to string, payload ResponsePayload, correlationID string) AgentMessage {
	msg := NewMessage(MessageTypeResponse, from, to, MessagePayload{
		Kind:     PayloadKindResponse,
		Response: &payload,
	})
	msg.CorrelationID = correlationID
	return msg
}

// NotificationMessage builds a broadcast notification.
func NotificationMessage(from, event string, detail map[string]any) AgentMessage {
	return NewMessage(MessageTypeNotification, from, Broadcast, MessagePayload{
		Kind:         PayloadKindNotification,
		Notification: &NotificationPayload{Event: event, Detail: detail},
	})
}
