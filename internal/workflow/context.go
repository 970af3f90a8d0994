package workflow

import "time"

// Context is the mutable state of one task, owned by the machine.
// Observers only ever receive copies.
type Context struct {
	UserTask     string         `json:"user_task"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	ArtifactIDs  []string       `json:"artifact_ids"`
	AgentIDs     []string       `json:"agent_ids"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// clone returns a deep copy of the context.
func (c *Context) clone() Context {
	cp := *c
	cp.ArtifactIDs = append([]string(nil), c.ArtifactIDs...)
	cp.AgentIDs = append([]string(nil), c.AgentIDs...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// addUnique appends id to list if absent, preserving order.
func addUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// HistoryEntry is an append-only audit record of one transition.
type HistoryEntry struct {
	State     State          `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Trigger   Trigger        `json:"trigger,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MaxHistoryEntries bounds the retained history; older entries are
// evicted FIFO.
const MaxHistoryEntries = 100
