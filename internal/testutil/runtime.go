// Package testutil holds fakes shared by tests in multiple packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
)

// FakeRuntime is an in-memory core.ProcessRuntime. Spawned sessions report
// session_created immediately; tests drive further events through Emit.
type FakeRuntime struct {
	mu       sync.Mutex
	seq      int
	handlers map[string]core.RuntimeEventHandler
	sent     map[string][]core.RuntimeMessage
	spawnErr error
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		handlers: make(map[string]core.RuntimeEventHandler),
		sent:     make(map[string][]core.RuntimeMessage),
	}
}

// FailSpawns makes subsequent SpawnProcess calls return err.
func (f *FakeRuntime) FailSpawns(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr = err
}

func (f *FakeRuntime) SpawnProcess(ctx context.Context, workspace, task string, config core.AgentSpawnConfig, onEvent core.RuntimeEventHandler) (string, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	sessionID := fmt.Sprintf("sess-%d", f.seq)
	f.handlers[sessionID] = onEvent
	f.mu.Unlock()

	onEvent(sessionID, core.RuntimeEvent{Type: core.StreamEventSessionCreated, SessionID: sessionID, Timestamp: time.Now()})
	return sessionID, nil
}

func (f *FakeRuntime) SendMessage(ctx context.Context, sessionID string, msg core.RuntimeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[sessionID]; !ok {
		return errors.New("no such session")
	}
	f.sent[sessionID] = append(f.sent[sessionID], msg)
	return nil
}

// Emit delivers a runtime event to the session's handler.
func (f *FakeRuntime) Emit(sessionID string, event core.RuntimeEvent) {
	f.mu.Lock()
	handler := f.handlers[sessionID]
	f.mu.Unlock()
	if handler != nil {
		event.SessionID = sessionID
		handler(sessionID, event)
	}
}

// Sent returns the runtime messages delivered to a session.
func (f *FakeRuntime) Sent(sessionID string) []core.RuntimeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.RuntimeMessage(nil), f.sent[sessionID]...)
}

var _ core.ProcessRuntime = (*FakeRuntime)(nil)
