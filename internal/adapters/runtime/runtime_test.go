//go:build !windows

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
)

// fakeWorker is a shell stand-in for the worker binary. It announces its
// session, answers pings, and exits cleanly on shutdown.
const fakeWorker = `#!/bin/sh
echo '{"type":"session_created"}'
while read line; do
  case "$line" in
    *'"ping"'*) echo '{"type":"pong"}' ;;
    *'"shutdown"'*) echo '{"type":"complete"}'; exit 0 ;;
    *'"agentMessage"'*) echo '{"type":"message","message":{"id":"m1","type":"status","from":"w","to":"orchestrator","payload":{"kind":"status","status":{"status":"working"}}}}' ;;
  esac
done
`

func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return path
}

func collectEvents(t *testing.T) (core.RuntimeEventHandler, <-chan core.RuntimeEvent) {
	t.Helper()
	ch := make(chan core.RuntimeEvent, 32)
	return func(sessionID string, event core.RuntimeEvent) {
		ch <- event
	}, ch
}

func waitEvent(t *testing.T, ch <-chan core.RuntimeEvent, want core.StreamEventType) core.RuntimeEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", want)
		}
	}
}

func TestRuntime_SpawnAndShutdown(t *testing.T) {
	r := New(Config{Command: writeWorker(t, fakeWorker), GracePeriod: time.Second})
	defer r.Close()

	handler, events := collectEvents(t)
	sessionID, err := r.SpawnProcess(context.Background(), t.TempDir(), "", core.AgentSpawnConfig{AgentID: "coder-1", Role: "primary-coder", Mode: "code"}, handler)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	created := waitEvent(t, events, core.StreamEventSessionCreated)
	if created.SessionID != sessionID {
		t.Fatalf("session id = %s, want %s", created.SessionID, sessionID)
	}

	if err := r.SendMessage(context.Background(), sessionID, core.RuntimeMessage{Type: core.RuntimeMsgShutdown}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitEvent(t, events, core.StreamEventComplete)

	// Session is gone once the process has been reaped.
	deadline := time.Now().Add(2 * time.Second)
	for len(r.ActiveSessions()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still tracked after exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := r.SendMessage(context.Background(), sessionID, core.RuntimeMessage{Type: core.RuntimeMsgPing}); err == nil {
		t.Fatalf("send to dead session succeeded")
	}
}

func TestRuntime_PingPong(t *testing.T) {
	r := New(Config{Command: writeWorker(t, fakeWorker), GracePeriod: time.Second})
	defer r.Close()

	handler, events := collectEvents(t)
	sessionID, err := r.SpawnProcess(context.Background(), t.TempDir(), "", core.AgentSpawnConfig{AgentID: "a1", Role: "architect", Mode: "architect"}, handler)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitEvent(t, events, core.StreamEventSessionCreated)

	if err := r.SendMessage(context.Background(), sessionID, core.RuntimeMessage{Type: core.RuntimeMsgPing}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	waitEvent(t, events, core.StreamEventPong)
}

func TestRuntime_MessageEventCarriesAgentMessage(t *testing.T) {
	r := New(Config{Command: writeWorker(t, fakeWorker), GracePeriod: time.Second})
	defer r.Close()

	handler, events := collectEvents(t)
	sessionID, err := r.SpawnProcess(context.Background(), t.TempDir(), "", core.AgentSpawnConfig{AgentID: "a1", Role: "architect", Mode: "architect"}, handler)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitEvent(t, events, core.StreamEventSessionCreated)

	status := core.NewMessage(core.MessageTypeStatus, "orchestrator", "a1", core.MessagePayload{
		Kind:   core.PayloadKindStatus,
		Status: &core.StatusPayload{Status: "check"},
	})
	if err := r.SendMessage(context.Background(), sessionID, core.RuntimeMessage{Type: core.RuntimeMsgAgentMessage, Message: &status}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := waitEvent(t, events, core.StreamEventMessage)
	if ev.Message == nil || ev.Message.From != "w" {
		t.Fatalf("message event = %+v", ev)
	}
}

func TestRuntime_CrashReportsError(t *testing.T) {
	crashing := `#!/bin/sh
echo '{"type":"session_created"}'
exit 3
`
	r := New(Config{Command: writeWorker(t, crashing), GracePeriod: time.Second})
	defer r.Close()

	handler, events := collectEvents(t)
	if _, err := r.SpawnProcess(context.Background(), t.TempDir(), "", core.AgentSpawnConfig{AgentID: "a1", Role: "debugger", Mode: "debug"}, handler); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitEvent(t, events, core.StreamEventSessionCreated)
	ev := waitEvent(t, events, core.StreamEventError)
	if ev.Error == "" {
		t.Fatalf("error event has no detail")
	}
}

func TestRuntime_TaskDeliveredOverStdin(t *testing.T) {
	// Worker echoes the task request back as a pong so the test can see it.
	echoing := `#!/bin/sh
echo '{"type":"session_created"}'
while read line; do
  case "$line" in
    *execute_task*) echo '{"type":"pong"}' ;;
    *'"shutdown"'*) echo '{"type":"complete"}'; exit 0 ;;
  esac
done
`
	r := New(Config{Command: writeWorker(t, echoing), GracePeriod: time.Second})
	defer r.Close()

	handler, events := collectEvents(t)
	if _, err := r.SpawnProcess(context.Background(), t.TempDir(), "implement the parser", core.AgentSpawnConfig{AgentID: "coder-1", Role: "primary-coder", Mode: "code"}, handler); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitEvent(t, events, core.StreamEventPong)
}

func TestRuntime_CloseRejectsSpawn(t *testing.T) {
	r := New(Config{Command: writeWorker(t, fakeWorker), GracePeriod: time.Second})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	handler, _ := collectEvents(t)
	if _, err := r.SpawnProcess(context.Background(), t.TempDir(), "", core.AgentSpawnConfig{AgentID: "a1"}, handler); err == nil {
		t.Fatalf("spawn after close succeeded")
	}
}
