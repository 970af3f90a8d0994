package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
)

// fakeLookup is an in-memory AgentLookup recording deliveries.
type fakeLookup struct {
	mu     sync.Mutex
	agents map[string]*core.AgentInstance
	sent   map[string][]core.AgentMessage
	fail   map[string]bool
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		agents: make(map[string]*core.AgentInstance),
		sent:   make(map[string][]core.AgentMessage),
		fail:   make(map[string]bool),
	}
}

func (f *fakeLookup) addAgent(id string, status core.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[id] = &core.AgentInstance{AgentID: id, Role: "primary-coder", Status: status}
}

func (f *fakeLookup) setStatus(id string, status core.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[id].Status = status
}

func (f *fakeLookup) GetAgent(agentID string) (*core.AgentInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (f *fakeLookup) GetActiveAgents() []*core.AgentInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.AgentInstance
	for _, a := range f.agents {
		if a.Status.IsActive() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeLookup) SendToAgent(_ context.Context, agentID string, msg core.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[agentID] {
		return core.ErrInternal("send failed")
	}
	f.sent[agentID] = append(f.sent[agentID], msg)
	return nil
}

func (f *fakeLookup) sentTo(agentID string) []core.AgentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.AgentMessage(nil), f.sent[agentID]...)
}

func newTestRouter(lookup *fakeLookup) *Router {
	cfg := DefaultConfig()
	cfg.QueueProcessingInterval = 10 * time.Millisecond
	return New(cfg, lookup)
}

func TestRouter_RouteToReadyAgent(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	msg := core.RequestMessage("orchestrator", "coder", "implement", "do it")
	if err := r.RouteMessage(context.Background(), msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	sent := lookup.sentTo("coder")
	if len(sent) != 1 || sent[0].ID != msg.ID {
		t.Fatalf("expected one delivery, got %v", sent)
	}
}

func TestRouter_UnknownTarget(t *testing.T) {
	r := newTestRouter(newFakeLookup())
	defer r.Dispose()

	err := r.RouteMessage(context.Background(), core.RequestMessage("a", "ghost", "x", ""))
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown target error, got %v", err)
	}
}

func TestRouter_Validation(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	msg := core.RequestMessage("orchestrator", "coder", "a", "b")
	msg.From = ""
	if err := r.RouteMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected validation error for missing from")
	}

	msg = core.RequestMessage("orchestrator", "coder", "a", "b")
	msg.Type = "bogus"
	if err := r.RouteMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected validation error for bad type")
	}
}

func TestRouter_QueueForNotReadyAgent(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusSpawning)
	r := newTestRouter(lookup)
	defer r.Dispose()

	msg := core.RequestMessage("orchestrator", "coder", "implement", "")
	if err := r.RouteMessage(context.Background(), msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(lookup.sentTo("coder")) != 0 {
		t.Fatalf("message should be queued, not delivered")
	}
	if r.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", r.QueueDepth())
	}

	lookup.setStatus("coder", core.AgentStatusReady)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(lookup.sentTo("coder")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued message never delivered")
}

func TestRouter_QueueOverflowDropsOldest(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusSpawning)
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 3
	cfg.QueueProcessingInterval = time.Hour // keep tick out of the way
	r := New(cfg, lookup)
	defer r.Dispose()

	var first core.AgentMessage
	for i := 0; i < 4; i++ {
		msg := core.RequestMessage("orchestrator", "coder", "a", "")
		if i == 0 {
			first = msg
		}
		_ = r.RouteMessage(context.Background(), msg)
	}
	if r.QueueDepth() != 3 {
		t.Fatalf("expected queue depth 3, got %d", r.QueueDepth())
	}
	stats := r.GetStats()
	if stats.DroppedOverflow != 1 {
		t.Fatalf("expected one overflow drop, got %d", stats.DroppedOverflow)
	}

	// Deliver the survivors and verify the oldest is gone.
	lookup.setStatus("coder", core.AgentStatusReady)
	r.processQueue()
	for _, got := range lookup.sentTo("coder") {
		if got.ID == first.ID {
			t.Fatalf("oldest message should have been evicted")
		}
	}
}

func TestRouter_QueueRetryBound(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusSpawning)
	cfg := DefaultConfig()
	cfg.MaxRetryCount = 3
	cfg.QueueProcessingInterval = time.Hour
	r := New(cfg, lookup)
	defer r.Dispose()

	_ = r.RouteMessage(context.Background(), core.RequestMessage("orchestrator", "coder", "a", ""))

	// Three ticks keep the entry (retry 1..3); the fourth drops it.
	for i := 0; i < 3; i++ {
		r.processQueue()
		if r.QueueDepth() != 1 {
			t.Fatalf("tick %d: expected entry retained, depth %d", i, r.QueueDepth())
		}
	}
	r.processQueue()
	if r.QueueDepth() != 0 {
		t.Fatalf("entry should be dropped after max retries")
	}
	if r.GetStats().DroppedRetries != 1 {
		t.Fatalf("expected retry drop recorded")
	}
}

func TestRouter_Broadcast(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("a1", core.AgentStatusReady)
	lookup.addAgent("a2", core.AgentStatusBusy)
	lookup.addAgent("a3", core.AgentStatusStopped)
	r := newTestRouter(lookup)
	defer r.Dispose()

	msg := core.NotificationMessage("a1", "milestone", nil)
	if err := r.RouteMessage(context.Background(), msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(lookup.sentTo("a1")) != 0 {
		t.Fatalf("sender should not receive its own broadcast")
	}
	if len(lookup.sentTo("a2")) != 1 {
		t.Fatalf("active agent a2 should receive broadcast")
	}
	if len(lookup.sentTo("a3")) != 0 {
		t.Fatalf("stopped agent a3 should not receive broadcast")
	}
}

func TestRouter_RequestResponseCorrelation(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	done := make(chan core.AgentMessage, 1)
	go func() {
		resp, err := r.SendRequest(context.Background(), "orchestrator", "coder",
			core.MessagePayload{Kind: core.PayloadKindRequest, Request: &core.RequestPayload{Action: "plan"}},
			time.Second)
		if err != nil {
			t.Errorf("request failed: %v", err)
			close(done)
			return
		}
		done <- resp
	}()

	// Wait for the request to reach the agent, then answer it.
	var req core.AgentMessage
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := lookup.sentTo("coder"); len(sent) == 1 {
			req = sent[0]
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if req.CorrelationID == "" {
		t.Fatalf("request has no correlation id")
	}

	r.HandleIncomingMessage(core.ResponseMessage("coder", "orchestrator",
		core.ResponsePayload{Success: true, Result: "done"}, req.CorrelationID))

	resp, ok := <-done
	if !ok {
		t.Fatalf("no response")
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("correlation mismatch: %s vs %s", resp.CorrelationID, req.CorrelationID)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending entry should be removed after response")
	}
}

func TestRouter_RequestTimeout(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	start := time.Now()
	_, err := r.SendRequest(context.Background(), "orchestrator", "coder",
		core.MessagePayload{Kind: core.PayloadKindRequest, Request: &core.RequestPayload{Action: "x"}},
		50*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("timeout fired after %v", elapsed)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending entry should be removed after timeout")
	}
}

func TestRouter_OrderingPerPair(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("b", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	m1 := core.RequestMessage("a", "b", "first", "")
	m2 := core.RequestMessage("a", "b", "second", "")
	_ = r.RouteMessage(context.Background(), m1)
	_ = r.RouteMessage(context.Background(), m2)

	sent := lookup.sentTo("b")
	if len(sent) != 2 || sent[0].ID != m1.ID || sent[1].ID != m2.ID {
		t.Fatalf("messages delivered out of order")
	}
}

func TestRouter_ReadyPathDoesNotBypassQueue(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("b", core.AgentStatusSpawning)
	cfg := DefaultConfig()
	cfg.QueueProcessingInterval = time.Hour
	r := New(cfg, lookup)
	defer r.Dispose()

	m1 := core.RequestMessage("a", "b", "first", "")
	m2 := core.RequestMessage("a", "b", "second", "")

	// m1 queues because the recipient is still spawning.
	if err := r.RouteMessage(context.Background(), m1); err != nil {
		t.Fatalf("route m1: %v", err)
	}

	// The recipient turns ready before the queue drains. m2 must line up
	// behind m1, not take the direct path.
	lookup.setStatus("b", core.AgentStatusReady)
	if err := r.RouteMessage(context.Background(), m2); err != nil {
		t.Fatalf("route m2: %v", err)
	}
	if got := lookup.sentTo("b"); len(got) != 0 {
		t.Fatalf("m2 overtook queued m1: %v", got)
	}
	if r.QueueDepth() != 2 {
		t.Fatalf("expected both messages queued, depth %d", r.QueueDepth())
	}

	r.processQueue()
	sent := lookup.sentTo("b")
	if len(sent) != 2 || sent[0].ID != m1.ID || sent[1].ID != m2.ID {
		t.Fatalf("messages delivered out of order: %v", sent)
	}
}

func TestRouter_SizePolicy(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 512
	cfg.QueueProcessingInterval = time.Hour
	r := New(cfg, lookup)
	defer r.Dispose()

	big := strings.Repeat("x", 2048)
	msg := core.RequestMessage("orchestrator", "coder", "implement", big)
	originalID := msg.ID
	wantSize := msg.Payload.SerializedSize()

	if err := r.RouteMessage(context.Background(), msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	sent := lookup.sentTo("coder")
	if len(sent) != 1 {
		t.Fatalf("expected delivery")
	}
	got := sent[0]
	if got.ID != originalID || got.Type != core.MessageTypeRequest {
		t.Fatalf("identity fields not preserved")
	}
	if got.Payload.Kind != core.PayloadKindTruncated || got.Payload.Truncated == nil {
		t.Fatalf("expected truncated payload, got %+v", got.Payload)
	}
	if !got.Payload.Truncated.TruncatedMarker {
		t.Fatalf("truncation marker missing: %+v", got.Payload.Truncated)
	}
	if got.Payload.Truncated.OriginalSize != wantSize {
		t.Fatalf("original size should be the payload size %d, got %d",
			wantSize, got.Payload.Truncated.OriginalSize)
	}

	// The wire form carries the spec'd marker keys.
	data, err := json.Marshal(got.Payload.Truncated)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"_truncated":true`) ||
		!strings.Contains(string(data), `"_originalSize":`) {
		t.Fatalf("unexpected wire keys: %s", data)
	}
}

func TestRouter_SubscriptionFilter(t *testing.T) {
	lookup := newFakeLookup()
	r := newTestRouter(lookup)
	defer r.Dispose()

	var received []core.AgentMessage
	var mu sync.Mutex
	_ = r.Subscribe("orchestrator", func(msg core.AgentMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}, SubscriptionFilter{MessageTypes: []core.MessageType{core.MessageTypeArtifact}, From: "coder"})

	match := core.NewMessage(core.MessageTypeArtifact, "coder", "orchestrator", core.MessagePayload{
		Kind:     core.PayloadKindArtifact,
		Artifact: &core.ArtifactPayload{ArtifactID: "a1", ArtifactType: "code"},
	})
	wrongType := core.NewMessage(core.MessageTypeStatus, "coder", "orchestrator", core.MessagePayload{
		Kind:   core.PayloadKindStatus,
		Status: &core.StatusPayload{Status: "busy"},
	})
	wrongFrom := core.NewMessage(core.MessageTypeArtifact, "other", "orchestrator", core.MessagePayload{
		Kind:     core.PayloadKindArtifact,
		Artifact: &core.ArtifactPayload{ArtifactID: "a2", ArtifactType: "code"},
	})

	r.HandleIncomingMessage(match)
	r.HandleIncomingMessage(wrongType)
	r.HandleIncomingMessage(wrongFrom)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].ID != match.ID {
		t.Fatalf("filter dispatched wrong messages: %v", received)
	}
}

func TestRouter_MessageLogNewestFirst(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)
	defer r.Dispose()

	m1 := core.RequestMessage("orchestrator", "coder", "first", "")
	m2 := core.RequestMessage("orchestrator", "coder", "second", "")
	_ = r.RouteMessage(context.Background(), m1)
	_ = r.RouteMessage(context.Background(), m2)

	log := r.GetMessageLog(10)
	if len(log) != 2 || log[0].ID != m2.ID || log[1].ID != m1.ID {
		t.Fatalf("log should be newest first")
	}
}

func TestRouter_DisposeIdempotent(t *testing.T) {
	lookup := newFakeLookup()
	lookup.addAgent("coder", core.AgentStatusReady)
	r := newTestRouter(lookup)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.SendRequest(context.Background(), "orchestrator", "coder",
			core.MessagePayload{Kind: core.PayloadKindRequest, Request: &core.RequestPayload{Action: "x"}},
			time.Minute)
		errCh <- err
	}()
	// Let the request get parked.
	time.Sleep(20 * time.Millisecond)

	r.Dispose()
	r.Dispose() // must not panic

	if err := <-errCh; err == nil {
		t.Fatalf("in-flight request should be rejected on dispose")
	}
	if err := r.RouteMessage(context.Background(), core.RequestMessage("a", "coder", "x", "")); err == nil {
		t.Fatalf("route after dispose should fail")
	}
}
