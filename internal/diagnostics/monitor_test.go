package diagnostics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/internal/recovery"
)

type fakeSink struct {
	mu     sync.Mutex
	errors []recovery.ErrorContext
}

func (s *fakeSink) HandleError(_ context.Context, ec recovery.ErrorContext) *recovery.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, ec)
	return &recovery.Result{Success: true}
}

func (s *fakeSink) received() []recovery.ErrorContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recovery.ErrorContext, len(s.errors))
	copy(out, s.errors)
	return out
}

func stubbed(m *Monitor, snap *Snapshot) {
	m.collect = func() Snapshot {
		snap.Timestamp = time.Now()
		return *snap
	}
}

func TestSample_RecordsHistory(t *testing.T) {
	m := New(Config{HistorySize: 3}, nil)
	snap := Snapshot{MemUsedPercent: 0.5}
	stubbed(m, &snap)

	for i := 0; i < 5; i++ {
		m.Sample()
	}
	hist := m.GetHistory()
	if len(hist) != 3 {
		t.Fatalf("history should be bounded at 3, got %d", len(hist))
	}
	latest, ok := m.GetLatest()
	if !ok || latest.MemUsedPercent != 0.5 {
		t.Fatalf("unexpected latest snapshot: %+v ok=%v", latest, ok)
	}
}

func TestSample_EscalatesMemoryThreshold(t *testing.T) {
	sink := &fakeSink{}
	m := New(Config{MemoryThreshold: 0.8, CPUThreshold: 0.95}, sink)
	snap := Snapshot{MemUsedPercent: 0.92, CPUPercent: 0.10, ProcessRSSMB: 512}
	stubbed(m, &snap)

	m.Sample()

	errs := sink.received()
	if len(errs) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(errs))
	}
	ec := errs[0]
	if ec.Type != recovery.ErrTypeResourceExhausted {
		t.Fatalf("unexpected error type %q", ec.Type)
	}
	if ec.Metadata["resource"] != "memory" {
		t.Fatalf("unexpected resource %v", ec.Metadata["resource"])
	}
	if ec.Metadata["process_rss_mb"] != 512.0 {
		t.Fatalf("rss not carried in metadata: %v", ec.Metadata)
	}
}

func TestSample_EscalatesCPUThreshold(t *testing.T) {
	sink := &fakeSink{}
	m := New(Config{MemoryThreshold: 0.9, CPUThreshold: 0.5}, sink)
	snap := Snapshot{MemUsedPercent: 0.1, CPUPercent: 0.75}
	stubbed(m, &snap)

	m.Sample()

	errs := sink.received()
	if len(errs) != 1 || errs[0].Metadata["resource"] != "cpu" {
		t.Fatalf("expected one cpu escalation, got %+v", errs)
	}
}

func TestSample_CooldownThrottlesRepeats(t *testing.T) {
	sink := &fakeSink{}
	m := New(Config{MemoryThreshold: 0.8, AlertCooldown: time.Hour}, sink)
	snap := Snapshot{MemUsedPercent: 0.95}
	stubbed(m, &snap)

	m.Sample()
	m.Sample()
	m.Sample()

	if got := len(sink.received()); got != 1 {
		t.Fatalf("cooldown should suppress repeats, got %d escalations", got)
	}
}

func TestSample_BelowThresholdsStaysQuiet(t *testing.T) {
	sink := &fakeSink{}
	m := New(Config{}, sink)
	snap := Snapshot{MemUsedPercent: 0.3, CPUPercent: 0.2}
	stubbed(m, &snap)

	m.Sample()

	if got := len(sink.received()); got != 0 {
		t.Fatalf("expected no escalations, got %d", got)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	m := New(Config{SampleInterval: 10 * time.Millisecond}, nil)
	snap := Snapshot{MemUsedPercent: 0.1}
	stubbed(m, &snap)

	m.Start()
	m.Start()

	deadline := time.Now().Add(2 * time.Second)
	for len(m.GetHistory()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no samples taken before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	m := New(Config{}, nil)
	m.Stop()
}

func TestSystemSnapshot_Populates(t *testing.T) {
	m := New(Config{}, nil)
	snap := m.Sample()
	if snap.Goroutines <= 0 {
		t.Fatalf("goroutine count should be positive, got %d", snap.Goroutines)
	}
	if snap.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}
