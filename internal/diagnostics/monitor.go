// Package diagnostics samples system and process resource usage and raises
// resource_exhausted errors into the recovery manager when thresholds are
// crossed.
package diagnostics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/recovery"
)

// Snapshot captures resource state at a point in time.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	MemUsedPercent float64   `json:"mem_used_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	ProcessRSSMB   float64   `json:"process_rss_mb"`
	Goroutines     int       `json:"goroutines"`
	LoadAvg1       float64   `json:"load_avg_1"`
}

// Config tunes the monitor. Thresholds are fractions of capacity.
type Config struct {
	SampleInterval  time.Duration
	MemoryThreshold float64
	CPUThreshold    float64
	HistorySize     int
	// AlertCooldown throttles repeated alerts for the same resource.
	AlertCooldown time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  15 * time.Second,
		MemoryThreshold: 0.90,
		CPUThreshold:    0.95,
		HistorySize:     240,
		AlertCooldown:   time.Minute,
	}
}

// ErrorSink receives resource exhaustion errors. Satisfied by the recovery
// manager.
type ErrorSink interface {
	HandleError(ctx context.Context, ec recovery.ErrorContext) *recovery.Result
}

// Monitor samples resources on an interval and keeps a bounded history.
type Monitor struct {
	cfg    Config
	sink   ErrorSink
	logger *logging.Logger

	mu        sync.Mutex
	history   []Snapshot
	lastAlert map[string]time.Time

	// collect is replaceable in tests.
	collect func() Snapshot

	collector cpuDeltaCollector
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// cpuDeltaCollector derives CPU usage from successive cumulative readings.
type cpuDeltaCollector struct {
	lastTotal float64
	lastIdle  float64
}

func (c *cpuDeltaCollector) usage() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	var usage float64
	if c.lastTotal > 0 {
		totalDelta := total - c.lastTotal
		idleDelta := idle - c.lastIdle
		if totalDelta > 0 {
			usage = 1 - idleDelta/totalDelta
		}
	}
	c.lastTotal = total
	c.lastIdle = idle
	return usage
}

// Option configures the monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a resource monitor. sink may be nil; samples are then only
// recorded, never escalated.
func New(cfg Config, sink ErrorSink, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	m := &Monitor{
		cfg:       cfg,
		sink:      sink,
		logger:    logging.NewNop(),
		lastAlert: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.collect = m.systemSnapshot
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) systemSnapshot() Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent / 100
	}
	snap.CPUPercent = m.collector.usage()
	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.ProcessRSSMB = float64(info.RSS) / 1024 / 1024
		}
	}
	return snap
}

// Start begins the sampling loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}
}

// Sample takes one snapshot, records it, and escalates threshold crossings.
func (m *Monitor) Sample() Snapshot {
	snap := m.collect()

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	if snap.MemUsedPercent >= m.cfg.MemoryThreshold {
		m.escalate("memory", snap.MemUsedPercent, m.cfg.MemoryThreshold, snap)
	}
	if snap.CPUPercent >= m.cfg.CPUThreshold {
		m.escalate("cpu", snap.CPUPercent, m.cfg.CPUThreshold, snap)
	}
	return snap
}

func (m *Monitor) escalate(resource string, value, threshold float64, snap Snapshot) {
	m.mu.Lock()
	if last, ok := m.lastAlert[resource]; ok && time.Since(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[resource] = time.Now()
	m.mu.Unlock()

	m.logger.Warn("resource threshold exceeded",
		"resource", resource, "value", value, "threshold", threshold)

	if m.sink == nil {
		return
	}
	m.sink.HandleError(context.Background(), recovery.ErrorContext{
		Type:    recovery.ErrTypeResourceExhausted,
		Message: resource + " usage above threshold",
		Metadata: map[string]any{
			"resource":         resource,
			"value":            value,
			"threshold":        threshold,
			"process_rss_mb":   snap.ProcessRSSMB,
			"mem_used_percent": snap.MemUsedPercent,
			"cpu_percent":      snap.CPUPercent,
		},
	})
}

// GetHistory returns recorded snapshots, oldest first.
func (m *Monitor) GetHistory() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// GetLatest returns the most recent snapshot.
func (m *Monitor) GetLatest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}
