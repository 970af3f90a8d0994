package recovery

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one key.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerStatus is a read-only view of one breaker.
type BreakerStatus struct {
	Key          string       `json:"key"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
	CanCloseAt   time.Time    `json:"can_close_at,omitempty"`
}

type breaker struct {
	state        BreakerState
	failures     []time.Time
	successCount int
	openedAt     time.Time
}

// BreakerSet holds one circuit breaker per key. The key is the failing
// agent id when known, the error type otherwise.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	opens    int64
	now      func() time.Time
}

// NewBreakerSet creates a breaker set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (s *BreakerSet) get(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[key] = b
	}
	return b
}

// Allow reports whether a recovery attempt may proceed for the key.
// An open breaker moves to half-open once the reset timeout has elapsed.
func (s *BreakerSet) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(key)
	switch b.state {
	case BreakerOpen:
		if s.now().Sub(b.openedAt) >= s.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure folds a failed recovery into the key's breaker.
func (s *BreakerSet) RecordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(key)
	now := s.now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.successCount = 0
		s.opens++
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.failures = pruneBefore(b.failures, now.Add(-s.cfg.FailureWindow))
		if len(b.failures) >= s.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
			b.failures = nil
			s.opens++
		}
	}
}

// RecordSuccess folds a successful recovery into the key's breaker.
func (s *BreakerSet) RecordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(key)
	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= s.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = nil
			b.successCount = 0
			b.openedAt = time.Time{}
		}
	case BreakerClosed:
		b.failures = nil
	}
}

// Status returns the breaker view for one key.
func (s *BreakerSet) Status(key string) BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		return BreakerStatus{Key: key, State: BreakerClosed}
	}
	status := BreakerStatus{
		Key:          key,
		State:        b.state,
		FailureCount: len(b.failures),
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
	}
	if b.state == BreakerOpen {
		status.CanCloseAt = b.openedAt.Add(s.cfg.ResetTimeout)
	}
	return status
}

// AllStatuses returns the breaker view for every known key.
func (s *BreakerSet) AllStatuses() []BreakerStatus {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for key := range s.breakers {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	out := make([]BreakerStatus, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.Status(key))
	}
	return out
}

// Opens returns how many times any breaker transitioned to open.
func (s *BreakerSet) Opens() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Reset force-closes the breaker for a key.
func (s *BreakerSet) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
