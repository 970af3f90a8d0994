// Package contextmon bounds the orchestrator's in-memory context by token
// budget, compressing and archiving items before the window overflows.
package contextmon

import (
	"sort"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/events"
)

// ItemType classifies context items. user_task and workflow_state are
// protected: never compressed, never archived, highest priority.
type ItemType string

const (
	ItemUserTask        ItemType = "user_task"
	ItemWorkflowState   ItemType = "workflow_state"
	ItemArtifactSummary ItemType = "artifact_summary"
	ItemAgentStatus     ItemType = "agent_status"
	ItemMessageSummary  ItemType = "message_summary"
	ItemErrorContext    ItemType = "error_context"
)

// protectedType reports whether items of this type may never be removed
// or shrunk.
func protectedType(t ItemType) bool {
	return t == ItemUserTask || t == ItemWorkflowState
}

// Item is a token-accounted entry in the context window.
type Item struct {
	ID             string    `json:"id"`
	Type           ItemType  `json:"type"`
	TokenCount     int       `json:"token_count"`
	Priority       int       `json:"priority"` // 0..100
	Compressible   bool      `json:"compressible"`
	Archivable     bool      `json:"archivable"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ReferenceID    string    `json:"reference_id,omitempty"`
}

// UsageLevel buckets window usage.
type UsageLevel string

const (
	LevelNormal   UsageLevel = "normal"
	LevelElevated UsageLevel = "elevated"
	LevelHigh     UsageLevel = "high"
	LevelCritical UsageLevel = "critical"
)

// CompressionStrategy selects how hard a compress pass squeezes.
type CompressionStrategy string

const (
	CompressLight      CompressionStrategy = "light"
	CompressModerate   CompressionStrategy = "moderate"
	CompressAggressive CompressionStrategy = "aggressive"
)

// CompressResult reports the outcome of a compress pass.
type CompressResult struct {
	Performed       bool `json:"performed"`
	ItemsCompressed int  `json:"items_compressed"`
	ItemsRemoved    int  `json:"items_removed"`
	TokensSaved     int  `json:"tokens_saved"`
}

// ArchiveOptions tunes an archive pass. Zero values mean "no constraint".
type ArchiveOptions struct {
	MaxItems      int
	OlderThan     time.Duration
	KeepMinPerType int
	BelowPriority int
}

// ArchiveResult reports the outcome of an archive pass.
type ArchiveResult struct {
	Performed     bool     `json:"performed"`
	ItemsArchived int      `json:"items_archived"`
	TokensSaved   int      `json:"tokens_saved"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"`
}

// RecommendedAction tells the caller what maintenance the monitor wants.
type RecommendedAction struct {
	Action   string              `json:"action"` // none, compress, archive
	Strategy CompressionStrategy `json:"strategy,omitempty"`
}

// Config tunes the monitor.
type Config struct {
	MaxTokens         int
	WarningThreshold  float64
	HighThreshold     float64
	CriticalThreshold float64
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         128_000,
		WarningThreshold:  0.60,
		HighThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
}

// Monitor maintains the token-accounted context window.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	items     map[string]*Item
	total     int
	bus       *events.Bus
	lastLevel UsageLevel
	estimator *Estimator
}

// New creates a monitor. bus may be nil.
func New(sessionID string, cfg Config, bus *events.Bus) *Monitor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 0.60
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = 0.80
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.90
	}
	return &Monitor{
		cfg:       cfg,
		sessionID: sessionID,
		items:     make(map[string]*Item),
		bus:       bus,
		lastLevel: LevelNormal,
		estimator: NewEstimator(),
	}
}

// AddItem inserts or replaces an item. Protected types are forced to the
// highest priority and marked neither compressible nor archivable. When
// tokenCount is zero and content is provided, tokens are estimated.
func (m *Monitor) AddItem(item Item, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.TokenCount <= 0 && content != "" {
		item.TokenCount = m.estimator.Estimate(content)
	}
	if protectedType(item.Type) {
		item.Priority = 100
		item.Compressible = false
		item.Archivable = false
	}
	if item.LastAccessedAt.IsZero() {
		item.LastAccessedAt = time.Now()
	}

	if old, ok := m.items[item.ID]; ok {
		m.total -= old.TokenCount
	}
	stored := item
	m.items[item.ID] = &stored
	m.total += stored.TokenCount

	m.checkThresholdsLocked()
}

// UpdateItemTokens changes an item's token count.
func (m *Monitor) UpdateItemTokens(id string, tokenCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return false
	}
	m.total += tokenCount - item.TokenCount
	item.TokenCount = tokenCount
	item.LastAccessedAt = time.Now()
	m.checkThresholdsLocked()
	return true
}

// TouchItem refreshes an item's last access time.
func (m *Monitor) TouchItem(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return false
	}
	item.LastAccessedAt = time.Now()
	return true
}

// RemoveItem deletes an item.
func (m *Monitor) RemoveItem(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return false
	}
	m.total -= item.TokenCount
	delete(m.items, id)
	return true
}

// GetItemsByType returns copies of all items of a type.
func (m *Monitor) GetItemsByType(t ItemType) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, item := range m.items {
		if item.Type == t {
			out = append(out, *item)
		}
	}
	return out
}

// Clear removes every item.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*Item)
	m.total = 0
	m.lastLevel = LevelNormal
}

// TotalTokens returns the current token total.
func (m *Monitor) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// MaxTokens returns the configured budget.
func (m *Monitor) MaxTokens() int { return m.cfg.MaxTokens }

// ItemCount returns the number of tracked items.
func (m *Monitor) ItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Level returns the current usage level.
func (m *Monitor) Level() UsageLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelLocked()
}

func (m *Monitor) levelLocked() UsageLevel {
	usage := float64(m.total) / float64(m.cfg.MaxTokens)
	switch {
	case usage >= m.cfg.CriticalThreshold:
		return LevelCritical
	case usage >= m.cfg.HighThreshold:
		return LevelHigh
	case usage >= m.cfg.WarningThreshold:
		return LevelElevated
	default:
		return LevelNormal
	}
}

func (m *Monitor) checkThresholdsLocked() {
	level := m.levelLocked()
	if level == m.lastLevel {
		return
	}
	prev := m.lastLevel
	m.lastLevel = level
	if m.bus == nil {
		return
	}
	// Only rising crossings are announced.
	switch {
	case level == LevelCritical:
		m.bus.PublishPriority(events.NewContextPressureEvent(m.sessionID, "critical", m.total, m.cfg.MaxTokens))
	case level == LevelHigh && prev != LevelCritical:
		m.bus.Publish(events.NewContextPressureEvent(m.sessionID, "warning", m.total, m.cfg.MaxTokens))
	case level == LevelElevated && prev == LevelNormal:
		m.bus.Publish(events.NewContextPressureEvent(m.sessionID, "warning", m.total, m.cfg.MaxTokens))
	}
	if m.total > m.cfg.MaxTokens {
		m.bus.PublishPriority(events.NewContextPressureEvent(m.sessionID, "limit_exceeded", m.total, m.cfg.MaxTokens))
	}
}

// compressionFactor maps a strategy to the token fraction retained.
func compressionFactor(strategy CompressionStrategy) float64 {
	switch strategy {
	case CompressLight:
		return 0.75
	case CompressAggressive:
		return 0.25
	default: // moderate
		return 0.50
	}
}

// Compress shrinks compressible items per strategy. Aggressive passes
// additionally drop compressible low-priority items entirely.
func (m *Monitor) Compress(strategy CompressionStrategy) CompressResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	factor := compressionFactor(strategy)
	result := CompressResult{}

	for id, item := range m.items {
		if !item.Compressible || protectedType(item.Type) {
			continue
		}
		if strategy == CompressAggressive && item.Priority < 30 {
			result.TokensSaved += item.TokenCount
			m.total -= item.TokenCount
			delete(m.items, id)
			result.ItemsRemoved++
			continue
		}
		reduced := int(float64(item.TokenCount) * factor)
		if reduced < 1 {
			reduced = 1
		}
		if reduced < item.TokenCount {
			result.TokensSaved += item.TokenCount - reduced
			m.total -= item.TokenCount - reduced
			item.TokenCount = reduced
			result.ItemsCompressed++
		}
	}
	result.Performed = result.ItemsCompressed > 0 || result.ItemsRemoved > 0

	if result.Performed && m.bus != nil {
		m.bus.Publish(events.NewContextMaintainedEvent(m.sessionID, "compression_performed",
			result.ItemsCompressed+result.ItemsRemoved, result.TokensSaved))
	}
	return result
}

// Archive removes archivable items, lowest priority and oldest first,
// honouring the option constraints. Removed items' reference ids are
// returned so callers can fetch them from the artifact store later.
func (m *Monitor) Archive(opts ArchiveOptions) ArchiveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Item
	perType := make(map[ItemType]int)
	for _, item := range m.items {
		perType[item.Type]++
	}
	now := time.Now()
	for _, item := range m.items {
		if !item.Archivable || protectedType(item.Type) {
			continue
		}
		if opts.OlderThan > 0 && now.Sub(item.LastAccessedAt) < opts.OlderThan {
			continue
		}
		if opts.BelowPriority > 0 && item.Priority >= opts.BelowPriority {
			continue
		}
		candidates = append(candidates, item)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	result := ArchiveResult{}
	for _, item := range candidates {
		if opts.MaxItems > 0 && result.ItemsArchived >= opts.MaxItems {
			break
		}
		if opts.KeepMinPerType > 0 && perType[item.Type] <= opts.KeepMinPerType {
			continue
		}
		m.total -= item.TokenCount
		result.TokensSaved += item.TokenCount
		if item.ReferenceID != "" {
			result.ArtifactIDs = append(result.ArtifactIDs, item.ReferenceID)
		}
		perType[item.Type]--
		delete(m.items, item.ID)
		result.ItemsArchived++
	}
	result.Performed = result.ItemsArchived > 0

	if result.Performed && m.bus != nil {
		m.bus.Publish(events.NewContextMaintainedEvent(m.sessionID, "archival_performed",
			result.ItemsArchived, result.TokensSaved))
	}
	return result
}

// GetRecommendedAction maps the usage level to the maintenance the
// monitor wants next.
func (m *Monitor) GetRecommendedAction() RecommendedAction {
	switch m.Level() {
	case LevelElevated:
		return RecommendedAction{Action: "compress", Strategy: CompressLight}
	case LevelHigh:
		return RecommendedAction{Action: "compress", Strategy: CompressModerate}
	case LevelCritical:
		return RecommendedAction{Action: "archive", Strategy: CompressAggressive}
	default:
		return RecommendedAction{Action: "none"}
	}
}

// EnforceBudget runs escalating compress and archive passes until the
// total fits the budget. Protected items survive every pass.
func (m *Monitor) EnforceBudget() {
	if m.TotalTokens() <= m.cfg.MaxTokens {
		return
	}
	m.Compress(CompressModerate)
	if m.TotalTokens() <= m.cfg.MaxTokens {
		return
	}
	m.Compress(CompressAggressive)
	if m.TotalTokens() <= m.cfg.MaxTokens {
		return
	}
	m.Archive(ArchiveOptions{})
}

// Stats is a point-in-time view for the status surface.
type Stats struct {
	TotalTokens int        `json:"total_tokens"`
	MaxTokens   int        `json:"max_tokens"`
	ItemCount   int        `json:"item_count"`
	Level       UsageLevel `json:"level"`
}

// GetStats returns current usage statistics.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalTokens: m.total,
		MaxTokens:   m.cfg.MaxTokens,
		ItemCount:   len(m.items),
		Level:       m.levelLocked(),
	}
}
