// Package checkpoint persists immutable workflow snapshots and restores
// them. Snapshots are stored through the StorageAdapter port as versioned
// JSON; a small LRU keeps recently touched checkpoints in memory.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/workflow"
)

// Status is a checkpoint's lifecycle status.
type Status string

const (
	StatusActive   Status = "active"
	StatusRestored Status = "restored"
	StatusExpired  Status = "expired"
	StatusDeleted  Status = "deleted"
)

// Checkpoint is one write-once snapshot. Status and RestoredAt are the only
// fields that change after creation.
type Checkpoint struct {
	ID           string                    `json:"id"`
	SessionID    string                    `json:"session_id"`
	Name         string                    `json:"name,omitempty"`
	Description  string                    `json:"description,omitempty"`
	Workflow     workflow.Snapshot         `json:"workflow"`
	ArtifactRefs []core.ArtifactSummaryRef `json:"artifact_refs,omitempty"`
	AgentRefs    []core.AgentRef           `json:"agent_refs,omitempty"`
	Status       Status                    `json:"status"`
	Tags         []string                  `json:"tags,omitempty"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	ExpiresAt    *time.Time                `json:"expires_at,omitempty"`
	RestoredAt   *time.Time                `json:"restored_at,omitempty"`
}

const recordVersion = 1

// record is the persisted envelope.
type record struct {
	Version    int        `json:"version"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// Config tunes the checkpoint service.
type Config struct {
	MaxCheckpointsPerSession int
	DefaultExpiry            time.Duration
	RestoreCacheSize         int
}

// DefaultConfig returns the default checkpoint configuration.
func DefaultConfig() Config {
	return Config{
		MaxCheckpointsPerSession: 50,
		RestoreCacheSize:         16,
	}
}

// CreateInput carries everything a new checkpoint snapshots.
type CreateInput struct {
	Name         string
	Description  string
	Workflow     workflow.Snapshot
	ArtifactRefs []core.ArtifactSummaryRef
	AgentRefs    []core.AgentRef
	Tags         []string
	Metadata     map[string]any
	ExpiresAt    *time.Time
}

// RestoreOptions selects which parts of a checkpoint a restore surfaces.
// Zero value restores everything.
type RestoreOptions struct {
	SkipArtifacts bool
	SkipAgents    bool
	SkipContext   bool
	SkipHistory   bool
}

// RestoreResult is the outcome of a restore.
type RestoreResult struct {
	Checkpoint   *Checkpoint
	State        workflow.State
	Context      *workflow.Context
	History      []workflow.HistoryEntry
	ArtifactRefs []core.ArtifactSummaryRef
	AgentRefs    []core.AgentRef
	Warnings     []string
}

// ListOptions filters and paginates List.
type ListOptions struct {
	SessionID string
	Status    Status
	State     workflow.State
	Tag       string
	Offset    int
	Limit     int
}

// CleanupOptions selects which checkpoints Cleanup removes.
type CleanupOptions struct {
	OlderThan     time.Duration
	Statuses      []Status
	MaxPerSession int
	DryRun        bool
}

// CleanupResult reports what Cleanup removed (or would remove).
type CleanupResult struct {
	Examined int
	Removed  int
	IDs      []string
	DryRun   bool
}

// Stats aggregates the stored checkpoints for one service.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	BySession map[string]int `json:"by_session"`
	OldestAt  time.Time      `json:"oldest_at,omitempty"`
	NewestAt  time.Time      `json:"newest_at,omitempty"`
}

// Service stores and restores checkpoints for one session scope.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	storage core.StorageAdapter
	bus     *events.Bus
	logger  *logging.Logger
	cache   *lru.Cache[string, *Checkpoint]
}

// NewService creates a checkpoint service on top of a storage adapter.
func NewService(cfg Config, storage core.StorageAdapter, bus *events.Bus, logger *logging.Logger) (*Service, error) {
	if storage == nil {
		return nil, core.ErrInternal("checkpoint service requires a storage adapter")
	}
	if cfg.MaxCheckpointsPerSession <= 0 {
		cfg.MaxCheckpointsPerSession = DefaultConfig().MaxCheckpointsPerSession
	}
	if cfg.RestoreCacheSize <= 0 {
		cfg.RestoreCacheSize = DefaultConfig().RestoreCacheSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cache, err := lru.New[string, *Checkpoint](cfg.RestoreCacheSize)
	if err != nil {
		return nil, core.ErrInternal("checkpoint cache").WithCause(err)
	}
	return &Service{cfg: cfg, storage: storage, bus: bus, logger: logger, cache: cache}, nil
}

func checkpointKey(id string) string   { return "checkpoint:" + id }
func indexKey(sessionID string) string { return "checkpoint_index:" + sessionID }

// Create stores a new active checkpoint. The per-session cap evicts the
// oldest checkpoint when exceeded.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Checkpoint, error) {
	sessionID := in.Workflow.SessionID
	if sessionID == "" {
		return nil, core.ErrInvalidMessage("session_id", "is required")
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Name:         in.Name,
		Description:  in.Description,
		Workflow:     in.Workflow,
		ArtifactRefs: in.ArtifactRefs,
		AgentRefs:    in.AgentRefs,
		Status:       StatusActive,
		Tags:         in.Tags,
		Metadata:     in.Metadata,
		CreatedAt:    time.Now(),
		ExpiresAt:    in.ExpiresAt,
	}
	if cp.ExpiresAt == nil && s.cfg.DefaultExpiry > 0 {
		exp := cp.CreatedAt.Add(s.cfg.DefaultExpiry)
		cp.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for len(ids) >= s.cfg.MaxCheckpointsPerSession {
		oldest := ids[0]
		ids = ids[1:]
		if err := s.storage.RemoveItem(ctx, checkpointKey(oldest)); err != nil {
			s.logger.Warn("evicting old checkpoint failed", "checkpoint_id", oldest, "error", err)
		}
		s.cache.Remove(oldest)
	}

	if err := s.save(ctx, cp); err != nil {
		return nil, err
	}
	ids = append(ids, cp.ID)
	if err := s.saveIndex(ctx, sessionID, ids); err != nil {
		return nil, err
	}
	s.cache.Add(cp.ID, cp)

	if s.bus != nil {
		s.bus.Publish(events.NewCheckpointCreatedEvent(sessionID, cp.ID, string(cp.Workflow.State), cp.Name))
	}
	s.logger.Debug("checkpoint created", "checkpoint_id", cp.ID, "state", cp.Workflow.State, "name", cp.Name)
	return cp.copyOut(), nil
}

// Get loads one checkpoint by id.
func (s *Service) Get(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return cp.copyOut(), nil
}

// GetLatest returns the most recently created active checkpoint for the
// session.
func (s *Service) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		cp, err := s.load(ctx, ids[i])
		if err != nil {
			continue
		}
		if cp.Status == StatusActive && !s.expired(cp) {
			return cp.copyOut(), nil
		}
	}
	return nil, core.ErrNotFound("checkpoint for session", sessionID)
}

// GetForState returns every checkpoint taken at the given workflow state,
// newest first.
func (s *Service) GetForState(ctx context.Context, sessionID string, state workflow.State) ([]*Checkpoint, error) {
	return s.List(ctx, ListOptions{SessionID: sessionID, State: state})
}

// List returns checkpoints matching the options, newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	if opts.SessionID == "" {
		return nil, core.ErrInvalidMessage("session_id", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadIndex(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}

	var out []*Checkpoint
	for _, id := range ids {
		cp, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		if opts.Status != "" && cp.Status != opts.Status {
			continue
		}
		if opts.State != "" && cp.Workflow.State != opts.State {
			continue
		}
		if opts.Tag != "" && !hasTag(cp.Tags, opts.Tag) {
			continue
		}
		out = append(out, cp.copyOut())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Restore loads a checkpoint, marks it restored, and returns the selected
// snapshot parts. The caller re-applies them to the state machine.
func (s *Service) Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Status == StatusDeleted {
		return nil, core.ErrNotFound("checkpoint", id)
	}

	result := &RestoreResult{
		Checkpoint: cp.copyOut(),
		State:      cp.Workflow.State,
	}
	if s.expired(cp) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("checkpoint %s expired at %s", id, cp.ExpiresAt.Format(time.RFC3339)))
	}
	if !opts.SkipContext {
		ctxCopy := cp.Workflow.Context
		result.Context = &ctxCopy
	}
	if !opts.SkipHistory {
		result.History = append([]workflow.HistoryEntry(nil), cp.Workflow.History...)
	}
	if !opts.SkipArtifacts {
		result.ArtifactRefs = append([]core.ArtifactSummaryRef(nil), cp.ArtifactRefs...)
	}
	if !opts.SkipAgents {
		result.AgentRefs = append([]core.AgentRef(nil), cp.AgentRefs...)
	}

	now := time.Now()
	cp.Status = StatusRestored
	cp.RestoredAt = &now
	if err := s.save(ctx, cp); err != nil {
		result.Warnings = append(result.Warnings, "failed to persist restored status: "+err.Error())
	}
	s.cache.Add(cp.ID, cp)

	s.logger.Info("checkpoint restored", "checkpoint_id", id, "state", cp.Workflow.State)
	return result, nil
}

// Delete marks a checkpoint deleted and removes its stored record.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.storage.RemoveItem(ctx, checkpointKey(id)); err != nil {
		return core.ErrInternal("deleting checkpoint "+id).WithCause(err)
	}
	s.cache.Remove(id)

	ids, err := s.loadIndex(ctx, cp.SessionID)
	if err == nil {
		ids = removeID(ids, id)
		if err := s.saveIndex(ctx, cp.SessionID, ids); err != nil {
			s.logger.Warn("updating checkpoint index failed", "session_id", cp.SessionID, "error", err)
		}
	}
	return nil
}

// Cleanup removes checkpoints by age, status, and per-session cap. With
// DryRun it only reports what would be removed.
func (s *Service) Cleanup(ctx context.Context, sessionID string, opts CleanupOptions) (*CleanupResult, error) {
	s.mu.Lock()
	ids, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	statuses := make(map[Status]bool, len(opts.Statuses))
	for _, st := range opts.Statuses {
		statuses[st] = true
	}
	cutoff := time.Time{}
	if opts.OlderThan > 0 {
		cutoff = time.Now().Add(-opts.OlderThan)
	}

	result := &CleanupResult{DryRun: opts.DryRun}
	var doomed []string
	var kept []string
	for _, id := range ids {
		cp, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		result.Examined++
		remove := false
		if !cutoff.IsZero() && cp.CreatedAt.Before(cutoff) {
			remove = true
		}
		if len(statuses) > 0 && statuses[cp.Status] {
			remove = true
		}
		if s.expired(cp) {
			remove = true
		}
		if remove {
			doomed = append(doomed, id)
		} else {
			kept = append(kept, id)
		}
	}

	if opts.MaxPerSession > 0 && len(kept) > opts.MaxPerSession {
		excess := len(kept) - opts.MaxPerSession
		doomed = append(doomed, kept[:excess]...)
		kept = kept[excess:]
	}
	s.mu.Unlock()

	result.IDs = doomed
	result.Removed = len(doomed)
	if opts.DryRun {
		return result, nil
	}
	for _, id := range doomed {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("cleanup delete failed", "checkpoint_id", id, "error", err)
		}
	}
	return result, nil
}

// GetStats aggregates the session's stored checkpoints.
func (s *Service) GetStats(ctx context.Context, sessionID string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByStatus:  make(map[Status]int),
		BySession: make(map[string]int),
	}
	for _, id := range ids {
		cp, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		stats.Total++
		stats.ByStatus[cp.Status]++
		stats.BySession[cp.SessionID]++
		if stats.OldestAt.IsZero() || cp.CreatedAt.Before(stats.OldestAt) {
			stats.OldestAt = cp.CreatedAt
		}
		if cp.CreatedAt.After(stats.NewestAt) {
			stats.NewestAt = cp.CreatedAt
		}
	}
	return stats, nil
}

func (s *Service) expired(cp *Checkpoint) bool {
	return cp.ExpiresAt != nil && time.Now().After(*cp.ExpiresAt)
}

func (s *Service) save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(record{Version: recordVersion, Checkpoint: *cp})
	if err != nil {
		return core.ErrInternal("encoding checkpoint " + cp.ID).WithCause(err)
	}
	if err := s.storage.SetItem(ctx, checkpointKey(cp.ID), string(data)); err != nil {
		return core.ErrInternal("persisting checkpoint " + cp.ID).WithCause(err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*Checkpoint, error) {
	if cp, ok := s.cache.Get(id); ok {
		return cp, nil
	}
	raw, ok, err := s.storage.GetItem(ctx, checkpointKey(id))
	if err != nil {
		return nil, core.ErrInternal("loading checkpoint " + id).WithCause(err)
	}
	if !ok {
		return nil, core.ErrNotFound("checkpoint", id)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, core.ErrInternal("decoding checkpoint " + id).WithCause(err)
	}
	if rec.Version != recordVersion {
		return nil, core.ErrInternal(fmt.Sprintf("unsupported checkpoint version %d", rec.Version))
	}
	cp := rec.Checkpoint
	s.cache.Add(id, &cp)
	return &cp, nil
}

func (s *Service) loadIndex(ctx context.Context, sessionID string) ([]string, error) {
	raw, ok, err := s.storage.GetItem(ctx, indexKey(sessionID))
	if err != nil {
		return nil, core.ErrInternal("loading checkpoint index").WithCause(err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, core.ErrInternal("decoding checkpoint index").WithCause(err)
	}
	return ids, nil
}

func (s *Service) saveIndex(ctx context.Context, sessionID string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return core.ErrInternal("encoding checkpoint index").WithCause(err)
	}
	if err := s.storage.SetItem(ctx, indexKey(sessionID), string(data)); err != nil {
		return core.ErrInternal("persisting checkpoint index").WithCause(err)
	}
	return nil
}

func (cp *Checkpoint) copyOut() *Checkpoint {
	out := *cp
	out.ArtifactRefs = append([]core.ArtifactSummaryRef(nil), cp.ArtifactRefs...)
	out.AgentRefs = append([]core.AgentRef(nil), cp.AgentRefs...)
	out.Tags = append([]string(nil), cp.Tags...)
	return &out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
