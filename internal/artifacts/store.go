// Package artifacts stores produced artifacts. Full content lives here;
// the orchestrator only ever pulls summaries into its context.
package artifacts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/internal/core"
)

// summaryMaxLen bounds the derived summary when the producer supplies none.
const summaryMaxLen = 280

type artifact struct {
	ID           string
	Type         core.ArtifactType
	Status       core.ArtifactStatus
	ProducerID   string
	ProducerRole string
	Content      string
	Summary      string
	Related      []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is an in-memory core.ArtifactStore.
type Store struct {
	mu        sync.Mutex
	artifacts map[string]*artifact
	order     []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{artifacts: make(map[string]*artifact)}
}

// CreateArtifact stores content and returns the new artifact id. The
// summary is the first line of the content, truncated.
func (s *Store) CreateArtifact(ctx context.Context, t core.ArtifactType, producerID, producerRole, fullContent string, related []string) (string, error) {
	if fullContent == "" {
		return "", core.ErrInvalidMessage("content", "is required")
	}
	now := time.Now()
	a := &artifact{
		ID:           uuid.NewString(),
		Type:         t,
		Status:       core.ArtifactStatusDraft,
		ProducerID:   producerID,
		ProducerRole: producerRole,
		Content:      fullContent,
		Summary:      summarize(fullContent),
		Related:      append([]string(nil), related...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	s.order = append(s.order, a.ID)
	return a.ID, nil
}

// GetArtifact returns the full content.
func (s *Store) GetArtifact(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return "", core.ErrNotFound("artifact", id)
	}
	return a.Content, nil
}

// GetArtifactSummary returns the artifact's summary reference.
func (s *Store) GetArtifactSummary(ctx context.Context, id string) (*core.ArtifactSummaryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, core.ErrNotFound("artifact", id)
	}
	ref := a.summaryRef()
	return &ref, nil
}

// UpdateArtifactStatus records review progress.
func (s *Store) UpdateArtifactStatus(ctx context.Context, id string, status core.ArtifactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return core.ErrNotFound("artifact", id)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

// UpdateArtifactContent replaces the content and refreshes the summary.
func (s *Store) UpdateArtifactContent(ctx context.Context, id, fullContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return core.ErrNotFound("artifact", id)
	}
	a.Content = fullContent
	a.Summary = summarize(fullContent)
	a.UpdatedAt = time.Now()
	return nil
}

// GetAllSummaries lists summaries in creation order.
func (s *Store) GetAllSummaries(ctx context.Context) ([]core.ArtifactSummaryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ArtifactSummaryRef, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.artifacts[id]; ok {
			out = append(out, a.summaryRef())
		}
	}
	return out, nil
}

func (a *artifact) summaryRef() core.ArtifactSummaryRef {
	return core.ArtifactSummaryRef{
		ArtifactID:   a.ID,
		ArtifactType: a.Type,
		Summary:      a.Summary,
		Status:       a.Status,
		ProducerRole: a.ProducerRole,
	}
}

func summarize(content string) string {
	line := content
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		line = content[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > summaryMaxLen {
		line = line[:summaryMaxLen]
	}
	return line
}
