package artifacts

import (
	"context"
	"strings"
	"testing"

	"github.com/tandem-ai/tandem/internal/core"
)

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.CreateArtifact(ctx, core.ArtifactImplementationPlan, "architect_1", "architect", "Implementation plan\n\n1. Parse input\n2. Build index", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	content, err := s.GetArtifact(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.HasPrefix(content, "Implementation plan") {
		t.Fatalf("content = %q", content)
	}

	ref, err := s.GetArtifactSummary(ctx, id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if ref.Summary != "Implementation plan" {
		t.Fatalf("summary = %q", ref.Summary)
	}
	if ref.Status != core.ArtifactStatusDraft {
		t.Fatalf("status = %q", ref.Status)
	}
	if ref.ProducerRole != "architect" {
		t.Fatalf("producer role = %q", ref.ProducerRole)
	}
}

func TestStore_EmptyContentRejected(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateArtifact(context.Background(), core.ArtifactImplementationPlan, "a1", "architect", "", nil); err == nil {
		t.Fatalf("empty content accepted")
	}
}

func TestStore_SummaryTruncated(t *testing.T) {
	s := NewStore()
	long := strings.Repeat("x", summaryMaxLen*2)
	id, err := s.CreateArtifact(context.Background(), core.ArtifactCode, "c1", "primary-coder", long, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ref, err := s.GetArtifactSummary(context.Background(), id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(ref.Summary) != summaryMaxLen {
		t.Fatalf("summary length = %d, want %d", len(ref.Summary), summaryMaxLen)
	}
}

func TestStore_StatusAndContentUpdates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, _ := s.CreateArtifact(ctx, core.ArtifactCode, "c1", "primary-coder", "v1 of the change", nil)

	if err := s.UpdateArtifactStatus(ctx, id, core.ArtifactStatusApproved); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.UpdateArtifactContent(ctx, id, "v2 of the change\nwith detail"); err != nil {
		t.Fatalf("update content: %v", err)
	}

	ref, _ := s.GetArtifactSummary(ctx, id)
	if ref.Status != core.ArtifactStatusApproved {
		t.Fatalf("status = %q", ref.Status)
	}
	if ref.Summary != "v2 of the change" {
		t.Fatalf("summary not refreshed: %q", ref.Summary)
	}

	if err := s.UpdateArtifactStatus(ctx, "missing", core.ArtifactStatusApproved); err == nil {
		t.Fatalf("update of missing artifact succeeded")
	}
}

func TestStore_AllSummariesInCreationOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	first, _ := s.CreateArtifact(ctx, core.ArtifactImplementationPlan, "a1", "architect", "plan", nil)
	second, _ := s.CreateArtifact(ctx, core.ArtifactCode, "c1", "primary-coder", "code", []string{first})

	refs, err := s.GetAllSummaries(ctx)
	if err != nil {
		t.Fatalf("all summaries: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d summaries", len(refs))
	}
	if refs[0].ArtifactID != first || refs[1].ArtifactID != second {
		t.Fatalf("order = %s, %s", refs[0].ArtifactID, refs[1].ArtifactID)
	}
}
