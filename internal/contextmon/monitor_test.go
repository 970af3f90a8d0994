package contextmon

import (
	"fmt"
	"testing"
	"time"
)

func newTestMonitor(maxTokens int) *Monitor {
	cfg := DefaultConfig()
	cfg.MaxTokens = maxTokens
	return New("session-1", cfg, nil)
}

func TestMonitor_AddUpdateRemove(t *testing.T) {
	m := newTestMonitor(1000)

	m.AddItem(Item{ID: "a", Type: ItemArtifactSummary, TokenCount: 100, Priority: 50, Compressible: true, Archivable: true}, "")
	m.AddItem(Item{ID: "b", Type: ItemAgentStatus, TokenCount: 50, Priority: 40, Compressible: true, Archivable: true}, "")
	if m.TotalTokens() != 150 {
		t.Fatalf("expected 150 tokens, got %d", m.TotalTokens())
	}

	if !m.UpdateItemTokens("a", 200) {
		t.Fatalf("update failed")
	}
	if m.TotalTokens() != 250 {
		t.Fatalf("expected 250 tokens, got %d", m.TotalTokens())
	}

	// Replacing an item must not double-count.
	m.AddItem(Item{ID: "a", Type: ItemArtifactSummary, TokenCount: 100, Priority: 50}, "")
	if m.TotalTokens() != 150 {
		t.Fatalf("expected 150 tokens after replace, got %d", m.TotalTokens())
	}

	if !m.RemoveItem("b") {
		t.Fatalf("remove failed")
	}
	if m.RemoveItem("b") {
		t.Fatalf("second remove should fail")
	}
	if m.TotalTokens() != 100 {
		t.Fatalf("expected 100 tokens, got %d", m.TotalTokens())
	}
}

func TestMonitor_ProtectedItems(t *testing.T) {
	m := newTestMonitor(100)

	// Protected types are forced to non-compressible, non-archivable,
	// priority 100, even if the caller says otherwise.
	m.AddItem(Item{ID: "task", Type: ItemUserTask, TokenCount: 40, Priority: 1, Compressible: true, Archivable: true}, "")
	m.AddItem(Item{ID: "state", Type: ItemWorkflowState, TokenCount: 40, Priority: 1, Compressible: true, Archivable: true}, "")
	m.AddItem(Item{ID: "junk", Type: ItemMessageSummary, TokenCount: 40, Priority: 5, Compressible: true, Archivable: true}, "")

	m.Compress(CompressAggressive)
	m.Archive(ArchiveOptions{})

	if items := m.GetItemsByType(ItemUserTask); len(items) != 1 || items[0].TokenCount != 40 {
		t.Fatalf("user task item was touched: %+v", items)
	}
	if items := m.GetItemsByType(ItemWorkflowState); len(items) != 1 || items[0].TokenCount != 40 {
		t.Fatalf("workflow state item was touched: %+v", items)
	}
	if items := m.GetItemsByType(ItemMessageSummary); len(items) != 0 {
		t.Fatalf("junk item should have been dropped, got %+v", items)
	}
}

func TestMonitor_CompressStrategies(t *testing.T) {
	m := newTestMonitor(10_000)
	m.AddItem(Item{ID: "a", Type: ItemArtifactSummary, TokenCount: 400, Priority: 60, Compressible: true}, "")

	res := m.Compress(CompressLight)
	if !res.Performed || res.ItemsCompressed != 1 {
		t.Fatalf("expected light compression, got %+v", res)
	}
	if m.TotalTokens() != 300 {
		t.Fatalf("expected 300 tokens after light pass, got %d", m.TotalTokens())
	}

	res = m.Compress(CompressModerate)
	if m.TotalTokens() != 150 {
		t.Fatalf("expected 150 tokens after moderate pass, got %d", m.TotalTokens())
	}
	if res.TokensSaved != 150 {
		t.Fatalf("expected 150 saved, got %d", res.TokensSaved)
	}
}

func TestMonitor_ArchiveOrdering(t *testing.T) {
	m := newTestMonitor(10_000)
	now := time.Now()
	m.AddItem(Item{ID: "old-low", Type: ItemMessageSummary, TokenCount: 10, Priority: 10, Archivable: true, LastAccessedAt: now.Add(-2 * time.Hour), ReferenceID: "ref-1"}, "")
	m.AddItem(Item{ID: "new-low", Type: ItemMessageSummary, TokenCount: 10, Priority: 10, Archivable: true, LastAccessedAt: now}, "")
	m.AddItem(Item{ID: "high", Type: ItemArtifactSummary, TokenCount: 10, Priority: 90, Archivable: true, LastAccessedAt: now}, "")

	res := m.Archive(ArchiveOptions{MaxItems: 1})
	if res.ItemsArchived != 1 {
		t.Fatalf("expected one archived item, got %d", res.ItemsArchived)
	}
	if len(res.ArtifactIDs) != 1 || res.ArtifactIDs[0] != "ref-1" {
		t.Fatalf("expected oldest lowest-priority item first, got %v", res.ArtifactIDs)
	}
}

func TestMonitor_BudgetEnforced(t *testing.T) {
	m := newTestMonitor(500)
	m.AddItem(Item{ID: "task", Type: ItemUserTask, TokenCount: 100}, "")
	for i := 0; i < 20; i++ {
		m.AddItem(Item{
			ID:           fmt.Sprintf("item-%d", i),
			Type:         ItemMessageSummary,
			TokenCount:   50,
			Priority:     20,
			Compressible: true,
			Archivable:   true,
		}, "")
	}
	if m.TotalTokens() <= 500 {
		t.Fatalf("setup should exceed budget")
	}

	m.EnforceBudget()

	if m.TotalTokens() > 500 {
		t.Fatalf("budget not enforced: %d > 500", m.TotalTokens())
	}
	if items := m.GetItemsByType(ItemUserTask); len(items) != 1 {
		t.Fatalf("protected item removed during enforcement")
	}
}

func TestMonitor_Levels(t *testing.T) {
	m := newTestMonitor(100)
	if m.Level() != LevelNormal {
		t.Fatalf("expected normal, got %s", m.Level())
	}
	m.AddItem(Item{ID: "a", Type: ItemArtifactSummary, TokenCount: 65}, "")
	if m.Level() != LevelElevated {
		t.Fatalf("expected elevated, got %s", m.Level())
	}
	m.UpdateItemTokens("a", 85)
	if m.Level() != LevelHigh {
		t.Fatalf("expected high, got %s", m.Level())
	}
	m.UpdateItemTokens("a", 95)
	if m.Level() != LevelCritical {
		t.Fatalf("expected critical, got %s", m.Level())
	}

	action := m.GetRecommendedAction()
	if action.Action != "archive" {
		t.Fatalf("expected archive recommendation at critical, got %+v", action)
	}
}

func TestEstimator_Fallback(t *testing.T) {
	e := NewEstimator()
	n := e.Estimate("some reasonably sized piece of text for counting")
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
	if e.Estimate("") != 0 {
		t.Fatalf("empty text should be zero tokens")
	}
}
