package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"relay/internal/kvstore"
)

func newTestStore() (*Store, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(nil, nil)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRememberAndRecallNewestFirst(t *testing.T) {
	s, now := newTestStore()
	s.Remember("chat", "first", nil, "")
	*now = now.Add(time.Minute)
	s.Remember("chat", "second", nil, "")

	records := s.Recall("chat", Filter{})
	if len(records) != 2 || records[0].Content != "second" {
		t.Fatalf("recall order wrong: %+v", records)
	}
	if records[0].Type != TypeFact {
		t.Fatalf("empty type should default to fact")
	}
}

func TestRecallFilters(t *testing.T) {
	s, _ := newTestStore()
	s.Remember("chat", "a fact", []string{"Go", "style"}, TypeFact)
	s.Remember("chat", "a decision", []string{"arch"}, TypeDecision)
	s.Remember("chat", "ctx", nil, TypeContext)

	if got := s.Recall("chat", Filter{Type: TypeDecision}); len(got) != 1 || got[0].Content != "a decision" {
		t.Fatalf("type filter: %+v", got)
	}
	// Tags normalize to lower case.
	if got := s.Recall("chat", Filter{Tag: "go"}); len(got) != 1 || got[0].Content != "a fact" {
		t.Fatalf("tag filter: %+v", got)
	}
	if got := s.Recall("chat", Filter{Limit: 2}); len(got) != 2 {
		t.Fatalf("limit: %+v", got)
	}
}

func TestSearchRanksContentAboveTags(t *testing.T) {
	s, now := newTestStore()
	s.Remember("a", "uses postgres for storage", nil, "")
	*now = now.Add(time.Minute)
	s.Remember("b", "database notes", []string{"postgres"}, "")

	results := s.Search("postgres")
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if !strings.Contains(results[0].Content, "uses postgres") {
		t.Fatalf("content match must rank first: %+v", results)
	}
}

func TestPruneAgeThenLRUIsDeterministic(t *testing.T) {
	s, now := newTestStore()
	s.Remember("chat", "ancient", nil, "")
	*now = now.Add(40 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		s.Remember("chat", fmt.Sprintf("recent-%d", i), nil, "")
	}
	// Touch two records so LRU keeps them.
	*now = now.Add(time.Hour)
	s.Recall("chat", Filter{Limit: 2})

	evicted := s.Prune(30*24*time.Hour, 2)
	if evicted != 4 {
		t.Fatalf("want 4 evictions (1 aged + 3 LRU), got %d", evicted)
	}
	if got := s.Prune(30*24*time.Hour, 2); got != 0 {
		t.Fatalf("prune must be a fixed point, second pass evicted %d", got)
	}
	if records := s.Recall("chat", Filter{}); len(records) != 2 {
		t.Fatalf("want 2 survivors, got %d", len(records))
	}
}

func TestBuildContextWindowRespectsBudget(t *testing.T) {
	s, _ := newTestStore()
	s.Remember("chat", strings.Repeat("x", 50), nil, "")
	s.Remember("chat", strings.Repeat("y", 50), nil, "")

	window := s.BuildContextWindow("chat", 60)
	if !strings.HasPrefix(window, "- ") {
		t.Fatalf("window format: %q", window)
	}
	if strings.Count(window, "- ") != 1 {
		t.Fatalf("only one record fits a 60-char budget: %q", window)
	}
	if s.BuildContextWindow("chat", 0) != "" {
		t.Fatalf("zero budget yields empty window")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	kv := kvstore.NewMemStore()
	s := NewStore(kv, nil)
	s.Remember("chat", "durable fact", []string{"t"}, TypeFact)

	reloaded := NewStore(kv, nil)
	records := reloaded.Recall("chat", Filter{})
	if len(records) != 1 || records[0].Content != "durable fact" {
		t.Fatalf("reload lost records: %+v", records)
	}
}

func TestClearRemovesPersistedKeys(t *testing.T) {
	kv := kvstore.NewMemStore()
	s := NewStore(kv, nil)
	s.Remember("chat", "gone soon", nil, "")
	s.Clear()

	if stats := s.Stats(); stats.TotalRecords != 0 {
		t.Fatalf("stats after clear: %+v", stats)
	}
	if keys := kv.Keys("memory."); len(keys) != 0 {
		t.Fatalf("persisted keys should be deleted: %v", keys)
	}
}
