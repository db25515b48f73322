// Package memory keeps persistent per-agent facts with deterministic pruning
// and a character-budgeted context window used to enrich requests.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/kvstore"
	"relay/internal/logging"
)

// Record types.
const (
	TypeFact     = "fact"
	TypeDecision = "decision"
	TypeContext  = "context"
)

const (
	// DefaultMaxCount bounds records per store when the host sets no limit.
	DefaultMaxCount = 500
	// DefaultMaxAge is the default age threshold for pruning.
	DefaultMaxAge = 30 * 24 * time.Hour

	keyPrefix = "memory."
)

// Record is one remembered fact.
type Record struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
	Type       string    `json:"type"`
}

// Filter narrows Recall results.
type Filter struct {
	Type string
	Tag  string
	// Limit bounds the result count; zero means unbounded.
	Limit int
}

// Stats summarizes the store.
type Stats struct {
	TotalRecords   int            `json:"totalRecords"`
	PerAgentCounts map[string]int `json:"perAgentCounts"`
}

// Store holds per-agent memory records. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string][]*Record // agentID -> newest first
	store   kvstore.Store
	logger  logging.Logger
	now     func() time.Time
}

// NewStore loads any persisted records from the KV facility.
func NewStore(store kvstore.Store, logger logging.Logger) *Store {
	s := &Store{
		records: make(map[string][]*Record),
		store:   store,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
	s.load()
	return s
}

// Remember stores a new record for the agent. tags may be nil; recordType
// defaults to fact.
func (s *Store) Remember(agentID, content string, tags []string, recordType string) *Record {
	if recordType == "" {
		recordType = TypeFact
	}
	now := s.now()
	record := &Record{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Content:    content,
		Tags:       normalizeTags(tags),
		CreatedAt:  now,
		AccessedAt: now,
		Type:       recordType,
	}
	s.mu.Lock()
	s.records[agentID] = append([]*Record{record}, s.records[agentID]...)
	s.persistAgentLocked(agentID)
	s.mu.Unlock()
	return record
}

// Recall returns the agent's records, newest first, touching AccessedAt on
// every returned record.
func (s *Store) Recall(agentID string, filter Filter) []Record {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, record := range s.records[agentID] {
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.Tag != "" && !hasTag(record.Tags, filter.Tag) {
			continue
		}
		record.AccessedAt = now
		out = append(out, *record)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if len(out) > 0 {
		s.persistAgentLocked(agentID)
	}
	return out
}

// Search ranks records across all agents by substring match on content and
// tags. Content matches rank above tag-only matches; ties keep newest first.
func (s *Store) Search(query string) []Record {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}
	type scored struct {
		record Record
		rank   int
	}
	s.mu.Lock()
	var matches []scored
	for _, records := range s.records {
		for _, record := range records {
			rank := 0
			if strings.Contains(strings.ToLower(record.Content), needle) {
				rank = 2
			} else if tagMatches(record.Tags, needle) {
				rank = 1
			}
			if rank > 0 {
				matches = append(matches, scored{record: *record, rank: rank})
			}
		}
	}
	s.mu.Unlock()
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		return matches[i].record.CreatedAt.After(matches[j].record.CreatedAt)
	})
	out := make([]Record, len(matches))
	for i, m := range matches {
		out[i] = m.record
	}
	return out
}

// Prune evicts records deterministically: first everything older than maxAge,
// then LRU on AccessedAt until each agent holds at most maxCount. Zero values
// fall back to the defaults. Returns the eviction count. Pruning twice with
// no intervening writes evicts nothing the second time.
func (s *Store) Prune(maxAge time.Duration, maxCount int) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	cutoff := s.now().Add(-maxAge)
	evicted := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for agentID, records := range s.records {
		kept := records[:0]
		for _, record := range records {
			if record.CreatedAt.Before(cutoff) {
				evicted++
				continue
			}
			kept = append(kept, record)
		}
		if len(kept) > maxCount {
			byAccess := append([]*Record(nil), kept...)
			sort.SliceStable(byAccess, func(i, j int) bool {
				return byAccess[i].AccessedAt.After(byAccess[j].AccessedAt)
			})
			drop := make(map[string]bool, len(byAccess)-maxCount)
			for _, record := range byAccess[maxCount:] {
				drop[record.ID] = true
			}
			trimmed := kept[:0]
			for _, record := range kept {
				if drop[record.ID] {
					evicted++
					continue
				}
				trimmed = append(trimmed, record)
			}
			kept = trimmed
		}
		if len(kept) == 0 {
			delete(s.records, agentID)
		} else {
			s.records[agentID] = kept
		}
		s.persistAgentLocked(agentID)
	}
	return evicted
}

// Clear drops all records.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for agentID := range s.records {
		delete(s.records, agentID)
		if s.store != nil {
			if err := s.store.Delete(keyPrefix + agentID); err != nil {
				s.logger.Warn("clear memory for %s: %v", agentID, err)
			}
		}
	}
}

// Stats reports totals per agent.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{PerAgentCounts: make(map[string]int, len(s.records))}
	for agentID, records := range s.records {
		stats.PerAgentCounts[agentID] = len(records)
		stats.TotalRecords += len(records)
	}
	return stats
}

// BuildContextWindow concatenates the most recent records for the agent until
// the character budget is exhausted. Returns "" when nothing fits.
func (s *Store) BuildContextWindow(agentID string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	s.mu.Lock()
	records := s.records[agentID]
	var b strings.Builder
	for _, record := range records {
		line := "- " + record.Content + "\n"
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
		record.AccessedAt = s.now()
	}
	if b.Len() > 0 {
		s.persistAgentLocked(agentID)
	}
	s.mu.Unlock()
	return strings.TrimRight(b.String(), "\n")
}

func (s *Store) load() {
	if s.store == nil {
		return
	}
	for _, key := range s.store.Keys(keyPrefix) {
		agentID := strings.TrimPrefix(key, keyPrefix)
		var records []*Record
		if found, err := kvstore.GetJSON(s.store, key, &records); err != nil {
			s.logger.Warn("discarding unreadable memory snapshot for %s: %v", agentID, err)
			continue
		} else if !found {
			continue
		}
		s.records[agentID] = records
	}
}

// persistAgentLocked writes one agent's records. Persistence failure is
// logged and surfaced through the logger; the in-memory mutation stands.
func (s *Store) persistAgentLocked(agentID string) {
	if s.store == nil {
		return
	}
	records := s.records[agentID]
	if len(records) == 0 {
		if err := s.store.Delete(keyPrefix + agentID); err != nil {
			s.logger.Warn("delete memory key for %s: %v", agentID, err)
		}
		return
	}
	if err := kvstore.SetJSON(s.store, keyPrefix+agentID, records); err != nil {
		s.logger.Error("persist memory for %s: %v", agentID, err)
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	want = strings.ToLower(want)
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

func tagMatches(tags []string, needle string) bool {
	for _, tag := range tags {
		if strings.Contains(tag, needle) {
			return true
		}
	}
	return false
}
