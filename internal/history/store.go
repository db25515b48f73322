// Package history persists the conversation transcript through the host KV
// facility and answers bounded tail queries for context enrichment.
package history

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/agent"
	"relay/internal/kvstore"
	"relay/internal/logging"
)

const persistKey = "conversations"

// maxRetained caps the transcript length kept in memory and on disk.
const maxRetained = 1000

// Store is the conversation history. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	turns  []agent.Turn
	store  kvstore.Store
	logger logging.Logger
}

// NewStore loads any persisted transcript.
func NewStore(store kvstore.Store, logger logging.Logger) *Store {
	s := &Store{store: store, logger: logging.OrNop(logger)}
	if store != nil {
		if _, err := kvstore.GetJSON(store, persistKey, &s.turns); err != nil {
			s.logger.Warn("discarding unreadable conversation snapshot: %v", err)
			s.turns = nil
		}
	}
	return s
}

// Append records one turn and returns it with id and timestamp filled in.
func (s *Store) Append(role, content string) agent.Turn {
	turn := agent.Turn{
		Role:      role,
		Content:   content,
		TurnID:    uuid.NewString(),
		Timestamp: time.Now(),
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	if len(s.turns) > maxRetained {
		s.turns = s.turns[len(s.turns)-maxRetained:]
	}
	s.persistLocked()
	s.mu.Unlock()
	return turn
}

// Tail returns up to maxTurns most recent turns whose combined content stays
// within maxChars, oldest first.
func (s *Store) Tail(maxTurns, maxChars int) []agent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.Turn
	chars := 0
	for i := len(s.turns) - 1; i >= 0; i-- {
		if maxTurns > 0 && len(out) >= maxTurns {
			break
		}
		turn := s.turns[i]
		if maxChars > 0 && chars+len(turn.Content) > maxChars {
			break
		}
		chars += len(turn.Content)
		out = append(out, turn)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// All returns the full transcript.
func (s *Store) All() []agent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Turn(nil), s.turns...)
}

// Clear drops the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.persistLocked()
}

// Render formats turns for prompt inclusion.
func Render(turns []agent.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Store) persistLocked() {
	if s.store == nil {
		return
	}
	if err := kvstore.SetJSON(s.store, persistKey, s.turns); err != nil {
		s.logger.Error("persist conversations: %v", err)
	}
}
