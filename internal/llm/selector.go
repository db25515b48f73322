package llm

import (
	"strings"
	"sync"
)

// Preference is a per-agent (or per-category) model choice with generation
// options.
type Preference struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Selector maps agent ids and agent categories to model preferences. Lookup
// order: exact agent id, then category, then the request's default model.
// Selection happens inside the agent send helpers, not in the dispatcher, so
// the chosen model follows the active agent even across delegation.
type Selector struct {
	mu       sync.RWMutex
	byAgent  map[string]Preference
	fallback Preference
}

// NewSelector builds an empty selector.
func NewSelector() *Selector {
	return &Selector{byAgent: make(map[string]Preference)}
}

// Configure replaces all preferences. Keys are agent ids or category names.
func (s *Selector) Configure(prefs map[string]Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgent = make(map[string]Preference, len(prefs))
	for key, pref := range prefs {
		s.byAgent[strings.TrimSpace(key)] = pref
	}
}

// SetFallback sets the preference applied when no mapping matches and the
// request carries no model.
func (s *Selector) SetFallback(pref Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = pref
}

// Select resolves the preference for an agent. requestModel is the model the
// host attached to the request and wins only when no per-agent mapping exists.
func (s *Selector) Select(agentID, category, requestModel string) Preference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pref, ok := s.byAgent[agentID]; ok && pref.Model != "" {
		return pref
	}
	if category != "" {
		if pref, ok := s.byAgent[category]; ok && pref.Model != "" {
			return pref
		}
	}
	if requestModel != "" {
		return Preference{Model: requestModel}
	}
	return s.fallback
}
