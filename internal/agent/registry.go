package agent

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"relay/internal/llm"
	"relay/internal/logging"
)

const routeCacheSize = 128

// Registry holds all registered agents and routes requests to them. The first
// registration becomes the default; SetDefault overrides it.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	order     []string
	defaultID string

	client llm.Client
	logger logging.Logger

	// routeCache memoizes smart-route decisions per normalized prompt. It is
	// flushed on every registry mutation so stale ids never leak out.
	routeCache *lru.Cache[string, string]
}

// NewRegistry constructs an empty registry. client powers smart routing and
// may be nil when only direct routing is used.
func NewRegistry(client llm.Client, logger logging.Logger) *Registry {
	cache, err := lru.New[string, string](routeCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		cache = nil
	}
	return &Registry{
		agents:     make(map[string]Agent),
		client:     client,
		logger:     logging.OrNop(logger),
		routeCache: cache,
	}
}

// Register adds an agent by id. Re-registering an id replaces the previous
// agent in place, keeping its registration order.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("nil agent")
	}
	id := strings.TrimSpace(a.ID())
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; !exists {
		r.order = append(r.order, id)
	}
	r.agents[id] = a
	if r.defaultID == "" {
		r.defaultID = id
	}
	r.flushRouteCacheLocked()
	r.logger.Debug("registered agent %s (default=%s)", id, r.defaultID)
	return nil
}

// Unregister removes an agent. When the default is removed, the default
// resets to the earliest remaining registration, stable across calls.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.defaultID == id {
		r.defaultID = ""
		if len(r.order) > 0 {
			r.defaultID = r.order[0]
		}
	}
	r.flushRouteCacheLocked()
	return true
}

// SetDefault marks an existing agent as the routing default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	r.defaultID = id
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Default returns the current default agent, if any.
func (r *Registry) Default() (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return nil, false
	}
	a, ok := r.agents[r.defaultID]
	return a, ok
}

// List returns all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		if a, ok := r.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Resolve picks an agent for a request without consulting the model:
// slash command first (unknown commands fall back to the default), then the
// first profile agent present in the registry, then the default.
func (r *Registry) Resolve(ac *Context, profileAgents []string) (Agent, bool) {
	if cmd := strings.TrimSpace(ac.Request.Command); cmd != "" {
		if a, ok := r.Get(cmd); ok {
			return a, true
		}
		return r.Default()
	}
	for _, id := range profileAgents {
		if a, ok := r.Get(strings.TrimSpace(id)); ok {
			return a, true
		}
	}
	return r.Default()
}

func (r *Registry) flushRouteCacheLocked() {
	if r.routeCache != nil {
		r.routeCache.Purge()
	}
}
