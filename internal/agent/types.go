// Package agent defines the request-handling core: the Agent contract, the
// per-request context, and the registry that routes, delegates, and fans out
// work across agents.
package agent

import (
	"context"
	"time"
)

// Metadata keys agents and middlewares agree on.
const (
	// MetaFilesAffected lists workspace-relative paths an autonomous agent
	// touched; guardrails use it to complete the active checkpoint.
	MetaFilesAffected = "filesAffected"
	// MetaRemember set to false opts the response out of memory persistence.
	MetaRemember = "remember"
	// MetaThrottled marks a short-circuit result produced by the rate limiter.
	MetaThrottled = "throttled"
	// MetaDurationMs carries the handler latency recorded by the timing middleware.
	MetaDurationMs = "durationMs"
	// MetaSkippedBy names the middleware that short-circuited the request.
	MetaSkippedBy = "skippedBy"
)

// Request is one user turn handed to the dispatcher by the host.
type Request struct {
	Prompt     string   `json:"prompt"`
	Command    string   `json:"command,omitempty"`
	References []string `json:"references,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// Turn is a single conversation history entry.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TurnID    string    `json:"turnId"`
	Timestamp time.Time `json:"timestamp"`
}

// Suggestion is a follow-up the host may offer after a response.
type Suggestion struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// Result is what an agent returns from Handle. The rendered response itself
// travels through the output stream; Result carries structured side-channel
// data only.
type Result struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	FollowUps []Suggestion   `json:"followUps,omitempty"`
}

// Meta returns the metadata map, allocating it on first use.
func (r *Result) Meta() map[string]any {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	return r.Metadata
}

// FilesAffected extracts the MetaFilesAffected list if present.
func (r *Result) FilesAffected() []string {
	if r == nil || r.Metadata == nil {
		return nil
	}
	switch v := r.Metadata[MetaFilesAffected].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RememberOptOut reports whether the agent asked to skip memory persistence.
func (r *Result) RememberOptOut() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata[MetaRemember].(bool)
	return ok && !v
}

// Context is the per-request record handed to an agent's Handle. Agents must
// treat it as read-only; enrichment happens only in the dispatcher before the
// middleware pipeline runs.
type Context struct {
	Request  Request
	History  []Turn
	Stream   Stream
	Token    *CancelToken
	Enriched string

	// Values is scratch space shared by the dispatcher and middlewares for a
	// single request (timing marks, usage attribution). Agents do not read it.
	Values map[string]any
}

// WithPrompt returns a shallow copy whose request prompt is replaced. The
// original context is never mutated.
func (c *Context) WithPrompt(prompt string) *Context {
	clone := *c
	clone.Request.Prompt = prompt
	return &clone
}

// WithStream returns a shallow copy writing to a different output stream.
func (c *Context) WithStream(stream Stream) *Context {
	clone := *c
	clone.Stream = stream
	return &clone
}

// Agent is a named request handler. Identity is immutable for the agent's
// lifetime in the registry; the slash-command alias equals ID.
type Agent interface {
	ID() string
	DisplayName() string
	Description() string
	// Autonomous reports whether Handle performs file or shell side effects.
	// Autonomous agents always run under a guardrail checkpoint.
	Autonomous() bool
	Handle(ctx context.Context, ac *Context) (*Result, error)
}
