package agent

import (
	"context"
	"fmt"
	"strings"

	"relay/internal/llm"
)

// RouteHint carries telemetry-derived signals the router may show the model
// next to an agent's description.
type RouteHint struct {
	SuccessRate  float64
	AvgLatencyMs int64
}

// RouteOptions tunes smart routing.
type RouteOptions struct {
	// ProfileAgents restricts the candidate set when non-empty.
	ProfileAgents []string
	// Hints maps agent id to telemetry hints; missing entries are omitted
	// from the roster.
	Hints map[string]RouteHint
	// Model overrides the routing model; empty uses the request model.
	Model string
}

// SmartRoute asks the model to pick the best agent from the roster of ids and
// descriptions. The reply is sanitized and validated against the registry;
// on transport failure, an invalid reply, or an empty registry the default
// agent wins. The model never sees user-provided code, only descriptions.
func (r *Registry) SmartRoute(ctx context.Context, ac *Context, opts RouteOptions) (Agent, error) {
	candidates := r.routeCandidates(opts.ProfileAgents)
	if len(candidates) == 0 {
		if a, ok := r.Default(); ok {
			return a, nil
		}
		return nil, ErrEmptyRegistry
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	fallback, hasDefault := r.Default()
	if !hasDefault {
		fallback = candidates[0]
	}
	if r.client == nil {
		return fallback, nil
	}

	cacheKey := routeCacheKey(ac.Request.Prompt, opts.ProfileAgents)
	if r.routeCache != nil {
		if id, ok := r.routeCache.Get(cacheKey); ok {
			if a, found := r.Get(id); found {
				return a, nil
			}
		}
	}

	model := opts.Model
	if model == "" {
		model = ac.Request.Model
	}
	reply, err := r.client.Complete(ctx, llm.Request{
		Model:       model,
		System:      routerSystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: buildRoster(candidates, opts.Hints, ac.Request.Prompt)}},
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("smart route failed, using default: %v", err)
		return fallback, nil
	}

	id := sanitizeAgentID(reply)
	a, ok := r.Get(id)
	if !ok || !containsAgent(candidates, id) {
		r.logger.Debug("smart route returned unknown id %q, using default", id)
		return fallback, nil
	}
	if r.routeCache != nil {
		r.routeCache.Add(cacheKey, id)
	}
	return a, nil
}

const routerSystemPrompt = "You are a request router. Reply with exactly one agent id from the list, nothing else."

func (r *Registry) routeCandidates(profile []string) []Agent {
	if len(profile) == 0 {
		return r.List()
	}
	allowed := make(map[string]bool, len(profile))
	for _, id := range profile {
		allowed[strings.TrimSpace(id)] = true
	}
	var out []Agent
	for _, a := range r.List() {
		if allowed[a.ID()] {
			out = append(out, a)
		}
	}
	return out
}

func buildRoster(candidates []Agent, hints map[string]RouteHint, prompt string) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	for _, a := range candidates {
		b.WriteString(fmt.Sprintf("- %s: %s", a.ID(), a.Description()))
		if hint, ok := hints[a.ID()]; ok {
			b.WriteString(fmt.Sprintf(" (success %.0f%%, avg %dms)", hint.SuccessRate*100, hint.AvgLatencyMs))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nBest agent id:")
	return b.String()
}

// sanitizeAgentID lowercases the reply and keeps only [a-z0-9-]. The result
// is looked up in the registry, never executed.
func sanitizeAgentID(reply string) string {
	lowered := strings.ToLower(strings.TrimSpace(reply))
	var b strings.Builder
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else if b.Len() > 0 {
			// Stop at the first delimiter after the token started so chatty
			// replies like "use code-review." still resolve.
			break
		}
	}
	return b.String()
}

func containsAgent(agents []Agent, id string) bool {
	for _, a := range agents {
		if a.ID() == id {
			return true
		}
	}
	return false
}

func routeCacheKey(prompt string, profile []string) string {
	return strings.ToLower(strings.TrimSpace(prompt)) + "|" + strings.Join(profile, ",")
}
