// Package middleware wraps every agent invocation with ordered before/after/
// onError hooks. Hooks are isolated: a panicking or failing hook is logged
// and never corrupts the pipeline or its siblings.
package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"relay/internal/agent"
	"relay/internal/logging"
)

// Verdict is a before-hook decision.
type Verdict int

const (
	// Continue lets the request proceed to the next hook.
	Continue Verdict = iota
	// Skip short-circuits the request with a synthesized result.
	Skip
)

// BeforeResult is returned by before hooks.
type BeforeResult struct {
	Verdict  Verdict
	Metadata map[string]any
}

// Middleware is one cross-cutting hook set. Any of the funcs may be nil.
type Middleware struct {
	Name     string
	Priority int
	Before   func(ctx context.Context, ac *agent.Context) (BeforeResult, error)
	After    func(ctx context.Context, ac *agent.Context, res *agent.Result)
	// OnError receives the handler error and may return a substitute result.
	OnError func(ctx context.Context, ac *agent.Context, cause error) *agent.Result
}

// Pipeline executes registered middlewares around an agent handler, ordered
// by priority ascending with registration order breaking ties.
type Pipeline struct {
	mu     sync.RWMutex
	mws    []Middleware
	logger logging.Logger
}

// NewPipeline builds an empty pipeline.
func NewPipeline(logger logging.Logger) *Pipeline {
	return &Pipeline{logger: logging.OrNop(logger)}
}

// Register adds a middleware. Order among equal priorities is registration
// order; sort.SliceStable preserves it.
func (p *Pipeline) Register(mw Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mws = append(p.mws, mw)
	sort.SliceStable(p.mws, func(i, j int) bool {
		return p.mws[i].Priority < p.mws[j].Priority
	})
}

// Clear removes every middleware.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mws = nil
}

// List returns the registered middlewares in execution order.
func (p *Pipeline) List() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Middleware(nil), p.mws...)
}

// Execute runs the full pipeline around a.Handle:
//
//  1. before hooks in order; the first Skip returns a short-circuit result
//     synthesized from accumulated metadata without invoking the agent.
//  2. the agent handler.
//  3. on success, every after hook (all of them, regardless of sibling
//     failures), then the result is returned unchanged.
//  4. on error, every onError hook; the first substitute result wins but
//     later hooks still observe the error. Without a substitute the error
//     propagates.
func (p *Pipeline) Execute(ctx context.Context, a agent.Agent, ac *agent.Context) (*agent.Result, error) {
	mws := p.List()

	accumulated := make(map[string]any)
	for _, mw := range mws {
		if mw.Before == nil {
			continue
		}
		br, err := p.runBefore(ctx, mw, ac)
		if err != nil {
			// Isolated: a failing before hook is treated as Continue.
			p.logger.Warn("before hook %s failed: %v", mw.Name, err)
			continue
		}
		for k, v := range br.Metadata {
			accumulated[k] = v
		}
		if br.Verdict == Skip {
			accumulated[agent.MetaSkippedBy] = mw.Name
			return &agent.Result{Metadata: accumulated}, nil
		}
	}

	result, handleErr := p.runHandler(ctx, a, ac)

	if handleErr == nil {
		for _, mw := range mws {
			if mw.After == nil {
				continue
			}
			p.runAfter(ctx, mw, ac, result)
		}
		return result, nil
	}

	var substitute *agent.Result
	for _, mw := range mws {
		if mw.OnError == nil {
			continue
		}
		if res := p.runOnError(ctx, mw, ac, handleErr); res != nil && substitute == nil {
			substitute = res
		}
	}
	if substitute != nil {
		return substitute, nil
	}
	return nil, handleErr
}

func (p *Pipeline) runBefore(ctx context.Context, mw Middleware, ac *agent.Context) (br BeforeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("before hook %s panicked: %v", mw.Name, r)
		}
	}()
	return mw.Before(ctx, ac)
}

func (p *Pipeline) runAfter(ctx context.Context, mw Middleware, ac *agent.Context, res *agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("after hook %s panicked: %v", mw.Name, r)
		}
	}()
	mw.After(ctx, ac, res)
}

func (p *Pipeline) runOnError(ctx context.Context, mw Middleware, ac *agent.Context, cause error) (res *agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("onError hook %s panicked: %v", mw.Name, r)
			res = nil
		}
	}()
	return mw.OnError(ctx, ac, cause)
}

func (p *Pipeline) runHandler(ctx context.Context, a agent.Agent, ac *agent.Context) (res *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", a.ID(), r)
		}
	}()
	res, err = a.Handle(ctx, ac)
	// A (nil, nil) return is a valid handler outcome; normalize it so hooks
	// and callers never see a nil result.
	if res == nil && err == nil {
		res = &agent.Result{}
	}
	return res, err
}
