package agent

import (
	"context"
	"sync"
)

// CancelToken is a monotone one-shot cancellation signal threaded through a
// request. Once cancelled it never returns to active; double cancellation is
// idempotent. Suspending operations observe it through Ctx().
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewCancelToken derives a token from the given parent context.
func NewCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Ctx returns the context that trips when the token is cancelled.
func (t *CancelToken) Ctx() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Cancel trips the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Cancelled reports whether the token has been tripped.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}
