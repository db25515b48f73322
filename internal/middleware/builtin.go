package middleware

import (
	"context"
	"sync"
	"time"

	"relay/internal/agent"
)

// Built-in priorities. User middlewares slot anywhere around them.
const (
	PriorityRateLimit = 10
	PriorityTiming    = 20
	PriorityUsage     = 30
)

const rateWindow = 60 * time.Second

// timingStartKey is where the dispatcher (or the timing hook) stores the
// request start mark in Context.Values. The dispatcher sets it after any
// confirmation dialog resolves so dialog time never counts as latency.
const timingStartKey = "timing.start"

// timingExcludedKey accumulates spans subtracted from the measured duration,
// such as confirmation-dialog wall time.
const timingExcludedKey = "timing.excluded"

// StartTiming records the timing mark for a request. Exposed so the
// dispatcher can start the clock after the destructive-op confirmation.
func StartTiming(ac *agent.Context) {
	if ac.Values == nil {
		ac.Values = make(map[string]any)
	}
	ac.Values[timingStartKey] = time.Now()
}

// ExcludeFromTiming subtracts d from the request's measured duration. The
// dispatcher routes confirmation-dialog time here so time spent waiting on
// the user never counts as handler latency.
func ExcludeFromTiming(ac *agent.Context, d time.Duration) {
	if ac.Values == nil {
		ac.Values = make(map[string]any)
	}
	if prev, ok := ac.Values[timingExcludedKey].(time.Duration); ok {
		d += prev
	}
	ac.Values[timingExcludedKey] = d
}

// measuredSince returns the elapsed time since the request's start mark minus
// any excluded spans, clamped at zero.
func measuredSince(ac *agent.Context) (time.Duration, bool) {
	start, ok := ac.Values[timingStartKey].(time.Time)
	if !ok {
		return 0, false
	}
	elapsed := time.Since(start)
	if excluded, ok := ac.Values[timingExcludedKey].(time.Duration); ok {
		elapsed -= excluded
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// RateLimiter keeps a sliding window of admission timestamps shared by every
// request in the process.
type RateLimiter struct {
	mu     sync.Mutex
	window []time.Time
	limit  func() int
	now    func() time.Time
}

// NewRateLimiter builds a limiter; limit is read per admission so host
// setting changes take effect immediately.
func NewRateLimiter(limit func() int) *RateLimiter {
	return &RateLimiter{limit: limit, now: time.Now}
}

// Middleware returns the rate-limit before hook at its standard priority.
// When the window is full the request short-circuits with throttled metadata.
func (rl *RateLimiter) Middleware() Middleware {
	return Middleware{
		Name:     "rate-limiter",
		Priority: PriorityRateLimit,
		Before: func(_ context.Context, _ *agent.Context) (BeforeResult, error) {
			if rl.admit() {
				return BeforeResult{Verdict: Continue}, nil
			}
			return BeforeResult{
				Verdict: Skip,
				Metadata: map[string]any{
					agent.MetaThrottled: true,
					"message":           "Too many requests; wait a moment and try again.",
				},
			}, nil
		},
	}
}

// admit prunes the window and admits the call when under the limit.
func (rl *RateLimiter) admit() bool {
	limit := rl.limit()
	if limit <= 0 {
		return true
	}
	now := rl.now()
	cutoff := now.Add(-rateWindow)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kept := rl.window[:0]
	for _, ts := range rl.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rl.window = kept
	if len(rl.window) >= limit {
		return false
	}
	rl.window = append(rl.window, now)
	return true
}

// Timing records start/end around the handler and exposes the duration as
// result metadata. An existing start mark (set by the dispatcher) is honored,
// and spans reported through ExcludeFromTiming are subtracted.
func Timing() Middleware {
	return Middleware{
		Name:     "timing",
		Priority: PriorityTiming,
		Before: func(_ context.Context, ac *agent.Context) (BeforeResult, error) {
			if ac.Values == nil {
				ac.Values = make(map[string]any)
			}
			if _, ok := ac.Values[timingStartKey].(time.Time); !ok {
				ac.Values[timingStartKey] = time.Now()
			}
			return BeforeResult{Verdict: Continue}, nil
		},
		After: func(_ context.Context, ac *agent.Context, res *agent.Result) {
			elapsed, ok := measuredSince(ac)
			if !ok || res == nil {
				return
			}
			res.Meta()[agent.MetaDurationMs] = elapsed.Milliseconds()
		},
	}
}

// UsageRecorder receives per-agent usage signals from the usage middleware.
type UsageRecorder interface {
	RecordInvocation(agentID string, latency time.Duration, failed bool)
}

// Usage increments per-agent counters after each successful handler run and
// reports failures through onError.
func Usage(agentID func(ac *agent.Context) string, recorder UsageRecorder) Middleware {
	latency := func(ac *agent.Context) time.Duration {
		if elapsed, ok := measuredSince(ac); ok {
			return elapsed
		}
		return 0
	}
	return Middleware{
		Name:     "usage-tracker",
		Priority: PriorityUsage,
		After: func(_ context.Context, ac *agent.Context, _ *agent.Result) {
			recorder.RecordInvocation(agentID(ac), latency(ac), false)
		},
		OnError: func(_ context.Context, ac *agent.Context, _ error) *agent.Result {
			recorder.RecordInvocation(agentID(ac), latency(ac), true)
			// Telemetry only; never substitutes a result.
			return nil
		},
	}
}
