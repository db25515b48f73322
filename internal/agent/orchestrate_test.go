package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelegateCapturesAndForwards(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoAgent("helper", "helper output"))

	host := &BufferStream{}
	ac := &Context{Request: Request{Prompt: "original"}, Stream: host}

	d, err := r.Delegate(context.Background(), "helper", ac, "override")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.CapturedText != "helper output" {
		t.Fatalf("captured %q", d.CapturedText)
	}
	if host.String() != "helper output" {
		t.Fatalf("delegate output must still reach the caller's stream, got %q", host.String())
	}
	if ac.Request.Prompt != "original" {
		t.Fatalf("delegation must not mutate the caller's context")
	}
}

func TestDelegateUnknownAgent(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Delegate(context.Background(), "ghost", &Context{Stream: &BufferStream{}}, "")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("want ErrUnknownAgent, got %v", err)
	}
}

func TestParallelIsolatesFailures(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoAgent("ok-1", "one"))
	r.Register(&stubAgent{id: "boom", handle: func(context.Context, *Context) (*Result, error) {
		return nil, fmt.Errorf("exploded")
	}})
	r.Register(echoAgent("ok-2", "two"))

	tasks := []Task{
		{AgentID: "ok-1", Prompt: "p"},
		{AgentID: "boom", Prompt: "p"},
		{AgentID: "ok-2", Prompt: "p"},
		{AgentID: "ghost", Prompt: "p"},
	}
	outcomes := r.Parallel(context.Background(), tasks, &Context{Stream: &BufferStream{}})

	if len(outcomes) != 4 {
		t.Fatalf("want 4 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Text != "one" || outcomes[2].Text != "two" {
		t.Fatalf("successful outcomes lost: %+v", outcomes)
	}
	if outcomes[1].Err == nil || outcomes[3].Err == nil {
		t.Fatalf("failures must surface as outcome errors")
	}
	for i, task := range tasks {
		if outcomes[i].AgentID != task.AgentID {
			t.Fatalf("outcome order must match task order")
		}
	}
}

func TestParallelRespectsWorkerLimit(t *testing.T) {
	var active, peak int64
	r := NewRegistry(nil, nil)
	r.Register(&stubAgent{id: "slow", handle: func(context.Context, *Context) (*Result, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &Result{}, nil
	}})

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{AgentID: "slow"}
	}
	r.Parallel(context.Background(), tasks, &Context{Stream: &BufferStream{}})

	if p := atomic.LoadInt64(&peak); p > maxParallelWorkers {
		t.Fatalf("peak concurrency %d exceeds limit %d", p, maxParallelWorkers)
	}
}

func TestChainPipesOutputForward(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoAgent("first", "alpha"))
	var secondPrompt string
	r.Register(&stubAgent{id: "second", handle: func(_ context.Context, ac *Context) (*Result, error) {
		secondPrompt = ac.Request.Prompt
		ac.Stream.Markdown("beta")
		return &Result{}, nil
	}})

	steps := []ChainStep{
		{AgentID: "first", Prompt: "start"},
		{AgentID: "second", Prompt: "continue", PipeOutput: true},
	}
	outcomes, err := r.Chain(context.Background(), steps, &Context{Stream: &BufferStream{}})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(outcomes) != 2 || outcomes[1].Text != "beta" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if !strings.HasPrefix(secondPrompt, "continue") || !strings.Contains(secondPrompt, "alpha") {
		t.Fatalf("piped prompt should carry prior output, got %q", secondPrompt)
	}
}

func TestChainDepthLimit(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoAgent("a", "x"))
	steps := make([]ChainStep, maxChainDepth+1)
	for i := range steps {
		steps[i] = ChainStep{AgentID: "a"}
	}
	_, err := r.Chain(context.Background(), steps, &Context{Stream: &BufferStream{}})
	if !errors.Is(err, ErrChainDepth) {
		t.Fatalf("want ErrChainDepth, got %v", err)
	}
}

func TestChainStopsOnFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoAgent("good", "ok"))
	r.Register(&stubAgent{id: "bad", handle: func(context.Context, *Context) (*Result, error) {
		return nil, fmt.Errorf("nope")
	}})
	reached := false
	r.Register(&stubAgent{id: "after", handle: func(context.Context, *Context) (*Result, error) {
		reached = true
		return &Result{}, nil
	}})

	steps := []ChainStep{{AgentID: "good"}, {AgentID: "bad"}, {AgentID: "after"}}
	outcomes, err := r.Chain(context.Background(), steps, &Context{Stream: &BufferStream{}})
	if err == nil {
		t.Fatalf("expected chain error")
	}
	if len(outcomes) != 1 || reached {
		t.Fatalf("chain must stop at the failing step")
	}
}

func TestCancelTokenIsIdempotent(t *testing.T) {
	token := NewCancelToken(context.Background())
	if token.Cancelled() {
		t.Fatalf("fresh token must be active")
	}
	token.Cancel()
	token.Cancel()
	if !token.Cancelled() {
		t.Fatalf("token must stay cancelled")
	}
	if token.Ctx().Err() == nil {
		t.Fatalf("context must be done after cancel")
	}
}

func TestCaptureStreamNilInner(t *testing.T) {
	c := NewCaptureStream(nil)
	c.Markdown("a")
	c.Markdown("b")
	c.Progress("ignored")
	if c.Captured() != "ab" {
		t.Fatalf("captured %q", c.Captured())
	}
}
