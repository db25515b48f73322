package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"relay/internal/agent"
)

type recordingAgent struct {
	id     string
	calls  int
	result *agent.Result
	err    error
}

func (a *recordingAgent) ID() string          { return a.id }
func (a *recordingAgent) DisplayName() string { return a.id }
func (a *recordingAgent) Description() string { return "" }
func (a *recordingAgent) Autonomous() bool    { return false }

func (a *recordingAgent) Handle(context.Context, *agent.Context) (*agent.Result, error) {
	a.calls++
	if a.result == nil && a.err == nil {
		return &agent.Result{}, nil
	}
	return a.result, a.err
}

type funcAgent struct {
	id     string
	handle func(ctx context.Context, ac *agent.Context) (*agent.Result, error)
}

func (a funcAgent) ID() string          { return a.id }
func (a funcAgent) DisplayName() string { return a.id }
func (a funcAgent) Description() string { return "" }
func (a funcAgent) Autonomous() bool    { return false }
func (a funcAgent) Handle(ctx context.Context, ac *agent.Context) (*agent.Result, error) {
	return a.handle(ctx, ac)
}

func newAC() *agent.Context {
	return &agent.Context{Values: make(map[string]any)}
}

func TestExecuteOrdersByPriority(t *testing.T) {
	p := NewPipeline(nil)
	var order []string
	hook := func(name string) func(context.Context, *agent.Context) (BeforeResult, error) {
		return func(context.Context, *agent.Context) (BeforeResult, error) {
			order = append(order, name)
			return BeforeResult{}, nil
		}
	}
	p.Register(Middleware{Name: "late", Priority: 30, Before: hook("late")})
	p.Register(Middleware{Name: "early", Priority: 10, Before: hook("early")})
	p.Register(Middleware{Name: "mid-b", Priority: 20, Before: hook("mid-b")})
	p.Register(Middleware{Name: "mid-a", Priority: 20, Before: hook("mid-a")})

	if _, err := p.Execute(context.Background(), &recordingAgent{id: "a"}, newAC()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"early", "mid-b", "mid-a", "late"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSkipShortCircuitsWithMetadata(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(Middleware{Name: "gate", Priority: 10, Before: func(context.Context, *agent.Context) (BeforeResult, error) {
		return BeforeResult{Verdict: Skip, Metadata: map[string]any{"reason": "blocked"}}, nil
	}})
	afterRan := false
	p.Register(Middleware{Name: "later", Priority: 20, After: func(context.Context, *agent.Context, *agent.Result) {
		afterRan = true
	}})

	a := &recordingAgent{id: "a"}
	res, err := p.Execute(context.Background(), a, newAC())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.calls != 0 {
		t.Fatalf("handler must not run after Skip")
	}
	if res.Metadata["reason"] != "blocked" || res.Metadata[agent.MetaSkippedBy] != "gate" {
		t.Fatalf("metadata %v", res.Metadata)
	}
	if afterRan {
		t.Fatalf("after hooks must not run on short-circuit")
	}
}

func TestFailingBeforeHookIsIsolated(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(Middleware{Name: "broken", Before: func(context.Context, *agent.Context) (BeforeResult, error) {
		return BeforeResult{}, fmt.Errorf("hook bug")
	}})
	p.Register(Middleware{Name: "panicky", Before: func(context.Context, *agent.Context) (BeforeResult, error) {
		panic("boom")
	}})

	a := &recordingAgent{id: "a"}
	if _, err := p.Execute(context.Background(), a, newAC()); err != nil {
		t.Fatalf("hook failures must not fail the request: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("handler should still run")
	}
}

func TestAllAfterHooksRunDespitePanic(t *testing.T) {
	p := NewPipeline(nil)
	ran := 0
	p.Register(Middleware{Name: "one", Priority: 1, After: func(context.Context, *agent.Context, *agent.Result) {
		ran++
		panic("after boom")
	}})
	p.Register(Middleware{Name: "two", Priority: 2, After: func(context.Context, *agent.Context, *agent.Result) {
		ran++
	}})

	if _, err := p.Execute(context.Background(), &recordingAgent{id: "a"}, newAC()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ran != 2 {
		t.Fatalf("all after hooks must run, ran=%d", ran)
	}
}

func TestOnErrorFirstSubstituteWins(t *testing.T) {
	p := NewPipeline(nil)
	observed := 0
	p.Register(Middleware{Name: "first", Priority: 1, OnError: func(context.Context, *agent.Context, error) *agent.Result {
		observed++
		return &agent.Result{Metadata: map[string]any{"from": "first"}}
	}})
	p.Register(Middleware{Name: "second", Priority: 2, OnError: func(context.Context, *agent.Context, error) *agent.Result {
		observed++
		return &agent.Result{Metadata: map[string]any{"from": "second"}}
	}})

	a := &recordingAgent{id: "a", err: errors.New("handler failed")}
	res, err := p.Execute(context.Background(), a, newAC())
	if err != nil {
		t.Fatalf("substitute should swallow the error: %v", err)
	}
	if res.Metadata["from"] != "first" {
		t.Fatalf("first substitute must win, got %v", res.Metadata)
	}
	if observed != 2 {
		t.Fatalf("every onError hook must observe the failure, observed=%d", observed)
	}
}

func TestErrorPropagatesWithoutSubstitute(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(Middleware{Name: "watcher", OnError: func(context.Context, *agent.Context, error) *agent.Result {
		return nil
	}})

	cause := errors.New("handler failed")
	_, err := p.Execute(context.Background(), &recordingAgent{id: "a", err: cause}, newAC())
	if !errors.Is(err, cause) {
		t.Fatalf("want original error, got %v", err)
	}
}

func TestNilHandlerResultIsNormalized(t *testing.T) {
	p := NewPipeline(nil)
	var afterRes *agent.Result
	p.Register(Middleware{Name: "observer", After: func(_ context.Context, _ *agent.Context, res *agent.Result) {
		afterRes = res
	}})

	quiet := funcAgent{id: "quiet", handle: func(context.Context, *agent.Context) (*agent.Result, error) {
		return nil, nil
	}}
	res, err := p.Execute(context.Background(), quiet, newAC())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res == nil {
		t.Fatalf("a (nil, nil) handler return must yield a usable result")
	}
	if afterRes == nil {
		t.Fatalf("after hooks must never observe a nil result")
	}
}

func TestHandlerPanicBecomesError(t *testing.T) {
	p := NewPipeline(nil)
	_, err := p.Execute(context.Background(), panicAgent{}, newAC())
	if err == nil {
		t.Fatalf("handler panic must surface as an error")
	}
}

type panicAgent struct{}

func (panicAgent) ID() string          { return "panic" }
func (panicAgent) DisplayName() string { return "panic" }
func (panicAgent) Description() string { return "" }
func (panicAgent) Autonomous() bool    { return false }
func (panicAgent) Handle(context.Context, *agent.Context) (*agent.Result, error) {
	panic("kaboom")
}
