package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/internal/agent"
)

// scriptedAgent streams a reply and optionally fails the first n attempts.
type scriptedAgent struct {
	id        string
	reply     string
	failFirst int

	mu      sync.Mutex
	calls   int
	prompts []string
	starts  []time.Time
}

func (s *scriptedAgent) ID() string          { return s.id }
func (s *scriptedAgent) DisplayName() string { return s.id }
func (s *scriptedAgent) Description() string { return "" }
func (s *scriptedAgent) Autonomous() bool    { return false }

func (s *scriptedAgent) Handle(_ context.Context, ac *agent.Context) (*agent.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.prompts = append(s.prompts, ac.Request.Prompt)
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	if call <= s.failFirst {
		return nil, fmt.Errorf("scripted failure %d", call)
	}
	ac.Stream.Markdown(s.reply)
	return &agent.Result{}, nil
}

func newTestEngine(agents ...*scriptedAgent) (*Engine, *agent.Registry) {
	registry := agent.NewRegistry(nil, nil)
	for _, a := range agents {
		registry.Register(a)
	}
	return NewEngine(registry, nil), registry
}

func runCtx() *agent.Context {
	return &agent.Context{Stream: &agent.BufferStream{}}
}

func TestRunSequentialCollectsResults(t *testing.T) {
	first := &scriptedAgent{id: "one", reply: "alpha"}
	second := &scriptedAgent{id: "two", reply: "beta"}
	e, _ := newTestEngine(first, second)

	e.Register("demo", Definition{Steps: []Step{
		{Name: "s1", AgentID: "one", Prompt: "p1"},
		{Name: "s2", AgentID: "two", Prompt: "p2"},
	}})

	results, err := e.Run(context.Background(), "demo", runCtx())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 || results[0].Output != "alpha" || results[1].Output != "beta" {
		t.Fatalf("results %+v", results)
	}
}

func TestRunUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine()
	if _, err := e.Run(context.Background(), "missing", runCtx()); err == nil {
		t.Fatalf("expected error for unknown workflow")
	}
}

func TestPipeOutputPrefixesPriorOutputs(t *testing.T) {
	first := &scriptedAgent{id: "one", reply: "alpha"}
	second := &scriptedAgent{id: "two", reply: "beta"}
	e, _ := newTestEngine(first, second)

	e.Register("piped", Definition{Steps: []Step{
		{Name: "s1", AgentID: "one", Prompt: "p1"},
		{Name: "s2", AgentID: "two", Prompt: "p2", PipeOutput: true},
	}})
	if _, err := e.Run(context.Background(), "piped", runCtx()); err != nil {
		t.Fatalf("run: %v", err)
	}

	prompt := second.prompts[0]
	if !strings.HasPrefix(prompt, "alpha") || !strings.HasSuffix(prompt, "p2") {
		t.Fatalf("piped prompt %q", prompt)
	}
}

func TestParallelGroupCompletesBeforeNextStep(t *testing.T) {
	a := &scriptedAgent{id: "a", reply: "ra"}
	b := &scriptedAgent{id: "b", reply: "rb"}
	after := &scriptedAgent{id: "after", reply: "done"}
	e, _ := newTestEngine(a, b, after)

	e.Register("grouped", Definition{Steps: []Step{
		{Name: "ga", AgentID: "a", Prompt: "p", ParallelGroup: 1},
		{Name: "gb", AgentID: "b", Prompt: "p", ParallelGroup: 1},
		{Name: "tail", AgentID: "after", Prompt: "p"},
	}})

	results, err := e.Run(context.Background(), "grouped", runCtx())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	// Results keep definition order even though the group ran concurrently.
	if results[0].Name != "ga" || results[1].Name != "gb" || results[2].Name != "tail" {
		t.Fatalf("order %+v", results)
	}
	// The barrier: the tail starts only after both group members completed.
	tailStart := after.starts[0]
	for _, member := range []*scriptedAgent{a, b} {
		if tailStart.Before(member.starts[0]) {
			t.Fatalf("tail started before group member %s", member.id)
		}
	}
}

func TestFailAbortStopsAfterGroup(t *testing.T) {
	bad := &scriptedAgent{id: "bad", failFirst: 99}
	peer := &scriptedAgent{id: "peer", reply: "ok"}
	never := &scriptedAgent{id: "never", reply: "x"}
	e, _ := newTestEngine(bad, peer, never)

	e.Register("aborting", Definition{Steps: []Step{
		{Name: "g1", AgentID: "bad", Prompt: "p", ParallelGroup: 1},
		{Name: "g2", AgentID: "peer", Prompt: "p", ParallelGroup: 1},
		{Name: "tail", AgentID: "never", Prompt: "p"},
	}})

	results, err := e.Run(context.Background(), "aborting", runCtx())
	if err == nil {
		t.Fatalf("abort policy must surface an error")
	}
	// The failing step's group still completes before the abort.
	if len(results) != 2 || peer.calls != 1 {
		t.Fatalf("group must complete: results=%d peer.calls=%d", len(results), peer.calls)
	}
	if never.calls != 0 {
		t.Fatalf("steps after the abort must not run")
	}
}

func TestFailContinueProceeds(t *testing.T) {
	bad := &scriptedAgent{id: "bad", failFirst: 99}
	tail := &scriptedAgent{id: "tail", reply: "done"}
	e, _ := newTestEngine(bad, tail)

	e.Register("tolerant", Definition{Steps: []Step{
		{Name: "s1", AgentID: "bad", Prompt: "p", OnFailure: FailContinue},
		{Name: "s2", AgentID: "tail", Prompt: "p"},
	}})

	results, err := e.Run(context.Background(), "tolerant", runCtx())
	if err != nil {
		t.Fatalf("continue policy must not fail the run: %v", err)
	}
	if results[0].Succeeded() || !results[1].Succeeded() {
		t.Fatalf("results %+v", results)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	flaky := &scriptedAgent{id: "flaky", reply: "finally", failFirst: 2}
	e, _ := newTestEngine(flaky)

	e.Register("retried", Definition{Steps: []Step{
		{Name: "s1", AgentID: "flaky", Prompt: "p", Retry: &RetryPolicy{Attempts: 3, BackoffMs: 1}},
	}})

	results, err := e.Run(context.Background(), "retried", runCtx())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Attempts != 3 || results[0].Output != "finally" {
		t.Fatalf("result %+v", results[0])
	}
}

func TestConditionSkipCountsAsSuccess(t *testing.T) {
	skipped := &scriptedAgent{id: "skipped", reply: "never"}
	tail := &scriptedAgent{id: "tail", reply: "ran"}
	e, _ := newTestEngine(skipped, tail)

	e.Register("conditional", Definition{Steps: []Step{
		{Name: "s1", AgentID: "skipped", Prompt: "p", Condition: func([]StepResult) bool { return false }},
		{Name: "s2", AgentID: "tail", Prompt: "p"},
	}})

	results, err := e.Run(context.Background(), "conditional", runCtx())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].Skipped || !results[0].Succeeded() || results[0].Output != "" {
		t.Fatalf("skip semantics: %+v", results[0])
	}
	if skipped.calls != 0 || tail.calls != 1 {
		t.Fatalf("calls: skipped=%d tail=%d", skipped.calls, tail.calls)
	}
}

func TestRegisterValidation(t *testing.T) {
	e, _ := newTestEngine()
	if err := e.Register("", Definition{Steps: []Step{{Name: "s"}}}); err == nil {
		t.Fatalf("empty name must be rejected")
	}
	if err := e.Register("empty", Definition{}); err == nil {
		t.Fatalf("zero steps must be rejected")
	}
}

func TestListSortedAndRemove(t *testing.T) {
	e, _ := newTestEngine(&scriptedAgent{id: "a", reply: "x"})
	step := []Step{{Name: "s", AgentID: "a", Prompt: "p"}}
	e.Register("zeta", Definition{Steps: step})
	e.Register("alpha", Definition{Steps: step})

	names := e.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("list %v", names)
	}
	if !e.Remove("zeta") || e.Remove("zeta") {
		t.Fatalf("remove semantics broken")
	}
}
