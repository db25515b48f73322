package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxChainDepth bounds sequential chains; exceeding it is a permanent error.
const maxChainDepth = 20

// pipeSeparator joins a prior step's captured output onto the next prompt.
const pipeSeparator = "\n\n--- previous output ---\n\n"

// maxParallelWorkers caps concurrent fan-out handlers.
const maxParallelWorkers = 4

// Delegation is the outcome of one agent invoking another.
type Delegation struct {
	Result       *Result
	CapturedText string
}

// Delegate invokes another agent's Handle with a derived context whose stream
// is a capture proxy: output still reaches the caller's stream while the text
// accumulates for the delegator. overridePrompt, when non-empty, replaces the
// request prompt for the delegate only.
func (r *Registry) Delegate(ctx context.Context, targetID string, ac *Context, overridePrompt string) (*Delegation, error) {
	target, ok := r.Get(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
	}
	capture := NewCaptureStream(ac.Stream)
	derived := ac.WithStream(capture)
	if overridePrompt != "" {
		derived = derived.WithPrompt(overridePrompt)
	}
	result, err := target.Handle(ctx, derived)
	if err != nil {
		return nil, fmt.Errorf("delegate to %s: %w", targetID, err)
	}
	return &Delegation{Result: result, CapturedText: capture.Captured()}, nil
}

// Task names one unit of parallel work.
type Task struct {
	AgentID string
	Prompt  string
}

// TaskOutcome is the per-task result of Parallel. Errors are captured as
// data, never propagated; the slice preserves task order.
type TaskOutcome struct {
	AgentID string
	Result  *Result
	Text    string
	Err     error
}

// Parallel runs all tasks concurrently under one cancel token. Each task gets
// its own capture buffer; the shared stream receives nothing until callers
// decide what to surface, which keeps interleaved output out of the host UI.
func (r *Registry) Parallel(ctx context.Context, tasks []Task, ac *Context) []TaskOutcome {
	outcomes := make([]TaskOutcome, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWorkers)

	var mu sync.Mutex
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			outcome := TaskOutcome{AgentID: task.AgentID}
			target, ok := r.Get(task.AgentID)
			if !ok {
				outcome.Err = fmt.Errorf("%w: %s", ErrUnknownAgent, task.AgentID)
			} else {
				capture := NewCaptureStream(nil)
				derived := ac.WithStream(capture)
				if task.Prompt != "" {
					derived = derived.WithPrompt(task.Prompt)
				}
				result, err := target.Handle(ctx, derived)
				outcome.Result = result
				outcome.Text = capture.Captured()
				outcome.Err = err
			}
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; failures live in the outcome slice.
	_ = g.Wait()
	return outcomes
}

// ChainStep describes one stage of a sequential chain.
type ChainStep struct {
	AgentID string
	Prompt  string
	// PipeOutput appends the prior step's captured text to this step's prompt.
	PipeOutput bool
}

// ChainOutcome is one completed chain stage.
type ChainOutcome struct {
	AgentID string
	Result  *Result
	Text    string
}

// Chain runs steps sequentially, capturing each stage's output. Step n
// completes before step n+1 starts.
func (r *Registry) Chain(ctx context.Context, steps []ChainStep, ac *Context) ([]ChainOutcome, error) {
	if len(steps) > maxChainDepth {
		return nil, fmt.Errorf("%w: %d steps (max %d)", ErrChainDepth, len(steps), maxChainDepth)
	}
	outcomes := make([]ChainOutcome, 0, len(steps))
	prior := ""
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		prompt := step.Prompt
		if step.PipeOutput && prior != "" {
			prompt += pipeSeparator + prior
		}
		delegation, err := r.Delegate(ctx, step.AgentID, ac, prompt)
		if err != nil {
			return outcomes, fmt.Errorf("chain step %s: %w", step.AgentID, err)
		}
		outcomes = append(outcomes, ChainOutcome{
			AgentID: step.AgentID,
			Result:  delegation.Result,
			Text:    delegation.CapturedText,
		})
		prior = delegation.CapturedText
	}
	return outcomes, nil
}
