// Package workflow executes declarative multi-step pipelines over the agent
// registry: sequential steps, parallel groups, retries, and conditions.
package workflow

import (
	"time"
)

// FailurePolicy decides what a step failure does to the rest of the run.
type FailurePolicy string

const (
	// FailAbort stops the workflow after the failing step's group completes.
	FailAbort FailurePolicy = "abort"
	// FailContinue records the failure and proceeds.
	FailContinue FailurePolicy = "continue"
)

// RetryPolicy retries a failing step with a fixed backoff.
type RetryPolicy struct {
	Attempts  int   `json:"attempts"`
	BackoffMs int64 `json:"backoffMs"`
}

// Backoff returns the fixed delay between attempts.
func (p RetryPolicy) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

// Predicate decides whether a step runs, given all prior step results. A
// false verdict skips the step, which counts as success with empty output.
type Predicate func(prior []StepResult) bool

// Step is one stage of a workflow definition.
type Step struct {
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
	Prompt  string `json:"prompt"`
	// PipeOutput prefixes this step's prompt with all prior successful
	// outputs.
	PipeOutput bool `json:"pipeOutput,omitempty"`
	// ParallelGroup groups consecutive steps for concurrent execution; zero
	// means serial. A group completes before the next group starts.
	ParallelGroup int            `json:"parallelGroup,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	OnFailure     FailurePolicy  `json:"onFailure,omitempty"`
	Condition     Predicate      `json:"-"`
}

// Definition is a named workflow.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Name        string    `json:"name"`
	AgentID     string    `json:"agentId"`
	Output      string    `json:"output"`
	Error       string    `json:"error,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Succeeded reports whether the step counts as a success. Skipped steps do.
func (r StepResult) Succeeded() bool {
	return r.Error == ""
}
