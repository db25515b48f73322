package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relay/internal/agent"
	"relay/internal/logging"
)

// Engine stores workflow definitions and runs them against the registry.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]Definition
	registry  *agent.Registry
	logger    logging.Logger
}

// NewEngine builds an empty engine.
func NewEngine(registry *agent.Registry, logger logging.Logger) *Engine {
	return &Engine{
		workflows: make(map[string]Definition),
		registry:  registry,
		logger:    logging.OrNop(logger),
	}
}

// Register stores a definition under its name.
func (e *Engine) Register(name string, def Definition) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", name)
	}
	def.Name = name
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = def
	return nil
}

// Get returns a definition by name.
func (e *Engine) Get(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[name]
	return def, ok
}

// List returns registered workflow names, sorted.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove unregisters a workflow.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[name]; !ok {
		return false
	}
	delete(e.workflows, name)
	return true
}

// Clear drops all definitions.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows = make(map[string]Definition)
}

// Run executes the named workflow. The returned slice holds one result per
// executed step in definition order; condition-skipped steps appear marked
// Skipped, steps after an aborting failure are never reached and absent.
func (e *Engine) Run(ctx context.Context, name string, ac *agent.Context) ([]StepResult, error) {
	def, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", name)
	}
	e.logger.Info("workflow %s starting (%d steps)", name, len(def.Steps))

	results := make([]StepResult, 0, len(def.Steps))
	for _, group := range groupSteps(def.Steps) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		groupResults := e.runGroup(ctx, group, results, ac)
		results = append(results, groupResults...)

		for i, res := range groupResults {
			if res.Succeeded() {
				continue
			}
			policy := group[i].OnFailure
			if policy == "" {
				policy = FailAbort
			}
			if policy == FailAbort {
				e.logger.Warn("workflow %s aborted at step %s: %s", name, res.Name, res.Error)
				return results, fmt.Errorf("workflow %s: step %s failed: %s", name, res.Name, res.Error)
			}
		}
	}
	e.logger.Info("workflow %s finished", name)
	return results, nil
}

// groupSteps partitions steps into ordered execution groups: consecutive
// steps sharing a non-zero ParallelGroup run together, everything else runs
// alone. A group completes before the next starts.
func groupSteps(steps []Step) [][]Step {
	var groups [][]Step
	for i := 0; i < len(steps); {
		step := steps[i]
		if step.ParallelGroup == 0 {
			groups = append(groups, []Step{step})
			i++
			continue
		}
		j := i + 1
		for j < len(steps) && steps[j].ParallelGroup == step.ParallelGroup {
			j++
		}
		groups = append(groups, steps[i:j])
		i = j
	}
	return groups
}

func (e *Engine) runGroup(ctx context.Context, group []Step, prior []StepResult, ac *agent.Context) []StepResult {
	if len(group) == 1 {
		return []StepResult{e.runStep(ctx, group[0], prior, ac)}
	}
	results := make([]StepResult, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range group {
		i, step := i, step
		g.Go(func() error {
			results[i] = e.runStep(gctx, step, prior, ac)
			// Per-step failure policies decide the outcome; the group always
			// runs to completion.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) runStep(ctx context.Context, step Step, prior []StepResult, ac *agent.Context) StepResult {
	result := StepResult{
		Name:      step.Name,
		AgentID:   step.AgentID,
		StartedAt: time.Now(),
	}
	defer func() { result.CompletedAt = time.Now() }()

	if step.Condition != nil && !step.Condition(prior) {
		result.Skipped = true
		return result
	}

	prompt := step.Prompt
	if step.PipeOutput {
		if prefix := collectOutputs(prior); prefix != "" {
			prompt = prefix + "\n\n" + prompt
		}
	}

	attempts := 1
	if step.Retry != nil && step.Retry.Attempts > attempts {
		attempts = step.Retry.Attempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		delegation, err := e.registry.Delegate(ctx, step.AgentID, ac, prompt)
		if err == nil {
			result.Output = delegation.CapturedText
			return result
		}
		lastErr = err
		if attempt < attempts && step.Retry != nil && step.Retry.Backoff() > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(step.Retry.Backoff()):
			}
		}
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}

// collectOutputs joins all prior successful, non-empty step outputs.
func collectOutputs(prior []StepResult) string {
	var parts []string
	for _, res := range prior {
		if res.Succeeded() && !res.Skipped && res.Output != "" {
			parts = append(parts, res.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}
