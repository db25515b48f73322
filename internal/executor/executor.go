// Package executor performs the bounded file and shell operations of
// autonomous agents. Every mutation consumes one unit of the step budget,
// announces itself to the active guardrail checkpoint, and respects the
// request's cancel token.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/internal/agent"
	"relay/internal/guard"
	"relay/internal/logging"
)

// DefaultMaxSteps bounds mutating operations per autonomous invocation.
const DefaultMaxSteps = 10

var (
	// ErrBudgetExhausted is permanent: the invocation spent its step budget.
	ErrBudgetExhausted = errors.New("step budget exhausted")
	// ErrInvalidPath is permanent: the path failed workspace validation.
	ErrInvalidPath = errors.New("invalid path")
)

// Severity orders host diagnostics.
type Severity int

const (
	SeverityHint Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// Diagnostic is one host-supplied problem report.
type Diagnostic struct {
	Path     string
	Line     int
	Message  string
	Severity Severity
}

// DiagnosticsProvider exposes the host's current errors and warnings.
type DiagnosticsProvider interface {
	Diagnostics() []Diagnostic
}

// Options configures an Executor for one autonomous invocation.
type Options struct {
	Root         string
	MaxSteps     int
	Guardrails   *guard.Guardrails
	CheckpointID string
	Preview      *PreviewCollector
	Diagnostics  DiagnosticsProvider
	Stream       agent.Stream
	// OnDialog receives the wall time spent in each confirmation dialog so
	// the caller can exclude it from latency metrics.
	OnDialog func(elapsed time.Duration)
	Logger   logging.Logger
}

// Executor is scoped to a single invocation; overlapping autonomous requests
// each get their own instance and checkpoint.
type Executor struct {
	root         string
	maxSteps     int
	guardrails   *guard.Guardrails
	checkpointID string
	preview      *PreviewCollector
	diagnostics  DiagnosticsProvider
	stream       agent.Stream
	onDialog     func(elapsed time.Duration)
	logger       logging.Logger

	mu      sync.Mutex
	steps   int
	touched []string
}

// New builds an executor rooted at the workspace directory.
func New(opts Options) *Executor {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Executor{
		root:         opts.Root,
		maxSteps:     opts.MaxSteps,
		guardrails:   opts.Guardrails,
		checkpointID: opts.CheckpointID,
		preview:      opts.Preview,
		diagnostics:  opts.Diagnostics,
		stream:       opts.Stream,
		onDialog:     opts.OnDialog,
		logger:       logging.OrNop(opts.Logger),
	}
}

// confirm runs the destructive-op dialog and reports its wall time through
// OnDialog so dialog time never lands in latency metrics.
func (e *Executor) confirm(ctx context.Context, op guard.PlannedOp) (bool, error) {
	if e.guardrails == nil {
		return true, nil
	}
	start := time.Now()
	approved, err := e.guardrails.ConfirmDestructive(ctx, op)
	if e.onDialog != nil {
		e.onDialog(time.Since(start))
	}
	return approved, err
}

// Touched returns the workspace-relative paths mutated so far, in first-touch
// order. The dispatcher feeds this into MarkCreated via result metadata.
func (e *Executor) Touched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.touched...)
}

// consumeStep decrements the budget or fails permanently.
func (e *Executor) consumeStep() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.steps >= e.maxSteps {
		return fmt.Errorf("%w (%d steps)", ErrBudgetExhausted, e.maxSteps)
	}
	e.steps++
	return nil
}

func (e *Executor) noteTouched(rel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.touched {
		if existing == rel {
			return
		}
	}
	e.touched = append(e.touched, rel)
}

func (e *Executor) dryRun() bool {
	return e.guardrails != nil && e.guardrails.DryRun()
}

// announce captures the path into the active checkpoint before mutation.
func (e *Executor) announce(resolved string) {
	if e.guardrails == nil || e.checkpointID == "" {
		return
	}
	if err := e.guardrails.Checkpoints.RecordFile(e.checkpointID, resolved); err != nil {
		e.logger.Warn("checkpoint record %s: %v", resolved, err)
	}
}

// ReadFile returns the file content. Read operations are free.
func (e *Executor) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// ListDir lists entries of a directory; "" or "." lists the root.
func (e *Executor) ListDir(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// FindFiles walks the workspace and returns relative paths whose base name
// matches the glob pattern.
func (e *Executor) FindFiles(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	var matches []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		ok, _ := filepath.Match(pattern, d.Name())
		if !ok {
			// Also try matching the relative path for patterns with slashes.
			if rel, relErr := filepath.Rel(e.root, path); relErr == nil {
				ok, _ = filepath.Match(pattern, rel)
			}
		}
		if ok {
			if rel, relErr := filepath.Rel(e.root, path); relErr == nil {
				matches = append(matches, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// FileExists reports whether the path resolves to an existing file.
func (e *Executor) FileExists(ctx context.Context, path string) bool {
	if ctx.Err() != nil {
		return false
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// CreateFile writes a new file. Consumes one step.
func (e *Executor) CreateFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return err
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	op := guard.PlannedOp{Kind: guard.OpCreate, Path: path, NewContent: content}
	if e.preview != nil {
		e.preview.Collect(op)
		return nil
	}
	if e.dryRun() {
		e.guardrails.RenderDryRun([]guard.PlannedOp{op}, e.stream)
		return nil
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("file already exists: %s", path)
	}
	e.announce(resolved)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	e.noteTouched(path)
	return nil
}

// FileSpec names one file of a batch creation.
type FileSpec struct {
	Path    string
	Content string
}

// BatchOutcome reports the fate of one batch member.
type BatchOutcome struct {
	Path    string
	Created bool
	Skipped bool
	Err     error
}

// CreateFiles creates a batch atomically: on a failure after some files were
// written, the already-created files are removed best-effort and remaining
// files are marked skipped. With an active preview collector the batch is
// only collected, so atomicity is deferred to the apply step.
func (e *Executor) CreateFiles(ctx context.Context, files []FileSpec) ([]BatchOutcome, error) {
	outcomes := make([]BatchOutcome, len(files))
	for i, spec := range files {
		outcomes[i].Path = spec.Path
	}
	for i, spec := range files {
		err := e.CreateFile(ctx, spec.Path, spec.Content)
		if err == nil {
			outcomes[i].Created = true
			continue
		}
		outcomes[i].Err = err
		for j := i + 1; j < len(files); j++ {
			outcomes[j].Skipped = true
		}
		if e.preview == nil && !e.dryRun() {
			e.rollbackCreated(outcomes[:i])
		}
		return outcomes, fmt.Errorf("batch create failed at %s: %w", spec.Path, err)
	}
	return outcomes, nil
}

func (e *Executor) rollbackCreated(done []BatchOutcome) {
	for i := range done {
		if !done[i].Created {
			continue
		}
		resolved, err := resolvePath(e.root, done[i].Path)
		if err != nil {
			continue
		}
		if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("batch rollback %s: %v", done[i].Path, err)
		}
		done[i].Created = false
	}
}

// EditFile replaces oldText with newText. oldText must appear exactly once
// so edits are never ambiguous. Consumes one step.
func (e *Executor) EditFile(ctx context.Context, path, oldText, newText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return err
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("edit %s: %w", path, err)
	}
	content := string(data)
	switch occurrences := strings.Count(content, oldText); {
	case oldText == "":
		return fmt.Errorf("edit %s: old text is empty", path)
	case occurrences == 0:
		return fmt.Errorf("edit %s: old text not found", path)
	case occurrences > 1:
		return fmt.Errorf("edit %s: old text appears %d times, include more context", path, occurrences)
	}
	updated := strings.Replace(content, oldText, newText, 1)

	op := guard.PlannedOp{Kind: guard.OpEdit, Path: path, OldContent: content, NewContent: updated}
	if e.preview != nil {
		e.preview.Collect(op)
		return nil
	}
	if e.dryRun() {
		e.guardrails.RenderDryRun([]guard.PlannedOp{op}, e.stream)
		return nil
	}
	approved, err := e.confirm(ctx, op)
	if err != nil {
		return fmt.Errorf("edit %s: %w", path, err)
	}
	if !approved {
		return fmt.Errorf("edit %s: rejected by user", path)
	}
	e.announce(resolved)
	if err := os.WriteFile(resolved, []byte(updated), 0644); err != nil {
		return fmt.Errorf("edit %s: %w", path, err)
	}
	e.noteTouched(path)
	return nil
}

// DeleteFile removes a file. Consumes one step.
func (e *Executor) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := resolvePath(e.root, path)
	if err != nil {
		return err
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	op := guard.PlannedOp{Kind: guard.OpDelete, Path: path}
	if e.preview != nil {
		e.preview.Collect(op)
		return nil
	}
	if e.dryRun() {
		e.guardrails.RenderDryRun([]guard.PlannedOp{op}, e.stream)
		return nil
	}
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	approved, err := e.confirm(ctx, op)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if !approved {
		return fmt.Errorf("delete %s: rejected by user", path)
	}
	e.announce(resolved)
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	e.noteTouched(path)
	return nil
}

// GetDiagnostics returns host diagnostics at or above minSeverity.
func (e *Executor) GetDiagnostics(minSeverity Severity) []Diagnostic {
	if e.diagnostics == nil {
		return nil
	}
	var out []Diagnostic
	for _, d := range e.diagnostics.Diagnostics() {
		if d.Severity >= minSeverity {
			out = append(out, d)
		}
	}
	return out
}
