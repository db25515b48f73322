package guard

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"relay/internal/agent"
	"relay/internal/diff"
)

// OpKind enumerates planned file operations.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpEdit   OpKind = "edit"
	OpDelete OpKind = "delete"
	OpShell  OpKind = "shell"
)

// PlannedOp describes one intended side effect, used for dry-run rendering
// and destructive-op confirmation.
type PlannedOp struct {
	Kind       OpKind
	Path       string
	OldContent string
	NewContent string
	Command    string
}

// Destructive reports whether the operation removes or overwrites existing
// content and therefore may require confirmation.
func (op PlannedOp) Destructive() bool {
	switch op.Kind {
	case OpDelete:
		return true
	case OpEdit:
		return op.OldContent != ""
	default:
		return false
	}
}

func (op PlannedOp) describe() string {
	switch op.Kind {
	case OpCreate:
		return fmt.Sprintf("create %s (%d bytes)", op.Path, len(op.NewContent))
	case OpEdit:
		return fmt.Sprintf("edit %s", op.Path)
	case OpDelete:
		return fmt.Sprintf("delete %s", op.Path)
	case OpShell:
		return fmt.Sprintf("run %q", op.Command)
	default:
		return string(op.Kind)
	}
}

// Confirmer resolves destructive-op confirmations. The elapsed dialog time
// must not count toward request timing; callers start the clock after Confirm
// returns.
type Confirmer interface {
	Confirm(ctx context.Context, op PlannedOp, rendered string) (bool, error)
}

// AutoConfirmer approves or rejects everything without interaction.
type AutoConfirmer struct{ Approve bool }

func (a AutoConfirmer) Confirm(context.Context, PlannedOp, string) (bool, error) {
	return a.Approve, nil
}

// InteractiveConfirmer prompts on the terminal with a timeout.
type InteractiveConfirmer struct {
	Timeout time.Duration
}

func (c *InteractiveConfirmer) Confirm(ctx context.Context, op PlannedOp, rendered string) (bool, error) {
	sep := strings.Repeat("=", 72)
	fmt.Println()
	fmt.Println(color.CyanString(sep))
	fmt.Println(color.YellowString("About to %s", op.describe()))
	if rendered != "" {
		fmt.Println(rendered)
	}
	fmt.Println(color.CyanString(sep))
	fmt.Print("Proceed? [y/N]: ")

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(timeout):
		return false, fmt.Errorf("confirmation timed out")
	case answer := <-answers:
		return answer == "y" || answer == "yes", nil
	}
}

// Guardrails bundles the checkpoint store with the runtime safety flags.
type Guardrails struct {
	Checkpoints *CheckpointStore

	mu              sync.RWMutex
	enabled         bool
	dryRun          bool
	confirmDestruct bool
	confirmer       Confirmer
	diffGen         *diff.Generator
}

// New builds guardrails around a checkpoint store. confirmer may be nil, in
// which case destructive ops proceed without a dialog.
func New(checkpoints *CheckpointStore, confirmer Confirmer) *Guardrails {
	return &Guardrails{
		Checkpoints:     checkpoints,
		enabled:         true,
		confirmDestruct: true,
		confirmer:       confirmer,
		diffGen:         diff.NewGenerator(false),
	}
}

// SetEnabled toggles checkpoint creation entirely.
func (g *Guardrails) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// Enabled reports whether autonomous runs get checkpoints.
func (g *Guardrails) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// SetDryRun toggles the global dry-run flag.
func (g *Guardrails) SetDryRun(dryRun bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dryRun = dryRun
}

// DryRun reports the global dry-run flag.
func (g *Guardrails) DryRun() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dryRun
}

// SetConfirmDestructive toggles the confirmation requirement.
func (g *Guardrails) SetConfirmDestructive(confirm bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmDestruct = confirm
}

// RenderDryRun writes a descriptive rendering of the planned operations to
// the stream; no file I/O occurs. Returns the rendered text.
func (g *Guardrails) RenderDryRun(ops []PlannedOp, stream agent.Stream) string {
	var b strings.Builder
	b.WriteString("Dry run — no changes applied:\n")
	for _, op := range ops {
		b.WriteString("- " + op.describe() + "\n")
		if op.Kind == OpEdit || op.Kind == OpCreate {
			if d := g.diffGen.GenerateUnified(op.OldContent, op.NewContent, op.Path); d.UnifiedDiff != "" {
				b.WriteString("```diff\n" + d.UnifiedDiff + "```\n")
			}
		}
	}
	rendered := b.String()
	if stream != nil {
		stream.Markdown(rendered)
	}
	return rendered
}

// ConfirmDestructive runs the confirmation dialog for a destructive op when
// the flag requires it. Non-destructive ops pass through immediately.
func (g *Guardrails) ConfirmDestructive(ctx context.Context, op PlannedOp) (bool, error) {
	g.mu.RLock()
	required := g.confirmDestruct
	confirmer := g.confirmer
	g.mu.RUnlock()
	if !required || confirmer == nil || !op.Destructive() {
		return true, nil
	}
	rendered := ""
	if op.Kind == OpEdit {
		if d := g.diffGen.GenerateUnified(op.OldContent, op.NewContent, op.Path); d.UnifiedDiff != "" {
			rendered = d.UnifiedDiff
		}
	}
	return confirmer.Confirm(ctx, op, rendered)
}
