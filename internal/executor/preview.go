package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relay/internal/diff"
	"relay/internal/guard"
)

// PreviewCollector diverts mutating operations into a pending set instead of
// the filesystem. The host shows per-file diffs and returns apply/reject
// decisions; Apply then writes only the approved subset.
type PreviewCollector struct {
	mu  sync.Mutex
	ops []guard.PlannedOp
	gen *diff.Generator
}

// NewPreviewCollector builds an empty collector.
func NewPreviewCollector() *PreviewCollector {
	return &PreviewCollector{gen: diff.NewGenerator(false)}
}

// Collect records one planned operation.
func (p *PreviewCollector) Collect(op guard.PlannedOp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
}

// Pending returns the collected operations in arrival order.
func (p *PreviewCollector) Pending() []guard.PlannedOp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]guard.PlannedOp(nil), p.ops...)
}

// FilePreview pairs a path with its rendered diff for host display.
type FilePreview struct {
	Path string
	Diff string
}

// Previews renders a diff per pending file operation.
func (p *PreviewCollector) Previews() []FilePreview {
	var out []FilePreview
	for _, op := range p.Pending() {
		if op.Kind == guard.OpShell {
			continue
		}
		d := p.gen.GenerateUnified(op.OldContent, op.NewContent, op.Path)
		out = append(out, FilePreview{Path: op.Path, Diff: d.UnifiedDiff})
	}
	return out
}

// Apply writes the approved subset to disk. decisions maps path to approval;
// missing paths are rejected. Returns the applied paths.
func (p *PreviewCollector) Apply(ctx context.Context, root string, decisions map[string]bool) ([]string, error) {
	var applied []string
	for _, op := range p.Pending() {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if op.Kind == guard.OpShell || !decisions[op.Path] {
			continue
		}
		resolved, err := resolvePath(root, op.Path)
		if err != nil {
			return applied, err
		}
		switch op.Kind {
		case guard.OpCreate, guard.OpEdit:
			if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
				return applied, fmt.Errorf("apply %s: %w", op.Path, err)
			}
			if err := os.WriteFile(resolved, []byte(op.NewContent), 0644); err != nil {
				return applied, fmt.Errorf("apply %s: %w", op.Path, err)
			}
		case guard.OpDelete:
			if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
				return applied, fmt.Errorf("apply delete %s: %w", op.Path, err)
			}
		}
		applied = append(applied, op.Path)
	}
	return applied, nil
}
