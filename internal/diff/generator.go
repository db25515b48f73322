// Package diff renders unified diffs for dry-run output and the diff-preview
// collector.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffBytes skips diffing for very large payloads.
const maxDiffBytes = 10 * 1024 * 1024

// Generator produces unified diffs, optionally colorized for terminal output.
type Generator struct {
	colorEnabled bool
}

// NewGenerator builds a generator. colorEnabled adds ANSI colors to hunk and
// change lines.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result is a generated diff plus change statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// GenerateUnified creates a unified diff between old and new content.
// Identical content yields an empty diff; binary and oversized content yield
// a one-line placeholder.
func (g *Generator) GenerateUnified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}
	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		return &Result{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ Large file, diff skipped @@", filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	patchText := dmp.PatchToText(patches)
	if patchText == "" {
		return &Result{}
	}

	added, deleted := countChanges(diffs)
	return &Result{
		UnifiedDiff:  g.format(patchText, filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// format prefixes file headers and colorizes patch lines.
func (g *Generator) format(patchText, filename string) string {
	var b strings.Builder
	b.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	b.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			b.WriteString(g.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			b.WriteString(g.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			b.WriteString(g.colorize(line+"\n", color.FgRed))
		case line != "":
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func (g *Generator) colorize(text string, attrs ...color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			lines++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			deleted += lines
		}
	}
	return
}

func isBinary(content string) bool {
	limit := len(content)
	if limit > 8000 {
		limit = 8000
	}
	return strings.ContainsRune(content[:limit], '\x00')
}
