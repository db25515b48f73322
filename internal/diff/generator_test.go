package diff

import (
	"strings"
	"testing"
)

func TestGenerateUnifiedCountsChanges(t *testing.T) {
	g := NewGenerator(false)
	old := "line one\nline two\nline three\n"
	updated := "line one\nline 2\nline three\nline four\n"

	result := g.GenerateUnified(old, updated, "notes.txt")
	if result.IsBinary {
		t.Fatalf("text content flagged binary")
	}
	if result.AddedLines == 0 || result.DeletedLines == 0 {
		t.Fatalf("change counts %d/%d", result.AddedLines, result.DeletedLines)
	}
	for _, want := range []string{"--- a/notes.txt", "+++ b/notes.txt", "@@"} {
		if !strings.Contains(result.UnifiedDiff, want) {
			t.Fatalf("diff missing %q:\n%s", want, result.UnifiedDiff)
		}
	}
}

func TestGenerateUnifiedIdenticalIsEmpty(t *testing.T) {
	g := NewGenerator(false)
	result := g.GenerateUnified("same\n", "same\n", "f")
	if result.UnifiedDiff != "" || result.AddedLines != 0 || result.DeletedLines != 0 {
		t.Fatalf("identical content produced %+v", result)
	}
}

func TestGenerateUnifiedDetectsBinary(t *testing.T) {
	g := NewGenerator(false)
	result := g.GenerateUnified("plain", "data\x00data", "blob.bin")
	if !result.IsBinary {
		t.Fatalf("null byte should mark content binary")
	}
	if !strings.Contains(result.UnifiedDiff, "blob.bin") {
		t.Fatalf("placeholder should name the file: %s", result.UnifiedDiff)
	}
}
