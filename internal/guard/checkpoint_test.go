package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRollbackRestoresOriginalContent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	writeFile(t, target, "original")

	s := NewCheckpointStore(root, nil)
	id := s.Create("coder")
	if err := s.RecordFile(id, "a.txt"); err != nil {
		t.Fatalf("record: %v", err)
	}
	writeFile(t, target, "mutated")

	if !s.Rollback(id) {
		t.Fatalf("rollback should succeed")
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "original" {
		t.Fatalf("content after rollback: %q, %v", data, err)
	}
}

func TestRollbackDeletesCreatedFiles(t *testing.T) {
	root := t.TempDir()
	s := NewCheckpointStore(root, nil)
	id := s.Create("coder")

	// File does not exist when announced; absence is its original state.
	if err := s.RecordFile(id, "new.txt"); err != nil {
		t.Fatalf("record: %v", err)
	}
	writeFile(t, filepath.Join(root, "new.txt"), "created")

	s.Rollback(id)
	if _, err := os.Stat(filepath.Join(root, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("created file should be removed on rollback")
	}
}

func TestFirstCaptureWins(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	writeFile(t, target, "v1")

	s := NewCheckpointStore(root, nil)
	id := s.Create("coder")
	s.RecordFile(id, "a.txt")
	writeFile(t, target, "v2")
	// Second announcement must not overwrite the captured state.
	s.RecordFile(id, "a.txt")
	writeFile(t, target, "v3")

	s.Rollback(id)
	data, _ := os.ReadFile(target)
	if string(data) != "v1" {
		t.Fatalf("earliest capture must win, got %q", data)
	}
}

func TestCommitThenUndo(t *testing.T) {
	root := t.TempDir()
	s := NewCheckpointStore(root, nil)
	id := s.Create("coder")
	writeFile(t, filepath.Join(root, "made.txt"), "new file")

	if err := s.MarkCreated(id, []string{"made.txt"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.Commit(id); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cp, ok := s.LatestCommitted()
	if !ok || cp.ID != id {
		t.Fatalf("latest committed should be %s", id)
	}
	if !s.Rollback(cp.ID) {
		t.Fatalf("undo of committed checkpoint should work")
	}
	if _, err := os.Stat(filepath.Join(root, "made.txt")); !os.IsNotExist(err) {
		t.Fatalf("undo should remove the created file")
	}
}

func TestRollbackIsTerminal(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), nil)
	id := s.Create("coder")
	if !s.Rollback(id) {
		t.Fatalf("first rollback succeeds")
	}
	if s.Rollback(id) {
		t.Fatalf("second rollback must report false")
	}
	if err := s.Commit(id); err == nil {
		t.Fatalf("committing a rolled-back checkpoint must fail")
	}
	if err := s.RecordFile(id, "x"); err == nil {
		t.Fatalf("recording into a closed checkpoint must fail")
	}
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), nil)
	if s.Rollback("missing") {
		t.Fatalf("unknown checkpoint must report false")
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), nil)
	s.Create("one")
	time.Sleep(2 * time.Millisecond)
	b := s.Create("two")
	time.Sleep(2 * time.Millisecond)
	c := s.Create("three")

	recent := s.ListRecent(2)
	if len(recent) != 2 {
		t.Fatalf("want 2, got %d", len(recent))
	}
	if recent[0].ID != c || recent[1].ID != b {
		t.Fatalf("want newest first [%s %s], got %+v", c, b, recent)
	}
}

func TestPlannedOpDestructive(t *testing.T) {
	cases := []struct {
		op   PlannedOp
		want bool
	}{
		{PlannedOp{Kind: OpDelete, Path: "a"}, true},
		{PlannedOp{Kind: OpEdit, Path: "a", OldContent: "x"}, true},
		{PlannedOp{Kind: OpEdit, Path: "a"}, false},
		{PlannedOp{Kind: OpCreate, Path: "a"}, false},
		{PlannedOp{Kind: OpShell, Command: "ls"}, false},
	}
	for _, tc := range cases {
		if got := tc.op.Destructive(); got != tc.want {
			t.Errorf("%s destructive = %v, want %v", tc.op.Kind, got, tc.want)
		}
	}
}
