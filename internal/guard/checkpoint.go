// Package guard protects autonomous agent runs: file-state checkpoints with
// rollback, dry-run rendering, and destructive-operation confirmation.
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/logging"
)

// Checkpoint status values.
type Status string

const (
	StatusOpen       Status = "open"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledBack"
)

// FileState captures one path's pre-checkpoint state. OriginalContent is only
// meaningful when ExistedBefore is true.
type FileState struct {
	Path            string `json:"path"`
	OriginalContent string `json:"originalContent,omitempty"`
	ExistedBefore   bool   `json:"existedBefore"`
}

// Checkpoint is a snapshot of pre-mutation file state for one autonomous
// invocation.
type Checkpoint struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agentId"`
	CreatedAt time.Time   `json:"createdAt"`
	Files     []FileState `json:"files"`
	Status    Status      `json:"status"`
}

// CheckpointStore creates and resolves checkpoints. Paths are resolved
// against the workspace root so relative and absolute announcements land on
// the same file state.
type CheckpointStore struct {
	mu          sync.Mutex
	root        string
	checkpoints map[string]*Checkpoint
	order       []string
	logger      logging.Logger
}

// NewCheckpointStore builds a store rooted at the workspace directory.
func NewCheckpointStore(root string, logger logging.Logger) *CheckpointStore {
	return &CheckpointStore{
		root:        root,
		checkpoints: make(map[string]*Checkpoint),
		logger:      logging.OrNop(logger),
	}
}

// Create opens a new checkpoint for an agent invocation and returns its id.
func (s *CheckpointStore) Create(agentID string) string {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		CreatedAt: time.Now(),
		Status:    StatusOpen,
	}
	s.mu.Lock()
	s.checkpoints[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	s.mu.Unlock()
	s.logger.Debug("checkpoint %s opened for agent %s", cp.ID, agentID)
	return cp.ID
}

func (s *CheckpointStore) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.root, path)
}

// RecordFile captures a path's current state into the checkpoint before its
// first mutation. Later announcements for the same path are no-ops, so the
// earliest observed content is what rollback restores.
func (s *CheckpointStore) RecordFile(id, path string) error {
	resolved := s.resolve(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return fmt.Errorf("checkpoint not found: %s", id)
	}
	if cp.Status != StatusOpen {
		return fmt.Errorf("checkpoint %s is %s", id, cp.Status)
	}
	for _, f := range cp.Files {
		if f.Path == resolved {
			return nil
		}
	}
	state := FileState{Path: resolved}
	if content, err := os.ReadFile(resolved); err == nil {
		state.ExistedBefore = true
		state.OriginalContent = string(content)
	}
	cp.Files = append(cp.Files, state)
	return nil
}

// MarkCreated records files the handler reports as affected after a
// successful run. Paths not yet captured are recorded with absence as their
// original state, covering files created outside the executor's view.
func (s *CheckpointStore) MarkCreated(id string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return fmt.Errorf("checkpoint not found: %s", id)
	}
	for _, path := range paths {
		resolved := s.resolve(path)
		known := false
		for _, f := range cp.Files {
			if f.Path == resolved {
				known = true
				break
			}
		}
		if !known {
			cp.Files = append(cp.Files, FileState{Path: resolved, ExistedBefore: false})
		}
	}
	return nil
}

// Commit closes the checkpoint as successful. File state is retained so an
// explicit undo can still synthesize the reverse operation.
func (s *CheckpointStore) Commit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return fmt.Errorf("checkpoint not found: %s", id)
	}
	if cp.Status != StatusOpen {
		return fmt.Errorf("checkpoint %s is %s", id, cp.Status)
	}
	cp.Status = StatusCommitted
	return nil
}

// Rollback restores every captured path to its pre-checkpoint state,
// best-effort: files that existed are rewritten, files that did not are
// deleted. Works on open checkpoints (failure path) and committed ones
// (explicit undo).
func (s *CheckpointStore) Rollback(id string) bool {
	s.mu.Lock()
	cp, ok := s.checkpoints[id]
	if !ok || cp.Status == StatusRolledBack {
		s.mu.Unlock()
		return false
	}
	files := append([]FileState(nil), cp.Files...)
	cp.Status = StatusRolledBack
	s.mu.Unlock()

	for _, f := range files {
		if f.ExistedBefore {
			if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
				s.logger.Warn("rollback %s: %v", f.Path, err)
				continue
			}
			if err := os.WriteFile(f.Path, []byte(f.OriginalContent), 0644); err != nil {
				s.logger.Warn("rollback restore %s: %v", f.Path, err)
			}
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("rollback remove %s: %v", f.Path, err)
		}
	}
	s.logger.Info("checkpoint %s rolled back (%d files)", id, len(files))
	return true
}

// Get returns a copy of the checkpoint.
func (s *CheckpointStore) Get(id string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return Checkpoint{}, false
	}
	return *cp, true
}

// ListRecent returns up to n checkpoints, newest first.
func (s *CheckpointStore) ListRecent(n int) []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]string(nil), s.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.checkpoints[ids[i]].CreatedAt.After(s.checkpoints[ids[j]].CreatedAt)
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.checkpoints[id])
	}
	return out
}

// LatestCommitted returns the most recent committed checkpoint, used by the
// undo meta command.
func (s *CheckpointStore) LatestCommitted() (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		cp := s.checkpoints[s.order[i]]
		if cp.Status == StatusCommitted {
			return *cp, true
		}
	}
	return Checkpoint{}, false
}

// Clear drops all checkpoints.
func (s *CheckpointStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = make(map[string]*Checkpoint)
	s.order = nil
}
