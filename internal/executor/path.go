package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath validates a workspace-relative path and resolves it against the
// root. Absolute paths, null bytes, and any traversal escaping the root are
// rejected.
func resolvePath(root, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(trimmed, '\x00') {
		return "", fmt.Errorf("%w: null byte in path", ErrInvalidPath)
	}
	if filepath.IsAbs(trimmed) {
		return "", fmt.Errorf("%w: absolute path %s", ErrInvalidPath, trimmed)
	}
	resolved := filepath.Join(root, filepath.Clean(trimmed))
	if !pathWithinBase(root, resolved) {
		return "", fmt.Errorf("%w: %s escapes the workspace root", ErrInvalidPath, trimmed)
	}
	return resolved, nil
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
