package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a tool path resolves outside the
// workspace root. No I/O happens for such paths.
var ErrPathEscape = errors.New("path escapes the workspace")

// Workspace confines all file tools to one directory tree. The root is
// symlink-resolved once at construction; every tool path is resolved
// against it before any I/O.
type Workspace struct {
	root string
}

// NewWorkspace resolves and pins the sandbox root, creating it if needed.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the resolved sandbox root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a tool-supplied path to an absolute path inside the
// sandbox. Absolute inputs, lexical ".." escapes, and symlink escapes
// all fail with ErrPathEscape.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%q: absolute paths are not allowed: %w", path, ErrPathEscape)
	}

	joined := filepath.Join(w.root, path)
	if !w.contains(joined) {
		return "", fmt.Errorf("%q: %w", path, ErrPathEscape)
	}

	// The lexical check is not enough: a symlink inside the workspace can
	// still point outside it.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	if !w.contains(resolved) {
		return "", fmt.Errorf("%q: %w", path, ErrPathEscape)
	}
	return joined, nil
}

func (w *Workspace) contains(abs string) bool {
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// resolveExisting symlink-resolves the deepest existing ancestor of path
// and re-appends the non-existent remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	for current := path; ; current = filepath.Dir(current) {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		if parent := filepath.Dir(current); parent == current {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
	}
}
