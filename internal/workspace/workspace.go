// Package workspace manages the per-group directories that hold the group's
// MEMORY.md and any files the file tools create.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// MemoryFile is the per-group memory document appended to the system prompt.
const MemoryFile = "MEMORY.md"

// ErrPathOutsideWorkspace is returned when a path resolves outside the group directory.
var ErrPathOutsideWorkspace = errors.New("path outside workspace")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Workspace is rooted at a directory with one subdirectory per group.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root. The directory is created lazily.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Dir returns the directory for a group. "tg:-100123" becomes "tg_-100123".
func (w *Workspace) Dir(group types.GroupID) string {
	name := unsafeChars.ReplaceAllString(string(group), "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(w.root, name)
}

// Ensure creates the group directory.
func (w *Workspace) Ensure(group types.GroupID) (string, error) {
	dir := w.Dir(group)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace for %s: %w", group, err)
	}
	return dir, nil
}

// Resolve maps a path given by the model onto the group directory. Relative
// paths are joined to the directory; absolute paths must already lie inside it.
func (w *Workspace) Resolve(group types.GroupID, p string) (string, error) {
	dir := w.Dir(group)
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(dir, p)
	}
	if !within(dir, full) {
		return "", fmt.Errorf("%s: %w", p, ErrPathOutsideWorkspace)
	}

	// A symlink inside the workspace must not lead out of it.
	if real, err := filepath.EvalSymlinks(full); err == nil {
		realDir, derr := filepath.EvalSymlinks(dir)
		if derr != nil {
			realDir = dir
		}
		if !within(realDir, real) {
			return "", fmt.Errorf("%s: %w", p, ErrPathOutsideWorkspace)
		}
	}
	return full, nil
}

func within(dir, full string) bool {
	rel, err := filepath.Rel(dir, full)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// LoadMemory returns the group's MEMORY.md. A missing file yields an error
// wrapping os.ErrNotExist; callers treat memory as best-effort.
func (w *Workspace) LoadMemory(group types.GroupID) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir(group), MemoryFile))
	if err != nil {
		return "", fmt.Errorf("load memory for %s: %w", group, err)
	}
	return string(data), nil
}

// SaveMemory replaces the group's MEMORY.md.
func (w *Workspace) SaveMemory(group types.GroupID, content string) error {
	dir, err := w.Ensure(group)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MemoryFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace memory: %w", err)
	}
	logging.StoreDebug("Memory updated for %s (%d bytes)", group, len(content))
	return nil
}
