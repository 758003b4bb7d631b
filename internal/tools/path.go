package tools

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned for paths that escape the workspace.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// resolvePath maps p onto the workspace. Relative paths are joined to it;
// absolute paths must already be inside it.
func resolvePath(workspace, p string) (string, error) {
	if workspace == "" {
		return "", errors.New("no workspace configured")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	if p == "" {
		return root, nil
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(root, p)
	}
	if !within(root, full) {
		return "", ErrOutsideWorkspace
	}
	// Symlinks inside the workspace must not lead out of it, including
	// through a directory a new file is about to be created in.
	existing, err := existingAncestor(full)
	if err != nil {
		return "", err
	}
	if !within(root, existing) {
		// The workspace itself does not exist yet.
		return full, nil
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// A dangling link has no target inside the workspace.
		return "", ErrOutsideWorkspace
	}
	if rootResolved, err := filepath.EvalSymlinks(root); err == nil {
		root = rootResolved
	}
	if !within(root, resolved) {
		return "", ErrOutsideWorkspace
	}
	return full, nil
}

// existingAncestor returns p or its deepest ancestor present on disk.
func existingAncestor(p string) (string, error) {
	for {
		_, err := os.Lstat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// relPath returns p relative to the workspace for display.
func relPath(workspace, p string) string {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return p
	}
	if rel, err := filepath.Rel(root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}
