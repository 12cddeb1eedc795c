// Package fsutil provides filesystem confinement helpers.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath ensures that joining root and relTarget results in a path
// that is physically underneath the resolved path of root. It protects
// against symlink traversal and backslash bypass. The target MUST be
// relative.
func ConfineRelPath(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}

	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(cleanRel, "/") {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}

	// Segment-based traversal check: Clean handles "a/../b" -> "b", but a
	// leading ".." always points outside.
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	fullPath := filepath.Join(realRoot, cleanRel)

	return resolveAndCheck(realRoot, fullPath)
}

// resolveAndCheck resolves fullPath's symlinks and ensures the result stays
// within realRoot.
func resolveAndCheck(realRoot, fullPath string) (string, error) {
	var realPath string
	if _, err := os.Lstat(fullPath); err == nil {
		rp, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			// If resolving fails for an existing path, deny access.
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = rp
	} else {
		// Path does not exist yet; resolve the parent instead.
		dir := filepath.Dir(fullPath)
		if rp, err := filepath.EvalSymlinks(dir); err == nil {
			realPath = filepath.Join(rp, filepath.Base(fullPath))
		} else {
			if _, statErr := os.Stat(dir); statErr == nil {
				// Parent exists but could not be resolved: fail closed.
				return "", fmt.Errorf("failed to resolve parent path: %v", err)
			}
			// Parent doesn't exist either; rely on the Rel check below.
			realPath = fullPath
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root via symlinks: %s", realPath)
	}

	return realPath, nil
}

// IsRegularFile checks if path exists and is a regular file (not directory,
// device, etc). Returns an error if not.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
