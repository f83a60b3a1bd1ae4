package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Purge removes everything under dir except the preserved paths. A
// directory that contains a preserved path is descended into instead of
// removed. Symlinks are removed without following them. Preserved paths
// outside dir are ignored.
func Purge(dir string, preserve ...string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(root); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	keep := make(map[string]bool, len(preserve))
	for _, p := range preserve {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		if within(root, abs) {
			keep[abs] = true
		}
	}
	return purgeDir(root, keep)
}

func purgeDir(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if keep[path] {
			continue
		}
		// DirEntry.IsDir is false for symlinks, so links are never descended.
		if e.IsDir() && holdsPreserved(path, keep) {
			if err := purgeDir(path, keep); err != nil {
				return err
			}
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func holdsPreserved(dir string, keep map[string]bool) bool {
	for p := range keep {
		if within(dir, p) && p != dir {
			return true
		}
	}
	return false
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
