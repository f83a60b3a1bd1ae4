package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// UnitDirName holds per-unit expansion checkpoints inside a run directory.
const UnitDirName = "expanded_chunks"

// UnitStore keeps one file per finished unit. The presence of a file is the
// idempotency key: a unit with a file is never processed again.
type UnitStore struct {
	dir string
}

// NewUnitStore creates a store rooted at dir.
func NewUnitStore(dir string) *UnitStore {
	return &UnitStore{dir: dir}
}

// Dir returns the store directory.
func (s *UnitStore) Dir() string {
	return s.dir
}

// Path returns the checkpoint file for unit index.
func (s *UnitStore) Path(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%04d.md", index))
}

// Load returns the stored text for index and whether it exists.
func (s *UnitStore) Load(index int) (string, bool, error) {
	data, err := os.ReadFile(s.Path(index))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Save writes text for index atomically.
func (s *UnitStore) Save(index int, text string) error {
	return WriteFileAtomic(s.Path(index), []byte(text))
}

// Indices lists the unit indices that have a checkpoint, ascending.
func (s *UnitStore) Indices() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".md"))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
