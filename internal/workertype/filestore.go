package workertype

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileStore is a JSON-file-backed Store, useful for local runs and
// tests standing in for the real external worker-type store. It loads
// once at construction and is never written back to, matching the
// read-only contract of spec.md §1/§3 (the real store owns
// persistence; this module never does).
//
// Adapted from the teacher's event-log persistence shape
// (internal/store/store.go): same mutex-guarded load, minus the write
// half, since this module owns no persisted state.
type FileStore struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	names []string
}

// NewFileStore loads worker-type definitions from a JSON file holding
// an array of Definition.
func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker-type file: %w", err)
	}

	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse worker-type file: %w", err)
	}

	fs := &FileStore{
		defs: make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		fs.defs[d.Name] = d
		fs.names = append(fs.names, d.Name)
	}
	return fs, nil
}

// NewInMemoryStore wraps an already-decoded set of definitions,
// mainly for tests.
func NewInMemoryStore(defs []Definition) *FileStore {
	fs := &FileStore{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		fs.defs[d.Name] = d
		fs.names = append(fs.names, d.Name)
	}
	return fs
}

func (fs *FileStore) ListWorkerTypes(ctx context.Context) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, len(fs.names))
	copy(out, fs.names)
	return out, nil
}

func (fs *FileStore) LoadWorkerType(ctx context.Context, name string) (Definition, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	d, ok := fs.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("worker type %q not found", name)
	}
	return d, nil
}
