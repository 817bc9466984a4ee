// Package atomicstore implements the Atomic File Store (spec.md C1): a
// cross-process, crash-safe read-modify-write over a single JSON document,
// guarded by an advisory file lock. A reader of the document's path always
// observes either the pre-image or the post-image of the most recent
// completed Update, never a partial write.
package atomicstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/headless-pm/pmcore/internal/pmlog"
)

// UpdateFunc is applied to a decoded copy of the document and must be pure:
// deterministic and free of side effects, since it may run more than once
// under lock contention in future callers.
type UpdateFunc func(doc map[string]any) (map[string]any, error)

// Store guards one JSON document at Path with a sibling .lock file.
type Store struct {
	Path string
}

// New returns a Store for the document at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Update performs the C1 algorithm: acquire the lock, read (or fall back to
// default on missing/corrupt JSON), apply fn, write atomically, release.
// It returns the document fn produced.
func (s *Store) Update(fn UpdateFunc, def map[string]any) (map[string]any, error) {
	lockPath := s.Path + ".lock"
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, fmt.Errorf("atomicstore: ensure dir: %w", err)
	}

	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("atomicstore: acquire lock: %w", err)
	}
	defer lock.Unlock()

	doc, err := s.readOrDefault(def)
	if err != nil {
		// readOrDefault never returns an error from a corrupt document; any
		// error here is an I/O failure worth surfacing.
		return nil, err
	}

	result, err := fn(doc)
	if err != nil {
		return nil, err
	}

	if err := s.writeAtomic(result); err != nil {
		return nil, err
	}
	return result, nil
}

// Read returns the current document (or def if missing/corrupt) without
// taking the write path; used by read-only status/debug operations.
func (s *Store) Read(def map[string]any) map[string]any {
	doc, err := s.readOrDefault(def)
	if err != nil {
		return def
	}
	return doc
}

func (s *Store) readOrDefault(def map[string]any) (map[string]any, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return cloneMap(def), nil
		}
		return nil, fmt.Errorf("atomicstore: read %s: %w", s.Path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		pmlog.WithComponent("atomicstore").Warn().
			Str("path", s.Path).Err(err).
			Msg("corrupt JSON document, falling back to default")
		return cloneMap(def), nil
	}
	return doc, nil
}

func (s *Store) writeAtomic(doc map[string]any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicstore: marshal: %w", err)
	}
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".atomicstore-*.tmp")
	if err != nil {
		return fmt.Errorf("atomicstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("atomicstore: rename: %w", err)
	}
	cleanup = false
	return nil
}

// Delete removes the document file, ignoring a not-exist error. Used when a
// registry becomes empty (spec.md §3 lifecycle).
func (s *Store) Delete() error {
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
