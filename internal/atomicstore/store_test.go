package atomicstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateCreatesDocumentFromDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path)

	result, err := s.Update(func(doc map[string]any) (map[string]any, error) {
		doc["count"] = 1.0
		return doc, nil
	}, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 1.0, result["count"])

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestUpdateFallsBackToDefaultOnCorruptJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := New(path)
	result, err := s.Update(func(doc map[string]any) (map[string]any, error) {
		return doc, nil
	}, map[string]any{"seed": true})
	require.NoError(t, err)
	require.Equal(t, true, result["seed"])
}

func TestUpdateNeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	s := New(path)

	_, err := s.Update(func(doc map[string]any) (map[string]any, error) {
		return doc, nil
	}, map[string]any{})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, filepath.Ext(e.Name()) == ".tmp", "leftover temp file: %s", e.Name())
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(func(doc map[string]any) (map[string]any, error) {
				count, _ := doc["count"].(float64)
				doc["count"] = count + 1
				return doc, nil
			}, map[string]any{"count": 0.0})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	final := s.Read(map[string]any{})
	require.Equal(t, float64(n), final["count"])
}

func TestDeleteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path)
	require.NoError(t, s.Delete())

	_, err := s.Update(func(doc map[string]any) (map[string]any, error) {
		return doc, nil
	}, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())
}
