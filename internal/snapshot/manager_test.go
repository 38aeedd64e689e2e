package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_EmptyDirReturnsEmptySlice(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	metas, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestManager_CreateAndRollbackSingle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v1"), 0o644))

	m := New(dir)
	meta, err := m.CreateSnapshot("task-1", "edit f", []string{"f.txt"})
	require.NoError(t, err)
	require.Equal(t, []string{"f.txt"}, meta.FilesChanged)
	require.Empty(t, meta.ParentSnapshotID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v2"), 0o644))

	restored, err := m.Rollback(meta.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, []string{"f.txt"}, restored)

	data, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))

	metas, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestManager_NewFileHasNoPreImage(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	meta, err := m.CreateSnapshot("task-1", "add new file", []string{"new.txt"})
	require.NoError(t, err)
	require.Empty(t, meta.FilesChanged)
	require.Equal(t, []string{"new.txt"}, meta.NewFiles)
}

func TestManager_RollbackDeletesNewFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	meta, err := m.CreateSnapshot("task-1", "add new file", nil)
	require.NoError(t, err)

	require.NoError(t, m.RecordWrite(meta.SnapshotID, "new.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("created by engineer"), 0o644))

	restored, err := m.Rollback(meta.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, []string{"new.txt"}, restored)

	_, statErr := os.Stat(filepath.Join(dir, "new.txt"))
	require.True(t, os.IsNotExist(statErr), "rollback must delete files that had no pre-image")
}

func TestManager_RecordWriteBacksUpOnlyOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("v1"), 0o644))

	m := New(dir)
	meta, err := m.CreateSnapshot("task-1", "edit f twice", nil)
	require.NoError(t, err)

	require.NoError(t, m.RecordWrite(meta.SnapshotID, "f.txt"))
	require.NoError(t, os.WriteFile(fpath, []byte("v2"), 0o644))

	// A second write to the same path within the same snapshot must not
	// re-back-up the now-intermediate "v2" content over the original "v1".
	require.NoError(t, m.RecordWrite(meta.SnapshotID, "f.txt"))
	require.NoError(t, os.WriteFile(fpath, []byte("v3"), 0o644))

	restored, err := m.Rollback(meta.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, []string{"f.txt"}, restored)

	data, err := os.ReadFile(fpath)
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestManager_RecordWriteNewFilePersistsNewFilesInMeta(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	meta, err := m.CreateSnapshot("task-1", "add new file lazily", nil)
	require.NoError(t, err)
	require.Empty(t, meta.FilesChanged)
	require.Empty(t, meta.NewFiles)

	require.NoError(t, m.RecordWrite(meta.SnapshotID, "new.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hello"), 0o644))

	metas, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, []string{"new.txt"}, metas[0].NewFiles)
}

func TestManager_DeepCascadeRollback(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("A"), 0o644))

	m := New(dir)
	snapA, err := m.CreateSnapshot("t", "A", []string{"f.txt"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fpath, []byte("B"), 0o644))
	_, err = m.CreateSnapshot("t", "B", []string{"f.txt"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fpath, []byte("C"), 0o644))
	_, err = m.CreateSnapshot("t", "C", []string{"f.txt"})
	require.NoError(t, err)

	chain, err := m.GetRollbackChain(snapA.SnapshotID)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	restored, err := m.Rollback(snapA.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, []string{"f.txt"}, restored)

	data, err := os.ReadFile(fpath)
	require.NoError(t, err)
	require.Equal(t, "A", string(data))

	metas, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Empty(t, metas)
}
