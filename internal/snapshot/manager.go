// Package snapshot implements the Snapshot Manager (C3): per-task file
// snapshots with cascading rollback. File-copy and backup idioms are
// grounded on the teacher's pkg/coder/engine/diff.go createBackup helper
// and utils/path.go's path handling.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nightfall-run/nightfall/internal/types"
)

// Manager owns the on-disk snapshot tree under "<project>/.nightfall/snapshots".
type Manager struct {
	root string // <project>/.nightfall/snapshots
	mu   sync.Mutex
}

// New builds a Manager rooted at "<projectRoot>/.nightfall/snapshots".
func New(projectRoot string) *Manager {
	return &Manager{root: filepath.Join(projectRoot, ".nightfall", "snapshots")}
}

// CreateSnapshot preserves the current bytes of every path in filePaths that
// already exists, then writes meta.json last. Paths with no pre-image are
// silently skipped (the new-file case) and recorded in NewFiles, per the
// Open Question decision documented in DESIGN.md.
func (m *Manager) CreateSnapshot(taskID, prompt string, filePaths []string) (*types.SnapshotMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}

	existing, err := m.listMetasLocked()
	if err != nil {
		return nil, err
	}

	seq := len(existing) + 1
	ts := time.Now().UnixMilli()
	id := fmt.Sprintf("task_%03d_%d", seq, ts)

	var parent string
	if len(existing) > 0 {
		parent = existing[0].SnapshotID // newest-first already
	}

	snapDir := filepath.Join(m.root, id)
	filesDir := filepath.Join(snapDir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	var changed []string
	var newFiles []string
	for _, rel := range filePaths {
		srcAbs := filepath.Join(m.projectRoot(), rel)
		info, err := os.Stat(srcAbs)
		if err != nil {
			if os.IsNotExist(err) {
				newFiles = append(newFiles, rel)
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		dst := filepath.Join(filesDir, rel)
		if err := copyFile(srcAbs, dst); err != nil {
			return nil, fmt.Errorf("preserve %s: %w", rel, err)
		}
		changed = append(changed, rel)
	}

	meta := &types.SnapshotMeta{
		SnapshotID:       id,
		TaskID:           taskID,
		Prompt:           prompt,
		Timestamp:        ts,
		ParentSnapshotID: parent,
		FilesChanged:     changed,
		NewFiles:         newFiles,
		CreatedAt:        time.Now(),
	}

	if err := m.writeMetaLocked(snapDir, meta); err != nil {
		return nil, err
	}

	return meta, nil
}

// RecordWrite is the backup-on-first-write hook write_diff/write_file call
// (internal/tools) before mutating path, since a plan's exact file set isn't
// known until its engineers run. The first call for a given (snapshotID,
// path) pair preserves path's current content under the snapshot (or, if
// path doesn't exist yet, records it in NewFiles); later calls for the same
// pair are no-ops, since a rollback must restore the pre-task state, not
// some intermediate one.
func (m *Manager) RecordWrite(snapshotID, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapDir := filepath.Join(m.root, snapshotID)
	meta, err := m.readMetaLocked(snapDir)
	if err != nil {
		return err
	}

	for _, f := range meta.FilesChanged {
		if f == rel {
			return nil
		}
	}
	for _, f := range meta.NewFiles {
		if f == rel {
			return nil
		}
	}

	srcAbs := filepath.Join(m.projectRoot(), rel)
	info, err := os.Stat(srcAbs)
	switch {
	case err != nil && os.IsNotExist(err):
		meta.NewFiles = append(meta.NewFiles, rel)
	case err != nil:
		return fmt.Errorf("stat %s: %w", rel, err)
	case !info.Mode().IsRegular():
		return nil
	default:
		dst := filepath.Join(snapDir, "files", rel)
		if err := copyFile(srcAbs, dst); err != nil {
			return fmt.Errorf("preserve %s: %w", rel, err)
		}
		meta.FilesChanged = append(meta.FilesChanged, rel)
	}

	return m.writeMetaLocked(snapDir, meta)
}

func (m *Manager) readMetaLocked(snapDir string) (*types.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(snapDir, "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("read meta.json: %w", err)
	}
	var meta types.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta.json: %w", err)
	}
	return &meta, nil
}

func (m *Manager) writeMetaLocked(snapDir string, meta *types.SnapshotMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return os.WriteFile(filepath.Join(snapDir, "meta.json"), data, 0o600)
}

func (m *Manager) projectRoot() string {
	// m.root == "<project>/.nightfall/snapshots"
	return filepath.Dir(filepath.Dir(m.root))
}

// ListSnapshots returns all snapshot metas, newest first by timestamp.
func (m *Manager) ListSnapshots() ([]*types.SnapshotMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listMetasLocked()
}

func (m *Manager) listMetasLocked() ([]*types.SnapshotMeta, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots dir: %w", err)
	}

	var metas []*types.SnapshotMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta types.SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		metas = append(metas, &meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Timestamp != metas[j].Timestamp {
			return metas[i].Timestamp > metas[j].Timestamp
		}
		return metas[i].SnapshotID > metas[j].SnapshotID
	})
	return metas, nil
}

// GetRollbackChain returns the cascade for id without mutating anything:
// every snapshot with timestamp >= target's, newest first.
func (m *Manager) GetRollbackChain(id string) ([]*types.SnapshotMeta, error) {
	metas, err := m.ListSnapshots()
	if err != nil {
		return nil, err
	}
	var target *types.SnapshotMeta
	for _, meta := range metas {
		if meta.SnapshotID == id {
			target = meta
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, os.ErrNotExist)
	}

	var chain []*types.SnapshotMeta
	for _, meta := range metas {
		if meta.Timestamp >= target.Timestamp {
			chain = append(chain, meta)
		}
	}
	return chain, nil
}

// Rollback restores every FilesChanged entry and deletes every NewFiles
// entry across the cascade chain rooted at id, per the Open Question
// decision recorded in DESIGN.md, then removes each snapshot directory in
// the chain. Returns the set of project-relative paths touched (restored or
// deleted).
func (m *Manager) Rollback(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, err := m.getRollbackChainLocked(id)
	if err != nil {
		return nil, err
	}

	restored := make(map[string]struct{})
	deleted := make(map[string]struct{})
	for _, meta := range chain {
		snapDir := filepath.Join(m.root, meta.SnapshotID)
		filesDir := filepath.Join(snapDir, "files")
		for _, rel := range meta.FilesChanged {
			src := filepath.Join(filesDir, rel)
			dst := filepath.Join(m.projectRoot(), rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, fmt.Errorf("create parent dir for %s: %w", rel, err)
			}
			if err := copyFile(src, dst); err != nil {
				return nil, fmt.Errorf("restore %s: %w", rel, err)
			}
			restored[rel] = struct{}{}
		}
		for _, rel := range meta.NewFiles {
			dst := filepath.Join(m.projectRoot(), rel)
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove new file %s: %w", rel, err)
			}
			deleted[rel] = struct{}{}
		}
	}

	for _, meta := range chain {
		if err := os.RemoveAll(filepath.Join(m.root, meta.SnapshotID)); err != nil {
			return nil, fmt.Errorf("remove snapshot %s: %w", meta.SnapshotID, err)
		}
	}

	out := make([]string, 0, len(restored)+len(deleted))
	for rel := range restored {
		out = append(out, rel)
	}
	for rel := range deleted {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) getRollbackChainLocked(id string) ([]*types.SnapshotMeta, error) {
	metas, err := m.listMetasLocked()
	if err != nil {
		return nil, err
	}
	var target *types.SnapshotMeta
	for _, meta := range metas {
		if meta.SnapshotID == id {
			target = meta
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, os.ErrNotExist)
	}
	var chain []*types.SnapshotMeta
	for _, meta := range metas {
		if meta.Timestamp >= target.Timestamp {
			chain = append(chain, meta)
		}
	}
	return chain, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
