// Package tasklog implements the Task Log (C7): one JSON file per task run
// under "<project>/.nightfall/logs/", with retention pruning. The
// directory-of-JSON-sidecars layout and best-effort/skip-on-parse-error
// read pattern are grounded on internal/snapshot.Manager.listMetasLocked,
// adapted from a single meta.json per directory to one flat file per run.
package tasklog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nightfall-run/nightfall/internal/types"
)

// Log owns the on-disk task log tree under "<project>/.nightfall/logs".
type Log struct {
	dir string
}

// New builds a Log rooted at "<projectRoot>/.nightfall/logs".
func New(projectRoot string) *Log {
	return &Log{dir: filepath.Join(projectRoot, ".nightfall", "logs")}
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases prompt, replaces runs of non-alphanumerics with a
// single dash, trims leading/trailing dashes, and caps the result at 50
// characters.
func slugify(prompt string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(prompt), "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = s[:50]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// filename returns the "<iso-timestamp>_<slug>.json" name for run, per
// spec §4.7. The ISO-8601 prefix keeps filenames sortable lexically.
func filename(run *types.TaskRun) string {
	ts := run.StartedAt.UTC().Format("2006-01-02T15-04-05.000Z")
	return fmt.Sprintf("%s_%s.json", ts, slugify(run.Prompt))
}

// Persist writes run's current snapshot to its log file, creating the log
// directory if needed. Intended to be called on every terminal status
// transition (and may safely be called repeatedly for one run, overwriting
// the same filename since StartedAt/Prompt are stable for the run's life).
func (l *Log) Persist(run *types.TaskRun) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}
	path := filepath.Join(l.dir, filename(run))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write task log: %w", err)
	}
	return nil
}

// ListLogs reads every "*.json" file in the log directory, skipping any
// that fail to parse, and returns them sorted by StartedAt descending. A
// missing log directory yields an empty, non-error result.
func (l *Log) ListLogs() ([]*types.TaskRun, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read logs dir: %w", err)
	}

	var runs []*types.TaskRun
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		var run types.TaskRun
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

// Get returns the log entry for the task run with the given ID, or
// (nil, false) if no such entry exists.
func (l *Log) Get(taskID string) (*types.TaskRun, bool) {
	runs, err := l.ListLogs()
	if err != nil {
		return nil, false
	}
	for _, run := range runs {
		if run.ID == taskID {
			return run, true
		}
	}
	return nil, false
}

// PruneOldLogs keeps only the max newest log files, by filename: since
// filenames are prefixed with an ISO-8601 timestamp, lexical filename order
// equals chronological order, so pruning needs no parsing, per spec §4.7.
func (l *Log) PruneOldLogs(max int) error {
	if max <= 0 {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read logs dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) <= max {
		return nil
	}
	toRemove := names[:len(names)-max]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("remove old log %s: %w", name, err)
		}
	}
	return nil
}

// Rollback window helper: RunAge reports how long ago run started, useful
// for commands that display relative timestamps.
func RunAge(run *types.TaskRun) time.Duration {
	return time.Since(run.StartedAt)
}
