package tasklog

import (
	"testing"
	"time"

	"github.com/nightfall-run/nightfall/internal/types"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Fix the login bug!!":    "fix-the-login-bug",
		"  leading and trailing ": "leading-and-trailing",
		"":                       "task",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugify_CapsAt50Chars(t *testing.T) {
	long := "this prompt is extremely long and definitely exceeds fifty characters by a lot"
	got := slugify(long)
	if len(got) > 50 {
		t.Errorf("expected slug capped at 50 chars, got %d: %q", len(got), got)
	}
}

func TestLog_PersistAndListLogs(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	run1 := &types.TaskRun{ID: "t1", Prompt: "first task", Status: types.TaskCompleted, StartedAt: time.Now().Add(-time.Hour)}
	run2 := &types.TaskRun{ID: "t2", Prompt: "second task", Status: types.TaskCompleted, StartedAt: time.Now()}

	if err := log.Persist(run1); err != nil {
		t.Fatalf("persist run1: %v", err)
	}
	if err := log.Persist(run2); err != nil {
		t.Fatalf("persist run2: %v", err)
	}

	runs, err := log.ListLogs()
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "t2" {
		t.Errorf("expected newest-first order, got %s first", runs[0].ID)
	}
}

func TestLog_ListLogs_EmptyDirIsNotError(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	runs, err := log.ListLogs()
	if err != nil {
		t.Fatalf("unexpected error on empty dir: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected empty slice, got %d entries", len(runs))
	}
}

func TestLog_Get(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	run := &types.TaskRun{ID: "abc", Prompt: "findable task", Status: types.TaskCompleted, StartedAt: time.Now()}
	if err := log.Persist(run); err != nil {
		t.Fatalf("persist: %v", err)
	}

	found, ok := log.Get("abc")
	if !ok {
		t.Fatal("expected to find task abc")
	}
	if found.Prompt != "findable task" {
		t.Errorf("unexpected prompt: %s", found.Prompt)
	}

	if _, ok := log.Get("missing"); ok {
		t.Error("expected missing task to not be found")
	}
}

func TestLog_PruneOldLogs(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	base := time.Now().Add(-10 * time.Hour)
	for i := 0; i < 5; i++ {
		run := &types.TaskRun{
			ID:        string(rune('a' + i)),
			Prompt:    "task",
			Status:    types.TaskCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := log.Persist(run); err != nil {
			t.Fatalf("persist run %d: %v", i, err)
		}
	}

	if err := log.PruneOldLogs(2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	runs, err := log.ListLogs()
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 remaining logs, got %d", len(runs))
	}
	// The two newest (indices 3, 4) should survive.
	ids := map[string]bool{runs[0].ID: true, runs[1].ID: true}
	if !ids["d"] || !ids["e"] {
		t.Errorf("expected newest two logs to survive, got %v", ids)
	}
}
