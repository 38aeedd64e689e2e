package commands

import (
	"testing"

	"github.com/nightfall-run/nightfall/internal/config"
	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/snapshot"
	"github.com/nightfall-run/nightfall/internal/tasklog"
	"github.com/nightfall-run/nightfall/internal/types"
)

type fakeStatus struct{ task *types.TaskRun }

func (f fakeStatus) CurrentTask() *types.TaskRun { return f.task }

func newDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	d := New(tasklog.New(root), snapshot.New(root), memory.New(root), fakeStatus{}, config.Defaults(), "")
	return d, root
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("bogus", nil)
	errRes, ok := res.(ErrorResult)
	if !ok {
		t.Fatalf("expected ErrorResult, got %T", res)
	}
	if errRes.Type != "error" {
		t.Errorf("expected type=error, got %s", errRes.Type)
	}
}

func TestDispatch_Help(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("help", nil)
	txt, ok := res.(TextResult)
	if !ok {
		t.Fatalf("expected TextResult, got %T", res)
	}
	if txt.Text == "" {
		t.Error("expected non-empty help text")
	}
}

func TestDispatch_InitPreviewThenConfirm(t *testing.T) {
	d, _ := newDispatcher(t)

	preview := d.Dispatch("init", nil)
	if _, ok := preview.(InitPreview); !ok {
		t.Fatalf("expected InitPreview, got %T", preview)
	}

	confirmed := d.Dispatch("init", []string{"confirm"})
	txt, ok := confirmed.(TextResult)
	if !ok {
		t.Fatalf("expected TextResult after confirm, got %T", confirmed)
	}
	if txt.Text == "" {
		t.Error("expected non-empty confirmation text")
	}

	again := d.Dispatch("init", []string{"confirm"})
	txt2, ok := again.(TextResult)
	if !ok || txt2.Text != "memory bank already initialized" {
		t.Errorf("expected idempotent re-init message, got %#v", again)
	}
}

func TestDispatch_StatusIdleWhenNoTask(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("status", nil).(StatusView)
	if !res.Idle || res.Task != nil {
		t.Errorf("expected idle status, got %#v", res)
	}
}

func TestDispatch_HistoryEmptyIsNotError(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("history", nil).(HistoryView)
	if res.Runs != nil || res.Snapshots != nil {
		t.Errorf("expected empty history, got %#v", res)
	}
}

func TestDispatch_HistoryRollbackUnknownSnapshot(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("history", []string{"rollback", "missing-id"})
	if _, ok := res.(ErrorResult); !ok {
		t.Fatalf("expected ErrorResult for unknown snapshot, got %T", res)
	}
}

func TestDispatch_ModelViewAndSet(t *testing.T) {
	d, _ := newDispatcher(t)
	picker := d.Dispatch("model", nil).(ModelPicker)
	if picker.Current != config.Defaults().Provider.Model {
		t.Errorf("unexpected current model: %s", picker.Current)
	}

	res := d.Dispatch("model", []string{"llama3.1"}).(TextResult)
	if res.Text != "model set to llama3.1" {
		t.Errorf("unexpected response: %s", res.Text)
	}
	if d.Config.Provider.Model != "llama3.1" {
		t.Errorf("expected config mutated, got %s", d.Config.Provider.Model)
	}
}

func TestDispatch_SettingsUnknownKey(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("settings", []string{"nonsense.key=1"})
	if _, ok := res.(ErrorResult); !ok {
		t.Fatalf("expected ErrorResult, got %T", res)
	}
}

func TestDispatch_MemoryView(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch("memory", nil).(MemoryView)
	if res.Entries != nil {
		t.Errorf("expected empty index for fresh project, got %#v", res.Entries)
	}
}
