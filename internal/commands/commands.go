// Package commands implements the Command Dispatcher (C9): routing a slash
// command and its args to a handler that returns a text or JSON payload. The
// switch-on-prefix routing table is grounded on the teacher's
// cli/command_handler.go HandleCommand, generalized here to return
// structured results instead of printing to a terminal.
package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nightfall-run/nightfall/internal/config"
	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/snapshot"
	"github.com/nightfall-run/nightfall/internal/tasklog"
	"github.com/nightfall-run/nightfall/internal/types"
)

// StatusProvider is the slice of Orchestrator the dispatcher needs for
// /status and /agents. Kept as an interface so commands_test.go can supply a
// fake without depending on the orchestrator package.
type StatusProvider interface {
	CurrentTask() *types.TaskRun
}

// ErrorResult is the command-shaped error JSON the spec calls for:
// {"type": "error", "message": "..."}.
type ErrorResult struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errResult(format string, args ...interface{}) ErrorResult {
	return ErrorResult{Type: "error", Message: fmt.Sprintf(format, args...)}
}

// TextResult wraps a plain text payload, used by commands whose natural
// response is a human-readable summary rather than structured JSON.
type TextResult struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) TextResult { return TextResult{Type: "text", Text: text} }

// HistoryView is /history's default (no rollback args) response.
type HistoryView struct {
	Type      string                `json:"type"`
	Runs      []*types.TaskRun      `json:"runs"`
	Snapshots []*types.SnapshotMeta `json:"snapshots"`
}

// RollbackConfirm is /history rollback <id>'s response: the cascade chain
// that would be discarded, pending a second "confirm" call.
type RollbackConfirm struct {
	Type       string                `json:"type"`
	Chain      []*types.SnapshotMeta `json:"chain"`
	SnapshotID string                `json:"snapshotId"`
}

// InitPreview is /init's first-call response: what a confirm would create.
type InitPreview struct {
	Type  string   `json:"type"`
	Files []string `json:"files"`
}

// StatusView is /status's response.
type StatusView struct {
	Type string          `json:"type"`
	Task *types.TaskRun  `json:"task,omitempty"`
	Idle bool            `json:"idle"`
}

// ConfigView is /config and /settings' view response.
type ConfigView struct {
	Type   string        `json:"type"`
	Config config.Config `json:"config"`
}

// AgentsView is /agents' response.
type AgentsView struct {
	Type   string                        `json:"type"`
	Agents map[string]*types.AgentState `json:"agents"`
}

// MemoryView is /memory's response.
type MemoryView struct {
	Type       string          `json:"type"`
	Entries    []memory.Entry  `json:"entries"`
	Components []memory.Entry  `json:"components"`
}

// ModelPicker is /model's no-args response.
type ModelPicker struct {
	Type    string   `json:"type"`
	Current string   `json:"current"`
	Models  []string `json:"models"`
}

// knownModels is a static catalog; a real deployment would query the
// provider adapter, but the adapter contract (internal/provider) has no
// list-models operation, so this mirrors the common local-model set the
// default config targets.
var knownModels = []string{"qwen2.5-coder", "deepseek-coder-v2", "codellama", "llama3.1"}

// Dispatcher routes one slash command to its handler. ConfigPath, if
// non-empty, is where /settings and /model persist changes.
type Dispatcher struct {
	Log        *tasklog.Log
	Snapshots  *snapshot.Manager
	Bank       *memory.Bank
	Status     StatusProvider
	Config     config.Config
	ConfigPath string
}

// New builds a Dispatcher from its collaborators.
func New(log *tasklog.Log, snapshots *snapshot.Manager, bank *memory.Bank, status StatusProvider, cfg config.Config, configPath string) *Dispatcher {
	return &Dispatcher{Log: log, Snapshots: snapshots, Bank: bank, Status: status, Config: cfg, ConfigPath: configPath}
}

// Dispatch routes command (without its leading "/") and args to a handler.
// It has no error return; failures are reported in-band as an ErrorResult
// per the spec's "failures surface as ERROR or command-shaped error JSON"
// contract.
func (d *Dispatcher) Dispatch(command string, args []string) interface{} {
	switch strings.ToLower(command) {
	case "help":
		return d.help()
	case "init":
		return d.init(args)
	case "status":
		return d.status()
	case "config":
		return d.configView()
	case "history":
		return d.history(args)
	case "agents":
		return d.agents()
	case "memory":
		return d.memory()
	case "compact":
		return d.compact()
	case "clear":
		// Client-only per spec §4.9/§4.8: the hub must not forward /clear
		// here, but handle it defensively in case it ever is.
		return textResult("cleared locally; no server-side state changed")
	case "model":
		return d.model(args)
	case "settings":
		return d.settings(args)
	default:
		return errResult("unknown command: /%s", command)
	}
}

func (d *Dispatcher) help() interface{} {
	lines := []string{
		"/help — this message",
		"/init — preview (then confirm) memory-bank initialization",
		"/status — current task status",
		"/config — view configuration",
		"/history [rollback <id> [confirm]] — task/snapshot history and rollback",
		"/agents — current task's agent states",
		"/memory — project memory bank index",
		"/compact — report memory bank size",
		"/clear — clear client-side view (no server effect)",
		"/model [name] — view or switch the active model",
		"/settings [key=value ...] — view or save configuration",
	}
	return textResult(strings.Join(lines, "\n"))
}

func (d *Dispatcher) init(args []string) interface{} {
	const indexPath = "index.md"
	if len(args) > 0 && args[0] == "confirm" {
		if _, err := d.Bank.Read(indexPath); err == nil {
			return textResult("memory bank already initialized")
		}
		if err := d.Bank.WriteIndex(&memory.Index{}); err != nil {
			return errResult("init memory bank: %v", err)
		}
		return textResult("memory bank initialized at .nightfall/memory/index.md")
	}
	return InitPreview{Type: "init_preview", Files: []string{indexPath}}
}

func (d *Dispatcher) status() interface{} {
	task := d.Status.CurrentTask()
	return StatusView{Type: "status", Task: task, Idle: task == nil}
}

func (d *Dispatcher) configView() interface{} {
	return ConfigView{Type: "config_view", Config: d.Config}
}

func (d *Dispatcher) history(args []string) interface{} {
	if len(args) == 0 {
		runs, err := d.Log.ListLogs()
		if err != nil {
			return errResult("list logs: %v", err)
		}
		snaps, err := d.Snapshots.ListSnapshots()
		if err != nil {
			return errResult("list snapshots: %v", err)
		}
		return HistoryView{Type: "history_view", Runs: runs, Snapshots: snaps}
	}

	if args[0] != "rollback" || len(args) < 2 {
		return errResult("usage: /history [rollback <id> [confirm]]")
	}
	id := args[1]

	if len(args) >= 3 && args[2] == "confirm" {
		restored, err := d.Snapshots.Rollback(id)
		if err != nil {
			return errResult("rollback %s: %v", id, err)
		}
		sort.Strings(restored)
		return textResult(fmt.Sprintf("rolled back to %s, restored %d file(s): %s", id, len(restored), strings.Join(restored, ", ")))
	}

	chain, err := d.Snapshots.GetRollbackChain(id)
	if err != nil {
		return errResult("rollback %s: %v", id, err)
	}
	return RollbackConfirm{Type: "rollback_confirm", Chain: chain, SnapshotID: id}
}

func (d *Dispatcher) agents() interface{} {
	task := d.Status.CurrentTask()
	agents := map[string]*types.AgentState{}
	if task != nil {
		agents = task.AgentStates
	}
	return AgentsView{Type: "agents_view", Agents: agents}
}

func (d *Dispatcher) memory() interface{} {
	idx, err := d.Bank.ReadIndex()
	if err != nil {
		return errResult("read memory index: %v", err)
	}
	return MemoryView{Type: "memory_view", Entries: idx.Entries, Components: idx.Components}
}

func (d *Dispatcher) compact() interface{} {
	idx, err := d.Bank.ReadIndex()
	if err != nil {
		return errResult("read memory index: %v", err)
	}
	return textResult(fmt.Sprintf("memory bank has %d entries, %d components; compaction happens automatically inside each agent loop as its context grows", len(idx.Entries), len(idx.Components)))
}

func (d *Dispatcher) model(args []string) interface{} {
	if len(args) == 0 {
		return ModelPicker{Type: "model_picker", Current: d.Config.Provider.Model, Models: knownModels}
	}
	d.Config.Provider.Model = args[0]
	if d.ConfigPath != "" {
		if err := config.Save(d.ConfigPath, d.Config); err != nil {
			return errResult("save model selection: %v", err)
		}
	}
	return textResult(fmt.Sprintf("model set to %s", args[0]))
}

func (d *Dispatcher) settings(args []string) interface{} {
	if len(args) == 0 {
		return ConfigView{Type: "settings_view", Config: d.Config}
	}
	for _, kv := range args {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return errResult("malformed setting %q, expected key=value", kv)
		}
		if err := applySetting(&d.Config, parts[0], parts[1]); err != nil {
			return errResult("%v", err)
		}
	}
	if d.ConfigPath != "" {
		if err := config.Save(d.ConfigPath, d.Config); err != nil {
			return errResult("save settings: %v", err)
		}
	}
	return ConfigView{Type: "settings_view", Config: d.Config}
}

func applySetting(cfg *config.Config, key, value string) error {
	switch key {
	case "provider.name":
		cfg.Provider.Name = value
	case "provider.model":
		cfg.Provider.Model = value
	case "provider.host":
		cfg.Provider.Host = value
	default:
		return fmt.Errorf("unknown or read-only setting %q", key)
	}
	return nil
}
