// Package orchestrator implements the Task Orchestrator (C6): the
// end-to-end task pipeline state machine, wave scheduling of concurrent
// engineers, the reviewer/rework loop, and best-effort memory-bank updates.
// The concurrent-batch dispatch is grounded on the teacher's
// cli/agent/workers/dispatcher.go dispatchParallel (semaphore-free here
// since batches are pre-chunked to max_engineers); per-run bookkeeping is
// grounded on cli/agent/task_tracker.go's plan/subtask state machine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/agentloop"
	"github.com/nightfall-run/nightfall/internal/config"
	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/parser"
	"github.com/nightfall-run/nightfall/internal/provider"
	"github.com/nightfall-run/nightfall/internal/snapshot"
	"github.com/nightfall-run/nightfall/internal/tasklog"
	"github.com/nightfall-run/nightfall/internal/tools"
	"github.com/nightfall-run/nightfall/internal/types"
)

// EventKind discriminates the events an Orchestrator emits for the Message
// Hub to broadcast.
type EventKind string

const (
	EventTaskState    EventKind = "task_state"
	EventPlanReady    EventKind = "plan_ready"
	EventTaskComplete EventKind = "task_complete"
	EventAgentUpdate  EventKind = "agent_update"
)

// Event is one orchestrator-level occurrence, ready for the Hub to forward.
type Event struct {
	Kind    EventKind
	Task    *types.TaskRun
	Agent   *types.AgentState
	Summary string
}

var defaultPrompts = map[types.Role]string{
	types.RolePlanner: "You are the planning agent for a local coding assistant. Break the user's " +
		"request into an ordered list of dependency-aware subtasks and emit a <done> block shaped " +
		`{"subtasks": [...], "complexity": "simple"|"complex", "estimatedEngineers": N}.`,
	types.RoleEngineer: "You are an engineer agent. Complete the assigned subtask using the available " +
		"tools, then emit a <done> block shaped " +
		`{"filesChanged": [...], "confidence": "high"|"medium"|"low"|"blocked"}.`,
	types.RoleReviewer: "You are the reviewer agent. Independently verify the engineers' work, re-running " +
		"tests where applicable, then emit a <done> block shaped " +
		`{"passed": bool, "issues": [...], "notes": "..."}.`,
	types.RoleMemoryManager: "You are the memory-manager agent. Update the project memory bank to reflect " +
		`this task's outcome, then emit a <done> block shaped {"summary": "..."}.`,
}

// Config bounds the orchestrator's scheduling and context-window behavior.
type Config struct {
	MaxEngineers     int
	MaxReworkCycles  int
	MaxContextTokens int
	LogRetention     int
}

// FromAppConfig derives an orchestrator Config from the application's
// loaded configuration.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		MaxEngineers:     cfg.Concurrency.MaxEngineers,
		MaxReworkCycles:  cfg.Task.MaxReworkCycles,
		MaxContextTokens: cfg.Task.MaxContextTokens,
		LogRetention:     cfg.Logs.Retention,
	}
}

// Orchestrator drives Task Runs end to end. At most one task is active at a
// time, matching the Message Hub's single-pending-task contract.
type Orchestrator struct {
	projectRoot string
	cfg         Config
	locks       *locks.Registry
	snapshots   *snapshot.Manager
	log         *tasklog.Log
	bank        *memory.Bank
	adapter     provider.Adapter
	logger      *zap.Logger
	onEvent     func(Event)

	mu     sync.Mutex
	active *types.TaskRun
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Orchestrator. onEvent may be nil to discard all events.
func New(projectRoot string, cfg Config, locksReg *locks.Registry, snapshots *snapshot.Manager, log *tasklog.Log, bank *memory.Bank, adapter provider.Adapter, logger *zap.Logger, onEvent func(Event)) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		projectRoot: projectRoot,
		cfg:         cfg,
		locks:       locksReg,
		snapshots:   snapshots,
		log:         log,
		bank:        bank,
		adapter:     adapter,
		logger:      logger,
		onEvent:     onEvent,
	}
}

// CurrentTask returns a snapshot of the active task, or nil if none.
func (o *Orchestrator) CurrentTask() *types.TaskRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	return o.active.Snapshot()
}

// SubmitTask creates a new Task Run in "planning" status and starts the
// planner agent asynchronously. Fails if another task is already active.
func (o *Orchestrator) SubmitTask(prompt string) (*types.TaskRun, error) {
	o.mu.Lock()
	if o.active != nil && !o.active.Status.IsTerminal() {
		active := o.active
		o.mu.Unlock()
		return nil, fmt.Errorf("task %s is still active (status=%s)", active.ID, active.Status)
	}

	run := &types.TaskRun{
		ID:          uuid.New().String(),
		Prompt:      prompt,
		Status:      types.TaskPlanning,
		AgentStates: make(map[string]*types.AgentState),
		StartedAt:   time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.active = run
	o.ctx = ctx
	o.cancel = cancel
	o.mu.Unlock()

	o.emitTaskState(run)
	go o.runPlanningPhase(ctx, run)

	return run.Snapshot(), nil
}

// ApprovePlan advances an awaiting-approval task into execution, optionally
// replacing its plan first.
func (o *Orchestrator) ApprovePlan(taskID string, editedPlan *types.TaskPlan) error {
	o.mu.Lock()
	run := o.active
	if run == nil || run.ID != taskID {
		o.mu.Unlock()
		return fmt.Errorf("no task %s awaiting approval", taskID)
	}
	if run.Status != types.TaskAwaitingApproval {
		o.mu.Unlock()
		return fmt.Errorf("task %s is not awaiting approval (status=%s)", taskID, run.Status)
	}
	if editedPlan != nil {
		for _, st := range editedPlan.Subtasks {
			if st.OriginalDescription == "" {
				st.OriginalDescription = st.Description
			}
			if st.Status == "" {
				st.Status = types.SubtaskPending
			}
		}
		run.Plan = editedPlan
	}
	ctx := o.ctx
	o.mu.Unlock()

	// The snapshot opens empty: a plan's exact file set isn't known until its
	// engineers run. write_diff/write_file back up each path's pre-image
	// into this snapshot on first write via RecordWrite (the backup hook
	// wired in buildToolRegistry), so FilesChanged/NewFiles fill in as the
	// task actually mutates the project.
	meta, err := o.snapshots.CreateSnapshot(run.ID, run.Prompt, nil)
	if err != nil {
		return fmt.Errorf("create pre-task snapshot: %w", err)
	}

	o.mu.Lock()
	run.SnapshotID = meta.SnapshotID
	run.Status = types.TaskRunning
	o.mu.Unlock()
	o.emitTaskState(run)

	go o.execute(ctx, run)
	return nil
}

// RejectPlan drops a pending approval with no further task mutation; no log
// entry is written since the task never ran.
func (o *Orchestrator) RejectPlan(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.active
	if run == nil || run.ID != taskID {
		return fmt.Errorf("no task %s awaiting approval", taskID)
	}
	if run.Status != types.TaskAwaitingApproval {
		return fmt.Errorf("task %s is not awaiting approval (status=%s)", taskID, run.Status)
	}
	o.active = nil
	o.cancel = nil
	o.ctx = nil
	return nil
}

// Interrupt aborts the active task's cancellation signal.
func (o *Orchestrator) Interrupt(taskID string) error {
	o.mu.Lock()
	run := o.active
	if run == nil || run.ID != taskID {
		o.mu.Unlock()
		return fmt.Errorf("no active task %s", taskID)
	}
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (o *Orchestrator) runPlanningPhase(ctx context.Context, run *types.TaskRun) {
	id := "team-lead"
	reg := o.buildToolRegistry(run, id)
	cfg := agentloop.Config{
		AgentID:          id,
		Role:             types.RolePlanner,
		BaseSystemPrompt: o.loadPrompt(types.RolePlanner),
		Tools:            reg,
		Provider:         o.adapter,
		MaxContextTokens: o.cfg.MaxContextTokens,
		OnState:          o.agentStateCallback(run, id),
	}

	result := agentloop.Run(ctx, cfg, run.Prompt)
	if result.Cancelled {
		o.finalizeCancelled(run)
		return
	}

	plan := parser.ParsePlan(result.Done, run.Prompt, o.cfg.MaxEngineers)
	for _, st := range plan.Subtasks {
		st.OriginalDescription = st.Description
	}

	o.mu.Lock()
	run.Plan = plan
	run.Status = types.TaskAwaitingApproval
	o.mu.Unlock()

	o.emitPlanReady(run)
	o.emitTaskState(run)
}

func (o *Orchestrator) execute(ctx context.Context, run *types.TaskRun) {
	engineerSeq := 0
	for {
		select {
		case <-ctx.Done():
			o.finalizeCancelled(run)
			return
		default:
		}

		if cancelled := o.runWaves(ctx, run, &engineerSeq); cancelled {
			o.finalizeCancelled(run)
			return
		}

		run.Status = types.TaskReviewing
		o.emitTaskState(run)

		review, cancelled := o.review(ctx, run)
		if cancelled {
			o.finalizeCancelled(run)
			return
		}

		if review.Passed {
			o.runMemoryManager(ctx, run, review)

			now := time.Now()
			o.mu.Lock()
			run.Status = types.TaskCompleted
			run.CompletedAt = &now
			o.mu.Unlock()

			o.persist(run)
			o.emitTaskState(run)
			o.emitTaskComplete(run, review.Notes)
			o.clearActive()
			return
		}

		if run.ReworkCycles < o.cfg.MaxReworkCycles {
			o.mu.Lock()
			run.ReworkCycles++
			run.Status = types.TaskReworking
			o.mu.Unlock()
			o.emitTaskState(run)

			for _, st := range run.Plan.Subtasks {
				st.Description = reworkDescription(run.ReworkCycles, st.OriginalDescription, st.EngineerSummary, review.Issues)
				st.Status = types.SubtaskPending
				st.FilesTouched = nil
			}

			o.mu.Lock()
			run.Status = types.TaskRunning
			o.mu.Unlock()
			o.emitTaskState(run)
			continue
		}

		now := time.Now()
		o.mu.Lock()
		run.ReworkCycles++
		run.Status = types.TaskReworkLimitReached
		run.CompletedAt = &now
		o.mu.Unlock()

		o.persist(run)
		o.emitTaskState(run)
		o.emitTaskComplete(run, "Rework limit reached.")
		o.clearActive()
		return
	}
}

// runWaves repeatedly dispatches ready subtasks until none remain, and
// reports whether the run was cancelled mid-wave. engineerSeq is threaded
// through by pointer so that engineer ids stay monotonic across rework
// cycles within the same run.
func (o *Orchestrator) runWaves(ctx context.Context, run *types.TaskRun, engineerSeq *int) (cancelled bool) {
	for {
		ready := readySubtasks(run.Plan.Subtasks)
		if len(ready) == 0 {
			return false
		}

		for _, batch := range chunk(ready, o.cfg.MaxEngineers) {
			select {
			case <-ctx.Done():
				return true
			default:
			}

			var wg sync.WaitGroup
			for _, st := range batch {
				*engineerSeq++
				id := fmt.Sprintf("engineer-%d", *engineerSeq)
				st.Status = types.SubtaskInProgress
				st.AssignedTo = id

				wg.Add(1)
				go func(subtask *types.Subtask, agentID string) {
					defer wg.Done()
					o.runEngineer(ctx, run, subtask, agentID)
				}(st, id)
			}
			o.emitTaskState(run)
			wg.Wait()

			select {
			case <-ctx.Done():
				return true
			default:
			}
		}
	}
}

func (o *Orchestrator) runEngineer(ctx context.Context, run *types.TaskRun, subtask *types.Subtask, agentID string) {
	reg := o.buildToolRegistry(run, agentID)
	cfg := agentloop.Config{
		AgentID:          agentID,
		Role:             types.RoleEngineer,
		BaseSystemPrompt: o.loadPrompt(types.RoleEngineer),
		Tools:            reg,
		Provider:         o.adapter,
		MaxContextTokens: o.cfg.MaxContextTokens,
		OnState:          o.agentStateCallback(run, agentID),
	}

	result := agentloop.Run(ctx, cfg, subtask.Description)

	subtask.FilesTouched = scanFilesTouched(result.State)
	if result.Done != nil {
		subtask.EngineerSummary = result.Done.Summary
	} else {
		subtask.EngineerSummary = result.FinalSummary
	}

	switch {
	case result.Cancelled, result.Interrupted, parser.EngineerBlocked(result.Done):
		subtask.Status = types.SubtaskFailed
	default:
		subtask.Status = types.SubtaskDone
	}
}

// review runs the reviewer agent, or synthesizes a failing review when some
// subtasks never reached "done" (a dependency on a nonexistent id, or an
// engineer that was blocked/interrupted) without invoking the model.
func (o *Orchestrator) review(ctx context.Context, run *types.TaskRun) (types.ReviewResult, bool) {
	incomplete := false
	for _, st := range run.Plan.Subtasks {
		if st.Status != types.SubtaskDone {
			incomplete = true
			break
		}
	}
	if incomplete {
		return types.ReviewResult{
			Passed: false,
			Issues: []types.ReviewIssue{{Description: "one or more subtasks did not complete"}},
			Notes:  "incomplete plan",
		}, false
	}

	id := "reviewer"
	reg := o.buildToolRegistry(run, id)
	cfg := agentloop.Config{
		AgentID:          id,
		Role:             types.RoleReviewer,
		BaseSystemPrompt: o.loadPrompt(types.RoleReviewer),
		Tools:            reg,
		Provider:         o.adapter,
		MaxContextTokens: o.cfg.MaxContextTokens,
		OnState:          o.agentStateCallback(run, id),
	}

	result := agentloop.Run(ctx, cfg, o.buildReviewerTask(run))
	if result.Cancelled {
		return types.ReviewResult{}, true
	}
	return parser.ParseReview(result.Done), false
}

func (o *Orchestrator) runMemoryManager(ctx context.Context, run *types.TaskRun, review types.ReviewResult) {
	id := "memory-manager"
	reg := o.buildToolRegistry(run, id)
	cfg := agentloop.Config{
		AgentID:          id,
		Role:             types.RoleMemoryManager,
		BaseSystemPrompt: o.loadPrompt(types.RoleMemoryManager),
		Tools:            reg,
		Provider:         o.adapter,
		MaxContextTokens: o.cfg.MaxContextTokens,
		OnState:          o.agentStateCallback(run, id),
	}

	task := o.buildMemoryManagerTask(run, review)
	result := agentloop.Run(ctx, cfg, task)
	if result.State != nil && result.State.Status == types.AgentError {
		o.logger.Warn("memory manager failed; task outcome unaffected",
			zap.String("taskId", run.ID), zap.String("summary", result.FinalSummary))
	}
}

func (o *Orchestrator) buildReviewerTask(run *types.TaskRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", run.Prompt)
	b.WriteString("Per-subtask engineer results:\n")

	fileSet := map[string]struct{}{}
	for _, st := range run.Plan.Subtasks {
		fmt.Fprintf(&b, "- %s (%s): %s\n", st.ID, st.Status, st.EngineerSummary)
		for _, f := range st.FilesTouched {
			fileSet[f] = struct{}{}
		}
	}

	b.WriteString("\nFiles touched:\n")
	for _, f := range sortedKeys(fileSet) {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nRe-run any relevant tests and verify the result independently before responding.\n")
	return b.String()
}

func (o *Orchestrator) buildMemoryManagerTask(run *types.TaskRun, review types.ReviewResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task prompt:\n%s\n\n", run.Prompt)
	fmt.Fprintf(&b, "Rework cycles: %d\n", run.ReworkCycles)
	fmt.Fprintf(&b, "Reviewer verdict: passed=%v, notes=%s\n\n", review.Passed, review.Notes)

	fileSet := map[string]struct{}{}
	b.WriteString("Per-subtask summaries:\n")
	for _, st := range run.Plan.Subtasks {
		fmt.Fprintf(&b, "- %s: %s\n", st.ID, st.EngineerSummary)
		for _, f := range st.FilesTouched {
			fileSet[f] = struct{}{}
		}
	}

	b.WriteString("\nFiles changed:\n")
	for _, f := range sortedKeys(fileSet) {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nUpdate the project memory bank to reflect this outcome.\n")
	return b.String()
}

func (o *Orchestrator) finalizeCancelled(run *types.TaskRun) {
	now := time.Now()
	o.mu.Lock()
	run.Status = types.TaskCancelled
	run.CompletedAt = &now
	agentIDs := make([]string, 0, len(run.AgentStates))
	for id := range run.AgentStates {
		agentIDs = append(agentIDs, id)
	}
	o.mu.Unlock()

	for _, id := range agentIDs {
		o.locks.ReleaseAll(id)
	}

	o.persist(run)
	o.emitTaskState(run)
	o.emitTaskComplete(run, "Task cancelled.")
	o.clearActive()
}

func (o *Orchestrator) persist(run *types.TaskRun) {
	if err := o.log.Persist(run); err != nil {
		o.logger.Warn("task log persist failed", zap.String("taskId", run.ID), zap.Error(err))
		return
	}
	if o.cfg.LogRetention > 0 {
		if err := o.log.PruneOldLogs(o.cfg.LogRetention); err != nil {
			o.logger.Warn("task log prune failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) clearActive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = nil
	o.cancel = nil
	o.ctx = nil
}

func (o *Orchestrator) emit(e Event) {
	if o.onEvent != nil {
		o.onEvent(e)
	}
}

func (o *Orchestrator) emitTaskState(run *types.TaskRun) {
	o.emit(Event{Kind: EventTaskState, Task: run.Snapshot()})
}

func (o *Orchestrator) emitPlanReady(run *types.TaskRun) {
	o.emit(Event{Kind: EventPlanReady, Task: run.Snapshot()})
}

func (o *Orchestrator) emitTaskComplete(run *types.TaskRun, summary string) {
	o.emit(Event{Kind: EventTaskComplete, Task: run.Snapshot(), Summary: summary})
}

func (o *Orchestrator) agentStateCallback(run *types.TaskRun, agentID string) agentloop.OnStateChange {
	return func(state *types.AgentState) {
		o.mu.Lock()
		run.AgentStates[agentID] = state
		o.mu.Unlock()

		view := state.BroadcastView()
		o.emit(Event{Kind: EventAgentUpdate, Agent: &view})
	}
}

// buildToolRegistry wires a fresh per-agent Registry, including the
// backup-on-first-write hook into the Snapshot Manager: write_diff/write_file
// call it with the project-relative path they're about to mutate, before the
// write lands, so every real edit gets a pre-image backed up under run's
// snapshot (internal/snapshot.Manager.RecordWrite).
func (o *Orchestrator) buildToolRegistry(run *types.TaskRun, agentID string) *tools.Registry {
	reg := tools.NewRegistry()
	backup := func(path string) error {
		return o.snapshots.RecordWrite(run.SnapshotID, path)
	}
	tools.BuildStandard(reg, o.projectRoot, o.locks, o.bank, agentID, backup,
		func(subtaskID, agentHint string) {},
		func(note string) {})
	return reg
}

// loadPrompt returns the role's base system prompt, preferring an on-disk
// override at "<project>/.nightfall/.agents/<role>.md" when present.
func (o *Orchestrator) loadPrompt(role types.Role) string {
	overridePath := filepath.Join(o.projectRoot, ".nightfall", ".agents", string(role)+".md")
	if data, err := os.ReadFile(overridePath); err == nil {
		return string(data)
	}
	return defaultPrompts[role]
}

// readySubtasks returns every pending subtask whose DependsOn ids all point
// to a subtask with status "done". A dependency id with no matching
// subtask can never become ready.
func readySubtasks(subtasks []*types.Subtask) []*types.Subtask {
	byID := make(map[string]*types.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	var ready []*types.Subtask
	for _, st := range subtasks {
		if st.Status != types.SubtaskPending {
			continue
		}
		allDepsDone := true
		for _, dep := range st.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status != types.SubtaskDone {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, st)
		}
	}
	return ready
}

func chunk(subtasks []*types.Subtask, size int) [][]*types.Subtask {
	if size < 1 {
		size = 1
	}
	var batches [][]*types.Subtask
	for i := 0; i < len(subtasks); i += size {
		end := i + size
		if end > len(subtasks) {
			end = len(subtasks)
		}
		batches = append(batches, subtasks[i:end])
	}
	return batches
}

// scanFilesTouched walks an agent's log for write_diff/write_file tool
// calls and returns the distinct paths they named.
func scanFilesTouched(state *types.AgentState) []string {
	if state == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, entry := range state.Log {
		if entry.Kind != types.LogToolCall {
			continue
		}
		var call types.ToolCall
		if err := json.Unmarshal([]byte(entry.Content), &call); err != nil {
			continue
		}
		if call.Tool != "write_diff" && call.Tool != "write_file" {
			continue
		}
		if path, ok := call.Parameters["path"].(string); ok && path != "" {
			seen[path] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func reworkDescription(cycle int, original, prevSummary string, issues []types.ReviewIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[REWORK — cycle %d]\n", cycle)
	b.WriteString("Original task:\n")
	b.WriteString(original)
	b.WriteString("\n\nYour previous attempt result:\n")
	b.WriteString(prevSummary)
	b.WriteString("\n\nReviewer found these issues — fix ALL of them:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", parser.FormatIssue(issue))
	}
	return b.String()
}
