// Package types holds the wire and in-memory data model shared across the
// orchestrator, agent loop, lock registry, snapshot manager and message hub.
package types

import "time"

// TaskStatus is the Task Run state machine's current state.
type TaskStatus string

const (
	TaskPlanning            TaskStatus = "planning"
	TaskAwaitingApproval    TaskStatus = "awaiting_approval"
	TaskRunning             TaskStatus = "running"
	TaskReviewing           TaskStatus = "reviewing"
	TaskReworking           TaskStatus = "reworking"
	TaskCompleted           TaskStatus = "completed"
	TaskReworkLimitReached  TaskStatus = "rework_limit_reached"
	TaskCancelled           TaskStatus = "cancelled"
)

// IsTerminal reports whether status is one of the three terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskReworkLimitReached, TaskCancelled:
		return true
	default:
		return false
	}
}

// SubtaskStatus is a Subtask's lifecycle state within one Task Run.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Complexity is the planner's overall complexity label for a plan.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// AgentStatus is an Agent Loop's externally-observable current state.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentThinking AgentStatus = "thinking"
	AgentActing   AgentStatus = "acting"
	AgentWaiting  AgentStatus = "waiting"
	AgentDone     AgentStatus = "done"
	AgentError    AgentStatus = "error"
)

// Role identifies which system prompt, tool permission set, and iteration
// budget an Agent Loop instance uses.
type Role string

const (
	RolePlanner       Role = "planner"
	RoleEngineer      Role = "engineer"
	RoleReviewer      Role = "reviewer"
	RoleMemoryManager Role = "memory-manager"
	RoleClassifier    Role = "classifier"
	RoleResponder     Role = "responder"
)

// Subtask is one dependency-ordered work item in a Task Plan.
type Subtask struct {
	ID                  string        `json:"id"`
	Description         string        `json:"description"`
	OriginalDescription string        `json:"originalDescription,omitempty"`
	Files               []string      `json:"files,omitempty"`
	SuccessCriteria     []string      `json:"successCriteria,omitempty"`
	Constraints         []string      `json:"constraints,omitempty"`
	Status              SubtaskStatus `json:"status"`
	DependsOn           []string      `json:"dependsOn,omitempty"`
	AssignedTo          string        `json:"assignedTo,omitempty"`
	FilesTouched        []string      `json:"filesTouched,omitempty"`
	EngineerSummary     string        `json:"engineerSummary,omitempty"`
}

// TaskPlan is the planner agent's structured breakdown of the user prompt.
type TaskPlan struct {
	Subtasks           []*Subtask `json:"subtasks"`
	Complexity         Complexity `json:"complexity"`
	EstimatedEngineers int        `json:"estimatedEngineers"`
}

// LogEntryKind distinguishes the four kinds of entries in an AgentState log.
type LogEntryKind string

const (
	LogThought    LogEntryKind = "thought"
	LogToolCall   LogEntryKind = "tool_call"
	LogToolResult LogEntryKind = "tool_result"
	LogMessage    LogEntryKind = "message"
)

// AgentLogEntry is one append-only entry in an AgentState's log.
type AgentLogEntry struct {
	Kind      LogEntryKind `json:"kind"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// AgentState is the externally-visible state of one running agent.
type AgentState struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	Status        AgentStatus     `json:"status"`
	CurrentAction string          `json:"currentAction,omitempty"`
	Preview       string          `json:"preview,omitempty"`
	Log           []AgentLogEntry `json:"log"`
	FinalSummary  string          `json:"finalSummary,omitempty"`
}

// BroadcastView returns a shallow copy of s whose Log is truncated to the
// last 50 entries, per the spec's broadcast-truncation rule.
func (s *AgentState) BroadcastView() AgentState {
	view := *s
	if len(s.Log) > 50 {
		view.Log = append([]AgentLogEntry(nil), s.Log[len(s.Log)-50:]...)
	} else {
		view.Log = append([]AgentLogEntry(nil), s.Log...)
	}
	return view
}

// TaskRun is the root record for one submitted task.
type TaskRun struct {
	ID           string                 `json:"id"`
	Prompt       string                 `json:"prompt"`
	Status       TaskStatus             `json:"status"`
	Plan         *TaskPlan              `json:"plan,omitempty"`
	ReworkCycles int                    `json:"reworkCycles"`
	AgentStates  map[string]*AgentState `json:"agentStates"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	SnapshotID   string                 `json:"snapshotId,omitempty"`
}

// Snapshot returns a deep-enough copy of r safe to hand to callers outside
// the owning orchestrator goroutine.
func (r *TaskRun) Snapshot() *TaskRun {
	cp := *r
	cp.AgentStates = make(map[string]*AgentState, len(r.AgentStates))
	for id, st := range r.AgentStates {
		v := st.BroadcastView()
		cp.AgentStates[id] = &v
	}
	if r.Plan != nil {
		plan := *r.Plan
		plan.Subtasks = append([]*Subtask(nil), r.Plan.Subtasks...)
		cp.Plan = &plan
	}
	return &cp
}

// FileLock records ownership of one canonical absolute path.
type FileLock struct {
	Path     string    `json:"path"`
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
}

// SnapshotMeta is the JSON sidecar persisted alongside a snapshot's files.
type SnapshotMeta struct {
	SnapshotID       string    `json:"snapshotId"`
	TaskID           string    `json:"taskId"`
	Prompt           string    `json:"prompt"`
	Timestamp        int64     `json:"timestamp"`
	ParentSnapshotID string    `json:"parentSnapshotId,omitempty"`
	FilesChanged     []string  `json:"filesChanged"`
	NewFiles         []string  `json:"newFiles,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ToolCall is one invocation request emitted by an agent.
type ToolCall struct {
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolResult is the Tool Registry's response to a ToolCall.
type ToolResult struct {
	Tool    string      `json:"tool"`
	Success bool        `json:"success"`
	Output  string      `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ReviewIssue is one structured issue surfaced by the reviewer agent.
type ReviewIssue struct {
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
}

// ReviewResult is the reviewer agent's verdict on a wave of engineer work.
type ReviewResult struct {
	Passed bool          `json:"passed"`
	Issues []ReviewIssue `json:"issues"`
	Notes  string        `json:"notes"`
}

// DoneSignal is the parsed body of a <done> block, supporting both the
// legacy {summary} form and arbitrary structured JSON.
type DoneSignal struct {
	Summary string
	Raw     map[string]interface{}
}
