// Package agentloop implements the Agent Loop (C4): a single agent's
// chat<->tool iteration, with streaming and cancellation. It generalizes
// the teacher's RunWorkerReAct (cli/agent/workers/worker_react.go) from a
// fixed @coder-subcommand loop that may run several tool calls per turn to
// the spec's "one tool call or one done signal per turn" tagged-block
// protocol (parsed by internal/parser), and adds context-window compaction
// and a throttled live-preview emission the teacher's loop doesn't need.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nightfall-run/nightfall/internal/parser"
	"github.com/nightfall-run/nightfall/internal/provider"
	"github.com/nightfall-run/nightfall/internal/tools"
	"github.com/nightfall-run/nightfall/internal/types"
)

// IterationBudgets are the role-specific max-turn caps from spec §4.4.
var IterationBudgets = map[types.Role]int{
	types.RolePlanner:       20,
	types.RoleEngineer:      30,
	types.RoleReviewer:      20,
	types.RoleMemoryManager: 20,
	types.RoleClassifier:    1,
	types.RoleResponder:     10,
}

const previewThrottle = 200 * time.Millisecond

const charsPerToken = 4

// OnStateChange is invoked on every status change and every log append so
// the orchestrator/hub can broadcast AGENT_UPDATE events.
type OnStateChange func(state *types.AgentState)

// Config configures one Agent Loop run.
type Config struct {
	AgentID         string
	Role            types.Role
	ProjectRoot     string
	BaseSystemPrompt string
	Tools           *tools.Registry
	Provider        provider.Adapter
	MaxContextTokens int // 0 disables compaction
	OnState         OnStateChange
}

// Result is what a finished Agent Loop returns to its caller (the
// orchestrator).
type Result struct {
	FinalSummary string
	Done         *types.DoneSignal
	Interrupted  bool
	Cancelled    bool
	State        *types.AgentState
}

// Run drives the agent's turn loop to completion, per spec §4.4.
func Run(ctx context.Context, cfg Config, task string) Result {
	state := &types.AgentState{ID: cfg.AgentID, Role: cfg.Role, Status: types.AgentThinking}
	emit := func() {
		if cfg.OnState != nil {
			cfg.OnState(state)
		}
	}
	logEntry := func(kind types.LogEntryKind, content string) {
		state.Log = append(state.Log, types.AgentLogEntry{Kind: kind, Content: content, Timestamp: time.Now()})
		emit()
	}

	systemPrompt := cfg.BaseSystemPrompt + "\n\n" + toolCatalogBlock(cfg.Tools, cfg.Role) + "\n\n" + protocolInstructions()

	history := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task},
	}

	maxTurns := IterationBudgets[cfg.Role]
	if maxTurns <= 0 {
		maxTurns = 10
	}

	for turn := 0; turn < maxTurns; turn++ {
		select {
		case <-ctx.Done():
			state.Status = types.AgentDone
			state.FinalSummary = "Cancelled"
			emit()
			return Result{Cancelled: true, State: state, FinalSummary: "Cancelled"}
		default:
		}

		if cfg.MaxContextTokens > 0 {
			history = compact(history, cfg.MaxContextTokens, logEntry)
		}

		state.Status = types.AgentThinking
		state.CurrentAction = fmt.Sprintf("turn %d: awaiting completion", turn+1)
		emit()

		response, err := streamCompletion(ctx, cfg.Provider, history, state, emit)
		if err != nil {
			state.Status = types.AgentError
			emit()
			return Result{State: state, FinalSummary: fmt.Sprintf("streaming error: %v", err)}
		}

		logEntry(types.LogThought, response)
		history = append(history, provider.Message{Role: "assistant", Content: response})

		if call, ok := parser.ExtractToolCall(response); ok {
			state.Status = types.AgentActing
			state.CurrentAction = fmt.Sprintf("calling %s", call.Tool)
			emit()

			callJSON, _ := json.Marshal(call)
			logEntry(types.LogToolCall, string(callJSON))

			result := cfg.Tools.Execute(ctx, cfg.Role, *call)

			resultJSON, _ := json.Marshal(result)
			logEntry(types.LogToolResult, string(resultJSON))

			feedback := fmt.Sprintf("Tool result: %s", result.Output)
			if !result.Success {
				feedback = fmt.Sprintf("Tool result: error: %s", result.Error)
			}
			history = append(history, provider.Message{Role: "user", Content: feedback})
			continue
		}

		if done, ok := parser.ExtractDone(response); ok {
			state.Status = types.AgentDone
			state.FinalSummary = done.Summary
			emit()
			return Result{Done: done, FinalSummary: done.Summary, State: state}
		}

		state.Status = types.AgentDone
		state.FinalSummary = response
		emit()
		return Result{FinalSummary: response, State: state}
	}

	state.Status = types.AgentDone
	emit()
	return Result{Interrupted: true, State: state, FinalSummary: "turn budget exhausted"}
}

// streamCompletion drains cfg.Provider.Complete, assembling the full
// response text and throttling a live-preview AGENT_UPDATE emission to
// >=200ms intervals per spec §4.4(c). Cancellation is honored mid-stream.
func streamCompletion(ctx context.Context, adapter provider.Adapter, history []provider.Message, state *types.AgentState, emit func()) (string, error) {
	cancelCh := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(cancelCh)
		case <-done:
		}
	}()

	chunks, err := adapter.Complete(ctx, history, cancelCh)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	lastPreview := time.Time{}
	for chunk := range chunks {
		b.WriteString(chunk.Text)
		if time.Since(lastPreview) >= previewThrottle {
			lastPreview = time.Now()
			state.CurrentAction = "streaming"
			state.Preview = b.String()
			emit()
		}
		if chunk.Done {
			break
		}
	}
	state.Preview = ""
	return b.String(), nil
}

// compact estimates tokens at charsPerToken chars/token and, while over
// budget, drops the oldest assistant/user tool-exchange pair (indices 2,3),
// always preserving the initial system and original-task messages
// (indices 0,1). If no more pairs can be dropped and still over budget, it
// logs a warning and proceeds, per spec §4.4(b).
func compact(history []provider.Message, maxTokens int, logEntry func(types.LogEntryKind, string)) []provider.Message {
	estimate := func(msgs []provider.Message) int {
		total := 0
		for _, m := range msgs {
			total += len(m.Content) / charsPerToken
		}
		return total
	}

	for estimate(history) > maxTokens {
		if len(history) <= 4 {
			logEntry(types.LogMessage, "context budget exceeded but no more tool-exchange pairs to drop")
			break
		}
		history = append(history[:2:2], history[4:]...)
	}
	return history
}

func toolCatalogBlock(reg *tools.Registry, role types.Role) string {
	if reg == nil {
		return ""
	}
	return "Available tools:\n" + reg.CatalogString(role)
}

func protocolInstructions() string {
	return `You must emit either a tool call or a done signal per turn, using tagged blocks:
<tool_call>
{"tool": "<name>", "parameters": { ... }}
</tool_call>
or
<done>
{ ...arbitrary JSON, or {"summary": "<text>"} legacy... }
</done>
Emit exactly one such block per turn.`
}
