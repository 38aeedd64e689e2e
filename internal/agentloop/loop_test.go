package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/nightfall-run/nightfall/internal/provider"
	"github.com/nightfall-run/nightfall/internal/tools"
	"github.com/nightfall-run/nightfall/internal/types"
)

func TestRun_SingleTurnDone(t *testing.T) {
	adapter := provider.NewMockAdapter(`<done>{"summary": "all set"}</done>`)
	reg := tools.NewRegistry()
	reg.AllowRole(types.RoleResponder)

	cfg := Config{
		AgentID:          "agent-1",
		Role:             types.RoleResponder,
		BaseSystemPrompt: "You are a test agent.",
		Tools:            reg,
		Provider:         adapter,
	}

	result := Run(context.Background(), cfg, "do something")
	if result.FinalSummary != "all set" {
		t.Fatalf("expected summary 'all set', got %q", result.FinalSummary)
	}
	if result.Interrupted || result.Cancelled {
		t.Fatalf("unexpected interrupted/cancelled result: %+v", result)
	}
	if result.State.Status != types.AgentDone {
		t.Fatalf("expected agent status done, got %s", result.State.Status)
	}
}

func TestRun_ToolCallThenDone(t *testing.T) {
	adapter := provider.NewMockAdapter(
		`<tool_call>{"tool": "noop", "parameters": {}}</tool_call>`,
		`<done>{"summary": "finished after tool call"}</done>`,
	)
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{Name: "noop", Description: "does nothing"}, func(ctx context.Context, call types.ToolCall) types.ToolResult {
		return types.ToolResult{Tool: call.Tool, Success: true, Output: "ok"}
	})
	reg.AllowRole(types.RoleEngineer, "noop")

	cfg := Config{
		AgentID:          "agent-2",
		Role:             types.RoleEngineer,
		BaseSystemPrompt: "You are a test agent.",
		Tools:            reg,
		Provider:         adapter,
	}

	result := Run(context.Background(), cfg, "do something")
	if result.FinalSummary != "finished after tool call" {
		t.Fatalf("expected final summary after tool call, got %q", result.FinalSummary)
	}
	if adapter.Calls() != 2 {
		t.Fatalf("expected 2 completion calls, got %d", adapter.Calls())
	}

	foundToolCall, foundToolResult := false, false
	for _, entry := range result.State.Log {
		if entry.Kind == types.LogToolCall {
			foundToolCall = true
		}
		if entry.Kind == types.LogToolResult {
			foundToolResult = true
		}
	}
	if !foundToolCall || !foundToolResult {
		t.Fatalf("expected both tool_call and tool_result log entries, got %+v", result.State.Log)
	}
}

func TestRun_BudgetExhaustion(t *testing.T) {
	adapter := provider.NewMockAdapter(`<tool_call>{"tool": "noop", "parameters": {}}</tool_call>`)
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{Name: "noop"}, func(ctx context.Context, call types.ToolCall) types.ToolResult {
		return types.ToolResult{Tool: call.Tool, Success: true, Output: "ok"}
	})
	reg.AllowRole(types.RoleClassifier, "noop")

	cfg := Config{
		AgentID:          "agent-3",
		Role:             types.RoleClassifier, // budget of 1
		BaseSystemPrompt: "test",
		Tools:            reg,
		Provider:         adapter,
	}

	result := Run(context.Background(), cfg, "task")
	if !result.Interrupted {
		t.Fatalf("expected interrupted result on budget exhaustion, got %+v", result)
	}
}

func TestRun_CancellationHonored(t *testing.T) {
	adapter := provider.NewMockAdapter(`<done>{"summary": "should not reach"}</done>`)
	reg := tools.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{
		AgentID:          "agent-4",
		Role:             types.RoleResponder,
		BaseSystemPrompt: "test",
		Tools:            reg,
		Provider:         adapter,
	}

	result := Run(ctx, cfg, "task")
	if !result.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
}

func TestCompact_DropsOldestPairWhenOverBudget(t *testing.T) {
	history := []provider.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "original task"},
		{Role: "assistant", Content: "some very long thought that takes up a lot of space here"},
		{Role: "user", Content: "tool result feedback that also takes a lot of space here too"},
		{Role: "assistant", Content: "final short"},
	}
	var logged []string
	logFn := func(kind types.LogEntryKind, content string) { logged = append(logged, content) }

	compacted := compact(history, 1, logFn)
	if len(compacted) != 3 {
		t.Fatalf("expected the oldest pair dropped leaving 3 messages, got %d: %+v", len(compacted), compacted)
	}
	if compacted[0].Content != "sys" || compacted[1].Content != "original task" {
		t.Fatalf("expected system and original task preserved, got %+v", compacted[:2])
	}
}

func TestStreamCompletion_HonorsCancellation(t *testing.T) {
	adapter := &blockingAdapter{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state := &types.AgentState{ID: "agent-1"}
	_, _ = streamCompletion(ctx, adapter, []provider.Message{{Role: "user", Content: "x"}}, state, func() {})
	if !adapter.cancelled {
		t.Fatal("expected adapter to observe cancellation")
	}
}

func TestStreamCompletion_EmitsThrottledPreview(t *testing.T) {
	adapter := &slowChunkAdapter{}
	state := &types.AgentState{ID: "agent-1"}
	var previews []string
	emit := func() { previews = append(previews, state.Preview) }

	text, err := streamCompletion(context.Background(), adapter, []provider.Message{{Role: "user", Content: "x"}}, state, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "helloworld" {
		t.Fatalf("expected concatenated chunk text, got %q", text)
	}
	if len(previews) == 0 {
		t.Fatal("expected at least one preview emission during streaming")
	}
	if state.Preview != "" {
		t.Fatalf("expected preview cleared once streaming finished, got %q", state.Preview)
	}
}

// slowChunkAdapter sends chunks with a gap longer than previewThrottle so
// TestStreamCompletion_EmitsThrottledPreview can observe at least one
// preview emission.
type slowChunkAdapter struct{}

func (a *slowChunkAdapter) Complete(ctx context.Context, messages []provider.Message, cancel <-chan struct{}) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		out <- provider.Chunk{Text: "hello"}
		time.Sleep(previewThrottle + 50*time.Millisecond)
		out <- provider.Chunk{Text: "world", Done: true}
	}()
	return out, nil
}

func (a *slowChunkAdapter) IsAvailable(ctx context.Context) bool                    { return true }
func (a *slowChunkAdapter) EnsureModelReady(ctx context.Context, model string) error { return nil }
func (a *slowChunkAdapter) GetLastUsage() *provider.Usage                           { return nil }

// blockingAdapter never sends a chunk until its cancel channel fires, to
// exercise streamCompletion's cancellation wiring in isolation.
type blockingAdapter struct {
	cancelled bool
}

func (b *blockingAdapter) Complete(ctx context.Context, messages []provider.Message, cancel <-chan struct{}) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		<-cancel
		b.cancelled = true
	}()
	return out, nil
}

func (b *blockingAdapter) IsAvailable(ctx context.Context) bool                  { return true }
func (b *blockingAdapter) EnsureModelReady(ctx context.Context, model string) error { return nil }
func (b *blockingAdapter) GetLastUsage() *provider.Usage                         { return nil }
