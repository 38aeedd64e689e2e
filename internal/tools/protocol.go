// assign_task and request_review: protocol-only messages used by the
// planner role, with no filesystem access. The caller of BuildStandard
// supplies the callback that receives the message; the orchestrator passes
// callbacks that discard it. The tool itself is a thin adapter, consistent
// with the registry's "tools are pure adapters" rule.
package tools

import (
	"context"

	"github.com/nightfall-run/nightfall/internal/types"
)

// AssignTaskFunc receives a planner's assign_task call.
type AssignTaskFunc func(subtaskID, agentHint string)

// RequestReviewFunc receives a planner's request_review call.
type RequestReviewFunc func(note string)

// NewAssignTaskTool builds the assign_task Implementation.
func NewAssignTaskTool(onAssign AssignTaskFunc) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		subtaskID, _ := call.Parameters["subtaskId"].(string)
		agentHint, _ := call.Parameters["agent"].(string)
		if subtaskID == "" {
			return fail(call, "assign_task requires subtaskId")
		}
		onAssign(subtaskID, agentHint)
		return succeed(call, "assignment recorded")
	}
}

// NewRequestReviewTool builds the request_review Implementation.
func NewRequestReviewTool(onRequest RequestReviewFunc) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		note, _ := call.Parameters["note"].(string)
		onRequest(note)
		return succeed(call, "review requested")
	}
}
