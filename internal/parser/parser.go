// Package parser implements the Plan/Review Parser (C5): tagged-block
// extraction and typed-result parsing from LLM text. The tag scanner is
// grounded on the teacher's stateful XML/JSON scanner in
// cli/agent/toolcall_parser.go (ParseToolCalls, scanTagEnd), adapted here
// from attribute-bearing XML tags to the simpler <tool_call>/<done> blocks
// whose bodies are themselves JSON.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/nightfall-run/nightfall/internal/types"
)

// ExtractToolCall scans resp for the first <tool_call>...</tool_call> block
// and parses its JSON body. Returns nil, false if no block is present, the
// body is not JSON, or "tool" is missing/non-string.
func ExtractToolCall(resp string) (*types.ToolCall, bool) {
	body, ok := extractBlock(resp, "tool_call")
	if !ok {
		return nil, false
	}

	var raw struct {
		Tool       string                 `json:"tool"`
		Parameters map[string]interface{} `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}
	if raw.Tool == "" {
		return nil, false
	}
	if raw.Parameters == nil {
		raw.Parameters = map[string]interface{}{}
	}
	return &types.ToolCall{Tool: raw.Tool, Parameters: raw.Parameters}, true
}

// ExtractDone scans resp for the first <done>...</done> block. Per spec
// §4.5: an object with exactly the single field "summary" (string) is the
// legacy form; any other JSON object is returned in Raw with Summary set to
// the trimmed body text as received (never re-encoded); if the body isn't a
// JSON object at all, Summary is the trimmed raw text and Raw is nil.
func ExtractDone(resp string) (*types.DoneSignal, bool) {
	body, ok := extractBlock(resp, "done")
	if !ok {
		return nil, false
	}
	body = strings.TrimSpace(body)

	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return &types.DoneSignal{Summary: body}, true
	}

	if len(generic) == 1 {
		if s, ok := generic["summary"].(string); ok {
			return &types.DoneSignal{Summary: s, Raw: generic}, true
		}
	}
	return &types.DoneSignal{Summary: body, Raw: generic}, true
}

// extractBlock returns the trimmed text between the first "<tag>" and the
// following "</tag>", scanning forward rather than relying on a single
// greedy regex so that nested angle brackets inside the JSON body (e.g. in
// string values) can't confuse tag boundaries.
func extractBlock(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"

	startIdx := indexCI(s, open)
	if startIdx == -1 {
		return "", false
	}
	bodyStart := startIdx + len(open)

	endIdx := indexCI(s[bodyStart:], closeTag)
	if endIdx == -1 {
		return "", false
	}

	return strings.TrimSpace(s[bodyStart : bodyStart+endIdx]), true
}

func indexCI(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}

// ParsePlan parses a planner done-signal's raw JSON into a TaskPlan. Any
// parse failure or missing subtasks falls back to a single subtask using
// originalPrompt verbatim, per spec §4.5. estimatedEngineers is capped at
// maxEngineers.
func ParsePlan(done *types.DoneSignal, originalPrompt string, maxEngineers int) *types.TaskPlan {
	fallback := func() *types.TaskPlan {
		return &types.TaskPlan{
			Subtasks: []*types.Subtask{{
				ID:          "s1",
				Description: originalPrompt,
				Status:      types.SubtaskPending,
			}},
			Complexity:         types.ComplexitySimple,
			EstimatedEngineers: 1,
		}
	}

	if done == nil || done.Raw == nil {
		return fallback()
	}

	var body struct {
		Subtasks []struct {
			ID              string   `json:"id"`
			Description     string   `json:"description"`
			Files           []string `json:"files"`
			SuccessCriteria []string `json:"successCriteria"`
			Constraints     []string `json:"constraints"`
			DependsOn       []string `json:"dependsOn"`
		} `json:"subtasks"`
		Complexity         string `json:"complexity"`
		EstimatedEngineers int    `json:"estimatedEngineers"`
	}

	raw, err := json.Marshal(done.Raw)
	if err != nil {
		return fallback()
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Subtasks) == 0 {
		return fallback()
	}

	plan := &types.TaskPlan{
		Complexity:         types.Complexity(body.Complexity),
		EstimatedEngineers: body.EstimatedEngineers,
	}
	if plan.Complexity == "" {
		plan.Complexity = types.ComplexitySimple
	}
	if plan.EstimatedEngineers < 1 {
		plan.EstimatedEngineers = 1
	}
	if maxEngineers > 0 && plan.EstimatedEngineers > maxEngineers {
		plan.EstimatedEngineers = maxEngineers
	}

	for _, st := range body.Subtasks {
		plan.Subtasks = append(plan.Subtasks, &types.Subtask{
			ID:              st.ID,
			Description:     st.Description,
			Files:           st.Files,
			SuccessCriteria: st.SuccessCriteria,
			Constraints:     st.Constraints,
			DependsOn:       st.DependsOn,
			Status:          types.SubtaskPending,
		})
	}
	return plan
}

// ParseReview parses a reviewer done-signal's raw JSON into a ReviewResult.
// An unparseable or missing body yields a lenient pass whose Notes is the
// raw summary text, per spec §4.5.
func ParseReview(done *types.DoneSignal) types.ReviewResult {
	if done == nil {
		return types.ReviewResult{Passed: true}
	}
	lenientPass := types.ReviewResult{Passed: true, Notes: done.Summary}

	if done.Raw == nil {
		return lenientPass
	}

	var body struct {
		Passed bool          `json:"passed"`
		Issues []interface{} `json:"issues"`
		Notes  string        `json:"notes"`
	}
	raw, err := json.Marshal(done.Raw)
	if err != nil {
		return lenientPass
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return lenientPass
	}

	result := types.ReviewResult{Passed: body.Passed, Notes: body.Notes}
	for _, issue := range body.Issues {
		switch v := issue.(type) {
		case string:
			result.Issues = append(result.Issues, types.ReviewIssue{Description: v})
		case map[string]interface{}:
			desc, _ := v["description"].(string)
			evidence, _ := v["evidence"].(string)
			result.Issues = append(result.Issues, types.ReviewIssue{Description: desc, Evidence: evidence})
		}
	}
	return result
}

// FormatIssue renders a structured issue for inclusion in a rework prompt.
func FormatIssue(issue types.ReviewIssue) string {
	if issue.Evidence == "" {
		return issue.Description
	}
	return issue.Description + " (evidence: " + issue.Evidence + ")"
}

// EngineerBlocked reports whether an engineer's done signal indicates it
// considers the subtask blocked (confidence == "blocked"), per spec §4.5.
func EngineerBlocked(done *types.DoneSignal) bool {
	if done == nil || done.Raw == nil {
		return false
	}
	conf, _ := done.Raw["confidence"].(string)
	return conf == "blocked"
}
