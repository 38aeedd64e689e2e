package parser

import (
	"testing"

	"github.com/nightfall-run/nightfall/internal/types"
)

func TestExtractToolCall(t *testing.T) {
	resp := `I'll read the file first.
<tool_call>
{"tool": "read_file", "parameters": {"path": "a.go"}}
</tool_call>`

	call, ok := ExtractToolCall(resp)
	if !ok {
		t.Fatalf("expected a tool call")
	}
	if call.Tool != "read_file" {
		t.Fatalf("expected tool read_file, got %s", call.Tool)
	}
	if call.Parameters["path"] != "a.go" {
		t.Fatalf("expected path=a.go, got %v", call.Parameters["path"])
	}
}

func TestExtractToolCall_MissingTool(t *testing.T) {
	_, ok := ExtractToolCall(`<tool_call>{"parameters": {}}</tool_call>`)
	if ok {
		t.Fatalf("expected no tool call when tool field is absent")
	}
}

func TestExtractToolCall_NoParameters(t *testing.T) {
	call, ok := ExtractToolCall(`<tool_call>{"tool": "list_files"}</tool_call>`)
	if !ok {
		t.Fatalf("expected a tool call")
	}
	if len(call.Parameters) != 0 {
		t.Fatalf("expected empty parameters map, got %v", call.Parameters)
	}
}

func TestExtractDone_Legacy(t *testing.T) {
	done, ok := ExtractDone(`<done>{"summary": "all set"}</done>`)
	if !ok {
		t.Fatalf("expected a done signal")
	}
	if done.Summary != "all set" {
		t.Fatalf("expected summary 'all set', got %q", done.Summary)
	}
}

func TestExtractDone_Structured(t *testing.T) {
	done, ok := ExtractDone(`<done>{"filesChanged": ["a.go"], "confidence": "high"}</done>`)
	if !ok {
		t.Fatalf("expected a done signal")
	}
	if done.Raw["confidence"] != "high" {
		t.Fatalf("expected confidence=high, got %v", done.Raw["confidence"])
	}
}

func TestExtractDone_NotJSON(t *testing.T) {
	done, ok := ExtractDone(`<done>just a plain sentence</done>`)
	if !ok {
		t.Fatalf("expected a done signal")
	}
	if done.Summary != "just a plain sentence" {
		t.Fatalf("expected raw text passthrough, got %q", done.Summary)
	}
}

func TestExtractDone_NoBlock(t *testing.T) {
	if _, ok := ExtractDone("no tags here at all"); ok {
		t.Fatalf("expected no done signal")
	}
}

func TestParsePlan_FallbackOnInvalid(t *testing.T) {
	plan := ParsePlan(nil, "add hello.txt", 3)
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].Description != "add hello.txt" {
		t.Fatalf("expected single fallback subtask, got %+v", plan.Subtasks)
	}
}

func TestParsePlan_CapsEstimatedEngineers(t *testing.T) {
	done, ok := ExtractDone(`<done>{"subtasks":[{"id":"s1","description":"x"}],"complexity":"complex","estimatedEngineers":10}</done>`)
	if !ok {
		t.Fatalf("expected done parse")
	}
	plan := ParsePlan(done, "x", 3)
	if plan.EstimatedEngineers != 3 {
		t.Fatalf("expected cap at 3, got %d", plan.EstimatedEngineers)
	}
}

func TestParseReview_LenientOnUnparseable(t *testing.T) {
	result := ParseReview(&types.DoneSignal{Summary: "looks fine to me"})
	if !result.Passed {
		t.Fatalf("expected lenient pass")
	}
	if result.Notes != "looks fine to me" {
		t.Fatalf("expected notes to carry raw summary, got %q", result.Notes)
	}
}

func TestParseReview_StructuredIssues(t *testing.T) {
	done, ok := ExtractDone(`<done>{"passed": false, "issues": ["tests fail", {"description": "lint error", "evidence": "line 4"}], "notes": "needs work"}</done>`)
	if !ok {
		t.Fatalf("expected done parse")
	}
	result := ParseReview(done)
	if result.Passed {
		t.Fatalf("expected failed review")
	}
	if len(result.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(result.Issues))
	}
	if FormatIssue(result.Issues[1]) != "lint error (evidence: line 4)" {
		t.Fatalf("unexpected formatted issue: %q", FormatIssue(result.Issues[1]))
	}
}

func TestEngineerBlocked(t *testing.T) {
	done, _ := ExtractDone(`<done>{"confidence": "blocked"}</done>`)
	if !EngineerBlocked(done) {
		t.Fatalf("expected blocked engineer to be detected")
	}
}
