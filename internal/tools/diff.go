// write_diff applies a unified-diff patch atomically, locking the canonical
// absolute path first and releasing on any exit. Parsing and hunk
// application are adapted from the teacher's pkg/coder/engine/diff.go
// (parseUnifiedDiff/parseHunk/applyHunksToFile), generalized to operate
// within the project-root sandbox and through the Lock Registry instead of
// a bare filesystem write.
package tools

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/types"
)

type diffHunk struct {
	oldStart, oldLines int
	newStart, newLines int
	lines              []diffLine
}

type diffLine struct {
	kind byte // ' ', '+', or '-'
	text string
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseUnifiedDiff splits diffText into per-file hunk lists, keyed by the
// "+++ " target path (a/b/ prefixes stripped). Diffs with no file headers
// are keyed under "__single__".
func parseUnifiedDiff(diffText string) (map[string][]diffHunk, error) {
	text := strings.ReplaceAll(diffText, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	files := make(map[string][]diffHunk)

	var currentFile string
	i := 0
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			currentFile = normalizeDiffPath(strings.TrimPrefix(lines[i+1], "+++ "))
			i += 2
			continue
		}
		if strings.HasPrefix(line, "@@ ") {
			hunk, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			if currentFile == "" {
				currentFile = "__single__"
			}
			files[currentFile] = append(files[currentFile], hunk)
			i = next
			continue
		}
		i++
	}
	return files, nil
}

func parseHunk(lines []string, start int) (diffHunk, int, error) {
	header := lines[start]
	m := hunkHeaderRe.FindStringSubmatch(header)
	if m == nil {
		return diffHunk{}, start + 1, fmt.Errorf("invalid hunk header: %s", header)
	}
	oldStart, _ := strconv.Atoi(m[1])
	oldLines := 1
	if m[2] != "" {
		oldLines, _ = strconv.Atoi(m[2])
	}
	newStart, _ := strconv.Atoi(m[3])
	newLines := 1
	if m[4] != "" {
		newLines, _ = strconv.Atoi(m[4])
	}

	hunk := diffHunk{oldStart: oldStart, oldLines: oldLines, newStart: newStart, newLines: newLines}
	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "@@ ") || strings.HasPrefix(line, "--- ") {
			break
		}
		if strings.HasPrefix(line, "\\ No newline at end of file") {
			i++
			continue
		}
		if len(line) == 0 {
			hunk.lines = append(hunk.lines, diffLine{kind: ' ', text: ""})
			i++
			continue
		}
		kind := line[0]
		if kind != ' ' && kind != '+' && kind != '-' {
			return diffHunk{}, start + 1, fmt.Errorf("invalid diff line: %s", line)
		}
		hunk.lines = append(hunk.lines, diffLine{kind: kind, text: line[1:]})
		i++
	}
	return hunk, i, nil
}

func normalizeDiffPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

func applyHunksToFile(path string, hunks []diffHunk) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	trailingNewline := strings.HasSuffix(text, "\n")

	offset := 0
	for _, h := range hunks {
		idx := h.oldStart - 1 + offset
		if idx < 0 || idx > len(lines) {
			return fmt.Errorf("hunk out of range in %s", path)
		}

		cur := idx
		newChunk := make([]string, 0, len(h.lines))
		for _, dl := range h.lines {
			switch dl.kind {
			case ' ':
				if cur >= len(lines) || lines[cur] != dl.text {
					return fmt.Errorf("hunk mismatch in %s", path)
				}
				newChunk = append(newChunk, lines[cur])
				cur++
			case '-':
				if cur >= len(lines) || lines[cur] != dl.text {
					return fmt.Errorf("hunk mismatch in %s", path)
				}
				cur++
			case '+':
				newChunk = append(newChunk, dl.text)
			}
		}

		lines = append(lines[:idx], append(newChunk, lines[cur:]...)...)
		offset += len(newChunk) - (cur - idx)
	}

	newText := strings.Join(lines, "\n")
	if trailingNewline && !strings.HasSuffix(newText, "\n") {
		newText += "\n"
	}
	return os.WriteFile(path, []byte(newText), 0o600)
}

// NewWriteDiffTool builds the write_diff Implementation. agentID identifies
// the caller for lock ownership; root is the project root every path is
// sandboxed to. backup is called with the pre-write path (nil-safe) so the
// Snapshot Manager can preserve its pre-image before the patch is applied.
func NewWriteDiffTool(root string, lockReg *locks.Registry, agentID string, backup BackupFunc) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		diffText, _ := call.Parameters["diff"].(string)
		if path == "" || diffText == "" {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: "write_diff requires path and diff"}
		}

		abs, err := resolveInRoot(root, path)
		if err != nil {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: err.Error()}
		}

		if err := lockReg.Acquire(ctx, abs, agentID); err != nil {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: fmt.Sprintf("acquire lock: %v", err)}
		}
		defer func() { _ = lockReg.Release(abs, agentID) }()

		files, err := parseUnifiedDiff(diffText)
		if err != nil {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: err.Error()}
		}
		if len(files) == 0 {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: "empty diff"}
		}

		hunks, ok := files[path]
		if !ok {
			if only, singleOK := files["__single__"]; singleOK && len(files) == 1 {
				hunks = only
				ok = true
			}
		}
		if !ok {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: "diff does not target path"}
		}

		if backup != nil {
			if err := backup(path); err != nil {
				return types.ToolResult{Tool: call.Tool, Success: false, Error: fmt.Sprintf("snapshot backup: %v", err)}
			}
		}

		if err := applyHunksToFile(abs, hunks); err != nil {
			return types.ToolResult{Tool: call.Tool, Success: false, Error: err.Error()}
		}
		return types.ToolResult{Tool: call.Tool, Success: true, Output: fmt.Sprintf("diff applied to %s", path)}
	}
}
