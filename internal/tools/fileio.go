// read_file, write_file, list_files, and search_files. The exclusion-dir
// table and recursive-walk shape are adapted from the teacher's
// utils.ProcessDirectory / DefaultDirectoryScanOptions (utils/file_utils.go);
// the symbol-block extraction is a bracket-matching heuristic in the same
// spirit as the teacher's source-aware file handling.
package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/types"
)

var excludedDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, ".nightfall": true,
}

const (
	maxWalkEntries  = 500
	maxSearchHits   = 50
	maxFileReadSize = 500 * 1024
)

// NewReadFileTool builds the read_file Implementation. Supports whole-file,
// 1-based inclusive line-range, and symbol-block extraction.
func NewReadFileTool(root string) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		if path == "" {
			return fail(call, "read_file requires path")
		}
		abs, err := resolveInRoot(root, path)
		if err != nil {
			return fail(call, err.Error())
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			return fail(call, err.Error())
		}
		content := string(data)

		if symbol, ok := call.Parameters["symbol"].(string); ok && symbol != "" {
			block, found := extractSymbolBlock(content, symbol)
			if !found {
				return fail(call, fmt.Sprintf("symbol %q not found", symbol))
			}
			return succeed(call, block)
		}

		startF, hasStart := numParam(call.Parameters, "startLine")
		endF, hasEnd := numParam(call.Parameters, "endLine")
		if hasStart || hasEnd {
			lines := strings.Split(content, "\n")
			start := 1
			end := len(lines)
			if hasStart {
				start = int(startF)
			}
			if hasEnd {
				end = int(endF)
			}
			if start < 1 {
				start = 1
			}
			if end > len(lines) {
				end = len(lines)
			}
			if start > end {
				return fail(call, "startLine must be <= endLine")
			}
			return succeed(call, strings.Join(lines[start-1:end], "\n"))
		}

		return succeed(call, content)
	}
}

func numParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// extractSymbolBlock finds the first "func/class/interface/type/enum
// <symbol>" declaration and returns its bracket-balanced body, a heuristic
// matching what the spec's read_file contract calls for.
func extractSymbolBlock(content, symbol string) (string, bool) {
	keywords := []string{"func", "class", "interface", "type", "enum"}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, kw := range keywords {
			if !strings.HasPrefix(trimmed, kw+" ") && !strings.Contains(trimmed, kw+" "+symbol) {
				continue
			}
			if !strings.Contains(trimmed, symbol) {
				continue
			}
			return collectBracketBlock(lines, i), true
		}
	}
	return "", false
}

func collectBracketBlock(lines []string, start int) string {
	depth := 0
	seenOpen := false
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		line := lines[i]
		b.WriteString(line)
		b.WriteString("\n")
		for _, r := range line {
			switch r {
			case '{':
				depth++
				seenOpen = true
			case '}':
				depth--
			}
		}
		if seenOpen && depth <= 0 {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewWriteFileTool builds the write_file Implementation: create/overwrite
// with directory creation, sandboxed to root, lock-gated like write_diff.
// backup preserves path's pre-write state (or records it as new) before the
// write lands.
func NewWriteFileTool(root string, lockReg *locks.Registry, agentID string, backup BackupFunc) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		content, _ := call.Parameters["content"].(string)
		if path == "" {
			return fail(call, "write_file requires path")
		}
		abs, err := resolveInRoot(root, path)
		if err != nil {
			return fail(call, err.Error())
		}

		if err := lockReg.Acquire(ctx, abs, agentID); err != nil {
			return fail(call, fmt.Sprintf("acquire lock: %v", err))
		}
		defer func() { _ = lockReg.Release(abs, agentID) }()

		if backup != nil {
			if err := backup(path); err != nil {
				return fail(call, fmt.Sprintf("snapshot backup: %v", err))
			}
		}

		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fail(call, err.Error())
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return fail(call, err.Error())
		}
		return succeed(call, fmt.Sprintf("wrote %s", path))
	}
}

// NewListFilesTool builds the list_files Implementation.
func NewListFilesTool(root string) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		dir, _ := call.Parameters["dir"].(string)
		ext, _ := call.Parameters["extension"].(string)
		absDir, err := resolveInRoot(root, dir)
		if err != nil {
			return fail(call, err.Error())
		}

		var matches []string
		err = filepath.Walk(absDir, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if info.IsDir() {
				if excludedDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if ext != "" && filepath.Ext(p) != ext {
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				rel = p
			}
			matches = append(matches, rel)
			if len(matches) >= maxWalkEntries {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && err != filepath.SkipAll {
			return fail(call, err.Error())
		}
		sort.Strings(matches)
		return succeed(call, strings.Join(matches, "\n"))
	}
}

// NewSearchFilesTool builds the search_files Implementation.
func NewSearchFilesTool(root string) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		pattern, _ := call.Parameters["pattern"].(string)
		dir, _ := call.Parameters["dir"].(string)
		ext, _ := call.Parameters["extension"].(string)
		if pattern == "" {
			return fail(call, "search_files requires pattern")
		}
		absDir, err := resolveInRoot(root, dir)
		if err != nil {
			return fail(call, err.Error())
		}

		var hits []string
		err = filepath.Walk(absDir, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil || len(hits) >= maxSearchHits {
				return nil
			}
			if info.IsDir() {
				if excludedDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if ext != "" && filepath.Ext(p) != ext {
				return nil
			}
			if info.Size() > maxFileReadSize {
				return nil
			}
			if matched, rel := grepFile(p, root, pattern); matched {
				hits = append(hits, rel)
			}
			if len(hits) >= maxSearchHits {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && err != filepath.SkipAll {
			return fail(call, err.Error())
		}
		return succeed(call, strings.Join(hits, "\n"))
	}
}

func grepFile(path, root, pattern string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return false, ""
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if strings.Contains(scanner.Text(), pattern) {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			return true, fmt.Sprintf("%s:%d", rel, lineNo)
		}
	}
	return false, ""
}

func fail(call types.ToolCall, msg string) types.ToolResult {
	return types.ToolResult{Tool: call.Tool, Success: false, Error: msg}
}

func succeed(call types.ToolCall, output string) types.ToolResult {
	return types.ToolResult{Tool: call.Tool, Success: true, Output: output}
}
