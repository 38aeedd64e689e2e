// run_command executes a shell command with a bounded timeout and captures
// combined, truncated stdout+stderr. Adapted from the teacher's
// pkg/coder/engine/commands_exec.go handleExec: exec.CommandContext,
// context.WithTimeout, and a goroutine-pair streaming stdout/stderr via
// sync.WaitGroup, generalized to honor the task-level cancellation signal
// and the spec's 8000-char truncation contract instead of writing straight
// through to a terminal.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/nightfall-run/nightfall/internal/types"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandTimeout     = 120 * time.Second
	maxOutputChars        = 8000
	outputHeadChars       = 2000
	outputTailChars       = 6000
)

// NewRunCommandTool builds the run_command Implementation. root is used as
// the default working directory when the call doesn't specify one.
func NewRunCommandTool(root string) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		command, _ := call.Parameters["command"].(string)
		if command == "" {
			return fail(call, "run_command requires command")
		}
		cwd, _ := call.Parameters["cwd"].(string)
		workDir := root
		if cwd != "" {
			abs, err := resolveInRoot(root, cwd)
			if err != nil {
				return fail(call, err.Error())
			}
			workDir = abs
		}

		timeout := defaultCommandTimeout
		if ms, ok := numParam(call.Parameters, "timeoutMs"); ok {
			if ms <= 0 {
				return fail(call, "Aborted before execution")
			}
			timeout = time.Duration(ms) * time.Millisecond
			if timeout > maxCommandTimeout {
				timeout = maxCommandTimeout
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(execCtx, "cmd.exe", "/C", command)
		} else {
			cmd = exec.CommandContext(execCtx, "sh", "-c", command)
		}
		cmd.Dir = workDir

		stdout, _ := cmd.StdoutPipe()
		stderr, _ := cmd.StderrPipe()
		if err := cmd.Start(); err != nil {
			return fail(call, fmt.Sprintf("start error: %v", err))
		}

		var buf bytes.Buffer
		var mu sync.Mutex
		var wg sync.WaitGroup
		wg.Add(2)
		stream := func(r interface{ Read([]byte) (int, error) }) {
			defer wg.Done()
			chunk := make([]byte, 4096)
			for {
				n, err := r.Read(chunk)
				if n > 0 {
					mu.Lock()
					buf.Write(chunk[:n])
					mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}
		go stream(stdout)
		go stream(stderr)
		wg.Wait()

		runErr := cmd.Wait()
		output := truncateOutput(buf.String())

		if runErr != nil {
			return types.ToolResult{Tool: call.Tool, Success: false, Output: output, Error: runErr.Error()}
		}
		return types.ToolResult{Tool: call.Tool, Success: true, Output: output}
	}
}

// truncateOutput leaves s unchanged up to maxOutputChars; beyond that it keeps
// the first outputHeadChars and last outputTailChars with an omission marker
// in between, so the result is maxOutputChars plus the marker, per spec §4.1.
func truncateOutput(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	head := s[:outputHeadChars]
	tail := s[len(s)-outputTailChars:]
	omitted := len(s) - outputHeadChars - outputTailChars
	return fmt.Sprintf("%s\n... [%d characters omitted] ...\n%s", head, omitted, tail)
}
