// read_memory, write_memory, and update_index, operating under
// "<project>/.nightfall/memory/" through the internal/memory package.
package tools

import (
	"context"
	"fmt"

	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/types"
)

// NewReadMemoryTool builds the read_memory Implementation.
func NewReadMemoryTool(bank *memory.Bank) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		if path == "" {
			path = "index.md"
		}
		content, err := bank.Read(path)
		if err != nil {
			return fail(call, err.Error())
		}
		return succeed(call, content)
	}
}

// NewWriteMemoryTool builds the write_memory Implementation.
func NewWriteMemoryTool(bank *memory.Bank) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		content, _ := call.Parameters["content"].(string)
		if path == "" {
			return fail(call, "write_memory requires path")
		}
		if err := bank.Write(path, content); err != nil {
			return fail(call, err.Error())
		}
		return succeed(call, fmt.Sprintf("wrote memory/%s", path))
	}
}

// NewUpdateIndexTool builds the update_index Implementation: adds or
// replaces one entry (flat, or under Components when component=true).
func NewUpdateIndexTool(bank *memory.Bank) Implementation {
	return func(ctx context.Context, call types.ToolCall) types.ToolResult {
		path, _ := call.Parameters["path"].(string)
		desc, _ := call.Parameters["description"].(string)
		component, _ := call.Parameters["component"].(bool)
		if path == "" {
			return fail(call, "update_index requires path")
		}

		idx, err := bank.ReadIndex()
		if err != nil {
			return fail(call, err.Error())
		}

		target := &idx.Entries
		if component {
			target = &idx.Components
		}
		replaced := false
		for i := range *target {
			if (*target)[i].Path == path {
				(*target)[i].Description = desc
				replaced = true
				break
			}
		}
		if !replaced {
			*target = append(*target, memory.Entry{Path: path, Description: desc})
		}

		if err := bank.WriteIndex(idx); err != nil {
			return fail(call, err.Error())
		}
		return succeed(call, fmt.Sprintf("indexed %s", path))
	}
}
