package tools

import (
	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/types"
)

// BuildStandard registers every concrete tool from spec §4.1 against reg and
// wires per-role permissions, matching the teacher's
// SetupDefaultRegistry (cli/agent/workers/registry.go) pattern of
// populating one shared registry at startup. backup is threaded into the
// write tools so the Snapshot Manager sees every file before it's mutated;
// nil disables snapshotting (e.g. in tests).
func BuildStandard(reg *Registry, root string, lockReg *locks.Registry, bank *memory.Bank, agentID string, backup BackupFunc, onAssign AssignTaskFunc, onReview RequestReviewFunc) {
	reg.Register(Descriptor{
		Name:        "read_file",
		Description: "Read a whole file, a 1-based inclusive line range, or an extracted symbol block.",
		Parameters: map[string]Param{
			"path":      {Type: "string", Required: true, Description: "project-relative file path"},
			"startLine": {Type: "number", Description: "1-based inclusive start line"},
			"endLine":   {Type: "number", Description: "1-based inclusive end line"},
			"symbol":    {Type: "string", Description: "class/function/interface/type/enum name to extract"},
		},
	}, NewReadFileTool(root))

	reg.Register(Descriptor{
		Name:        "write_diff",
		Description: "Apply a unified-diff patch atomically.",
		Parameters: map[string]Param{
			"path": {Type: "string", Required: true, Description: "project-relative file path"},
			"diff": {Type: "string", Required: true, Description: "unified diff text"},
		},
	}, NewWriteDiffTool(root, lockReg, agentID, backup))

	reg.Register(Descriptor{
		Name:        "write_file",
		Description: "Create or overwrite a file, creating parent directories as needed.",
		Parameters: map[string]Param{
			"path":    {Type: "string", Required: true, Description: "project-relative file path"},
			"content": {Type: "string", Required: true, Description: "full file content"},
		},
	}, NewWriteFileTool(root, lockReg, agentID, backup))

	reg.Register(Descriptor{
		Name:        "list_files",
		Description: "Recursively list files, optionally filtered by directory or extension.",
		Parameters: map[string]Param{
			"dir":       {Type: "string", Description: "project-relative directory, default project root"},
			"extension": {Type: "string", Description: "file extension filter, e.g. .go"},
		},
	}, NewListFilesTool(root))

	reg.Register(Descriptor{
		Name:        "search_files",
		Description: "Recursively search file contents for a literal pattern.",
		Parameters: map[string]Param{
			"pattern":   {Type: "string", Required: true, Description: "literal substring to search for"},
			"dir":       {Type: "string", Description: "project-relative directory, default project root"},
			"extension": {Type: "string", Description: "file extension filter, e.g. .go"},
		},
	}, NewSearchFilesTool(root))

	reg.Register(Descriptor{
		Name:        "run_command",
		Description: "Run a shell command with a bounded timeout; output is truncated.",
		Parameters: map[string]Param{
			"command":   {Type: "string", Required: true, Description: "shell command line"},
			"cwd":       {Type: "string", Description: "project-relative working directory"},
			"timeoutMs": {Type: "number", Description: "timeout in milliseconds, default 30000, max 120000"},
		},
	}, NewRunCommandTool(root))

	reg.Register(Descriptor{
		Name:        "read_memory",
		Description: "Read a file from the project memory bank.",
		Parameters: map[string]Param{
			"path": {Type: "string", Description: "memory-relative path, default index.md"},
		},
	}, NewReadMemoryTool(bank))

	reg.Register(Descriptor{
		Name:        "write_memory",
		Description: "Create or overwrite a file in the project memory bank.",
		Parameters: map[string]Param{
			"path":    {Type: "string", Required: true, Description: "memory-relative path"},
			"content": {Type: "string", Required: true, Description: "full file content"},
		},
	}, NewWriteMemoryTool(bank))

	reg.Register(Descriptor{
		Name:        "update_index",
		Description: "Add or replace one entry in the memory bank's index.md.",
		Parameters: map[string]Param{
			"path":        {Type: "string", Required: true, Description: "memory-relative path of the indexed file"},
			"description": {Type: "string", Required: true, Description: "one-line description"},
			"component":   {Type: "bool", Description: "true to index under the Components section"},
		},
	}, NewUpdateIndexTool(bank))

	reg.Register(Descriptor{
		Name:        "assign_task",
		Description: "Record a planner's subtask assignment hint.",
		Parameters: map[string]Param{
			"subtaskId": {Type: "string", Required: true, Description: "id of the subtask being assigned"},
			"agent":     {Type: "string", Description: "preferred agent/role hint"},
		},
	}, NewAssignTaskTool(onAssign))

	reg.Register(Descriptor{
		Name:        "request_review",
		Description: "Planner-only: request an out-of-band review.",
		Parameters: map[string]Param{
			"note": {Type: "string", Description: "context for the reviewer"},
		},
	}, NewRequestReviewTool(onReview))

	readOnly := []string{"read_file", "list_files", "search_files", "read_memory"}
	writeAll := []string{"read_file", "write_diff", "write_file", "list_files", "search_files",
		"run_command", "read_memory", "write_memory", "update_index"}

	reg.AllowRole(types.RolePlanner, append(append([]string{}, readOnly...), "assign_task", "request_review")...)
	reg.AllowRole(types.RoleEngineer, writeAll...)
	reg.AllowRole(types.RoleReviewer, append(append([]string{}, readOnly...), "run_command")...)
	reg.AllowRole(types.RoleMemoryManager, []string{"read_file", "read_memory", "write_memory", "update_index"}...)
	reg.AllowRole(types.RoleClassifier, readOnly...)
	reg.AllowRole(types.RoleResponder, readOnly...)
}
