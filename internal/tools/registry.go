// Package tools implements the Tool Registry (C1) and the concrete tool
// adapters it dispatches to. The registry shape is grounded on the
// teacher's cli/agent/workers.Registry (a map guarded by RWMutex plus a
// catalog string for system-prompt advertisement); the concrete tools are
// grounded individually, see each file's header comment.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nightfall-run/nightfall/internal/types"
)

var (
	// ErrPermissionDenied is returned when a role lacks a tool.
	ErrPermissionDenied = errors.New("tools: permission denied for role")
	// ErrUnknownTool is returned when a call names a tool with no
	// implementation registered.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrPathEscape is returned when a resolved path would leave the
	// project root.
	ErrPathEscape = errors.New("tools: path escapes project root")
)

// Param describes one named parameter of a tool, for system-prompt
// advertisement.
type Param struct {
	Type        string
	Required    bool
	Description string
}

// Descriptor is a tool's advertised shape.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]Param
}

// Implementation executes one tool call against the live project.
type Implementation func(ctx context.Context, call types.ToolCall) types.ToolResult

// BackupFunc preserves path's pre-write state before a write tool mutates
// it. write_diff and write_file call it before every write; keeping only the
// first pre-image per path is left to the implementation (the Snapshot
// Manager's RecordWrite does so).
type BackupFunc func(path string) error

type entry struct {
	descriptor Descriptor
	impl       Implementation
}

// Registry is the static name -> {descriptor, implementation} map plus the
// role-permission table.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]entry
	permissions map[types.Role]map[string]bool
}

// NewRegistry builds an empty registry. Use Register to populate it and
// AllowRole to configure per-role access.
func NewRegistry() *Registry {
	return &Registry{
		tools:       make(map[string]entry),
		permissions: make(map[types.Role]map[string]bool),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(desc Descriptor, impl Implementation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = entry{descriptor: desc, impl: impl}
}

// AllowRole grants role access to the named tools.
func (r *Registry) AllowRole(role types.Role, toolNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.permissions[role]
	if !ok {
		set = make(map[string]bool)
		r.permissions[role] = set
	}
	for _, name := range toolNames {
		set[name] = true
	}
}

// Execute dispatches call on behalf of role.
func (r *Registry) Execute(ctx context.Context, role types.Role, call types.ToolCall) types.ToolResult {
	r.mu.RLock()
	set := r.permissions[role]
	allowed := set != nil && set[call.Tool]
	e, registered := r.tools[call.Tool]
	r.mu.RUnlock()

	if !allowed {
		return types.ToolResult{Tool: call.Tool, Success: false, Error: fmt.Sprintf("%v: role %s, tool %s", ErrPermissionDenied, role, call.Tool)}
	}
	if !registered {
		return types.ToolResult{Tool: call.Tool, Success: false, Error: fmt.Sprintf("%v: %s", ErrUnknownTool, call.Tool)}
	}
	return e.impl(ctx, call)
}

// Descriptor returns the descriptor for name, if registered.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.descriptor, ok
}

// CatalogString renders every tool name, description, and parameters for a
// role, sorted by name, suitable for embedding in a system prompt. Grounded
// on the teacher's Registry.CatalogString (cli/agent/workers/registry.go).
func (r *Registry) CatalogString(role types.Role) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.permissions[role]
	var names []string
	for name := range r.tools {
		if set != nil && set[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		e := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", e.descriptor.Name, e.descriptor.Description)
		var paramNames []string
		for p := range e.descriptor.Parameters {
			paramNames = append(paramNames, p)
		}
		sort.Strings(paramNames)
		for _, p := range paramNames {
			param := e.descriptor.Parameters[p]
			req := ""
			if param.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "    %s (%s%s): %s\n", p, param.Type, req, param.Description)
		}
	}
	return b.String()
}
