// Package tools defines the fixed tool catalogue the model may call and the
// registry the execution worker dispatches through.
//
// Every tool returns a plain string. A failing tool yields a
// "Tool error (<name>): <message>" result instead of aborting the loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"nanoagent/internal/types"
)

// Name is the closed set of tool names.
type Name string

const (
	Bash         Name = "bash"
	ReadFile     Name = "read_file"
	WriteFile    Name = "write_file"
	ListFiles    Name = "list_files"
	FetchURL     Name = "fetch_url"
	UpdateMemory Name = "update_memory"
	CreateTask   Name = "create_task"
	Evaluate     Name = "evaluate"
)

// AllNames lists the catalogue in the order it is presented to the model.
func AllNames() []Name {
	return []Name{Bash, ReadFile, WriteFile, ListFiles, FetchURL, UpdateMemory, CreateTask, Evaluate}
}

// ParseName returns the Name for s, or false if s is not in the catalogue.
func ParseName(s string) (Name, bool) {
	for _, n := range AllNames() {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// Category groups tools in the system prompt.
type Category string

const (
	CategorySystem   Category = "system"
	CategoryFiles    Category = "files"
	CategoryResearch Category = "research"
	CategoryAgent    Category = "agent"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as the object the backends expect.
func (s ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for k, p := range s.Properties {
		m := map[string]any{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			m["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			m["enum"] = p.Enum
		}
		props[k] = m
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one entry in the catalogue.
type Tool struct {
	Name        Name
	Description string
	Category    Category
	Execute     ExecuteFunc
	Schema      ToolSchema
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition converts the tool to the backend-neutral definition.
func (t *Tool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        string(t.Name),
		Description: t.Description,
		InputSchema: t.Schema.JSONSchema(),
	}
}

// ToolResult wraps the result of tool execution with metadata.
type ToolResult struct {
	ToolName   Name
	Result     string
	Error      error
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *ToolResult) IsSuccess() bool {
	return r.Error == nil
}

// =============================================================================
// INVOCATION CONTEXT
// =============================================================================

// Invocation describes the call a tool runs inside of.
type Invocation struct {
	Group types.GroupID
	// OnTaskCreated receives tasks created by create_task.
	OnTaskCreated func(types.Task)
}

type invocationKey struct{}

// WithInvocation attaches inv to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// GroupFrom returns the group of the current invocation or an error.
func GroupFrom(ctx context.Context) (types.GroupID, error) {
	inv, ok := InvocationFrom(ctx)
	if !ok || inv.Group == "" {
		return "", ErrNoInvocation
	}
	return inv.Group, nil
}

// =============================================================================
// ARGUMENT HELPERS
// =============================================================================

// StringArg returns a required non-empty string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgType, key)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, key)
	}
	return s, nil
}

// OptionalString returns a string argument or def.
func OptionalString(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionalInt returns an integer argument or def. JSON numbers arrive as
// float64; numeric strings are accepted too.
func OptionalInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// sortedKeys is used for deterministic descriptions.
func sortedKeys(m map[string]Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
