package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// MaxResultChars bounds a tool result before it enters the transcript.
const MaxResultChars = 20000

// Registry holds the tools available to the worker.
type Registry struct {
	mu    sync.RWMutex
	tools map[Name]*Tool
	order []Name
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[Name]*Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)

	logging.ToolsDebug("Registered tool: %s (category=%s)", tool.Name, tool.Category)
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name Name) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered names in registration order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the backend tool catalogue in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n].Definition())
	}
	return out
}

// Catalogue renders a short human-readable list for the system prompt.
func (r *Registry) Catalogue() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, n := range r.order {
		t := r.tools[n]
		fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Description)
		if len(t.Schema.Properties) > 0 {
			sb.WriteString(" (args: ")
			for i, k := range sortedKeys(t.Schema.Properties) {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(k)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Execute runs a tool by name. Unknown names yield ErrToolNotFound.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	n, ok := ParseName(name)
	var tool *Tool
	if ok {
		tool = r.Get(n)
	}
	if tool == nil {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, name)
		return &ToolResult{ToolName: Name(name), Error: err}, err
	}
	return r.ExecuteTool(ctx, tool, args)
}

// ExecuteTool runs a specific tool with the given arguments.
func (r *Registry) ExecuteTool(ctx context.Context, tool *Tool, args map[string]any) (*ToolResult, error) {
	start := time.Now()
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(tool, args); err != nil {
		return &ToolResult{ToolName: tool.Name, Error: err, DurationMs: time.Since(start).Milliseconds()}, err
	}

	logging.ToolsDebug("Executing tool: %s", tool.Name)
	result, err := callTool(ctx, tool, args)
	duration := time.Since(start)
	logging.ToolsDebug("Tool %s completed in %v (success=%v)", tool.Name, duration, err == nil)

	return &ToolResult{
		ToolName:   tool.Name,
		Result:     result,
		Error:      err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// callTool converts a panic in the tool into an error.
func callTool(ctx context.Context, tool *Tool, args map[string]any) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryTools).Error("Tool %s panicked: %v", tool.Name, r)
			result, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

// Run executes a tool call and always returns a transcript-ready string.
// The bool reports whether the tool failed.
func (r *Registry) Run(ctx context.Context, call types.ToolCall) (string, bool) {
	res, _ := r.Execute(ctx, call.Name, call.Input)
	if !res.IsSuccess() {
		logging.Tools("Tool %s failed: %v", call.Name, res.Error)
		return FormatError(call.Name, res.Error), true
	}
	return res.Result, false
}

// FormatError renders a tool failure as a result string.
func FormatError(name string, err error) string {
	return fmt.Sprintf("Tool error (%s): %s", name, err.Error())
}

func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}

// Truncate bounds s to max characters, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + fmt.Sprintf("\n...[truncated %d characters]", len(runes)-max)
}
