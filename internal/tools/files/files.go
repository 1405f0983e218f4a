// Package files provides the workspace-confined file tools and the memory
// tool. Every path is resolved against the calling group's directory.
package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"nanoagent/internal/logging"
	"nanoagent/internal/tools"
	"nanoagent/internal/types"
)

// maxReadBytes bounds read_file before result truncation applies.
const maxReadBytes = 1 << 20

// Workspace is the subset of the workspace the file tools need.
type Workspace interface {
	Ensure(group types.GroupID) (string, error)
	Resolve(group types.GroupID, path string) (string, error)
	SaveMemory(group types.GroupID, content string) error
}

func resolve(ctx context.Context, ws Workspace, p string) (string, error) {
	group, err := tools.GroupFrom(ctx)
	if err != nil {
		return "", err
	}
	if _, err := ws.Ensure(group); err != nil {
		return "", err
	}
	return ws.Resolve(group, p)
}

// ReadFileTool returns a tool for reading file contents.
func ReadFileTool(ws Workspace) *tools.Tool {
	return &tools.Tool{
		Name:        tools.ReadFile,
		Description: "Read a file from the workspace",
		Category:    tools.CategoryFiles,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := tools.StringArg(args, "path")
			if err != nil {
				return "", err
			}
			full, err := resolve(ctx, ws, p)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(full)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			if info.IsDir() {
				return "", fmt.Errorf("%s is a directory", p)
			}
			f, err := os.Open(full)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			defer f.Close()

			data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			content := string(data)
			if info.Size() > maxReadBytes {
				content += fmt.Sprintf("\n...[file is %d bytes, showing first %d]", info.Size(), maxReadBytes)
			}
			logging.ToolsDebug("read_file: %s (%d bytes)", full, len(data))
			return content, nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "Path relative to the workspace"},
			},
		},
	}
}

// WriteFileTool returns a tool for writing a file, creating parent directories.
func WriteFileTool(ws Workspace) *tools.Tool {
	return &tools.Tool{
		Name:        tools.WriteFile,
		Description: "Write content to a file in the workspace, creating it if it doesn't exist",
		Category:    tools.CategoryFiles,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := tools.StringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("%w: content must be a string", tools.ErrInvalidArgType)
			}
			full, err := resolve(ctx, ws, p)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return "", fmt.Errorf("failed to create directories: %w", err)
			}
			if err := os.WriteFile(full, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			logging.Tools("write_file: %s (%d bytes)", full, len(content))
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), p), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path":    {Type: "string", Description: "Path relative to the workspace"},
				"content": {Type: "string", Description: "The content to write"},
			},
		},
	}
}

// ListFilesTool returns a tool listing a workspace directory.
func ListFilesTool(ws Workspace) *tools.Tool {
	return &tools.Tool{
		Name:        tools.ListFiles,
		Description: "List files in a workspace directory",
		Category:    tools.CategoryFiles,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			p := tools.OptionalString(args, "path", ".")
			full, err := resolve(ctx, ws, p)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(full)
			if err != nil {
				return "", fmt.Errorf("failed to list directory: %w", err)
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				} else if info, err := e.Info(); err == nil {
					name = fmt.Sprintf("%s (%d bytes)", name, info.Size())
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "Directory relative to the workspace (default: .)"},
			},
		},
	}
}

// UpdateMemoryTool returns a tool replacing the group's MEMORY.md.
func UpdateMemoryTool(ws Workspace) *tools.Tool {
	return &tools.Tool{
		Name:        tools.UpdateMemory,
		Description: "Replace this conversation's persistent memory (MEMORY.md). It is included in every future system prompt, so write the full document",
		Category:    tools.CategoryAgent,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("%w: content must be a string", tools.ErrInvalidArgType)
			}
			group, err := tools.GroupFrom(ctx)
			if err != nil {
				return "", err
			}
			if err := ws.SaveMemory(group, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Memory updated (%d bytes)", len(content)), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"content"},
			Properties: map[string]tools.Property{
				"content": {Type: "string", Description: "The full new memory document in markdown"},
			},
		},
	}
}
