// Package toolset assembles the fixed tool catalogue into a registry.
package toolset

import (
	"fmt"
	"net/http"
	"time"

	"nanoagent/internal/tools"
	"nanoagent/internal/tools/calc"
	"nanoagent/internal/tools/files"
	"nanoagent/internal/tools/schedule"
	"nanoagent/internal/tools/shell"
	"nanoagent/internal/tools/web"
)

// Workspace is what the file and shell tools need from the group workspace.
type Workspace interface {
	files.Workspace
}

// Deps carries everything the catalogue depends on.
type Deps struct {
	Workspace     Workspace
	BashTimeout   time.Duration
	HTTPClient    *http.Client
	FetchMaxChars int
	// Now is the clock for create_task; time.Now when nil.
	Now func() time.Time
}

// Build registers one tool per catalogue name.
func Build(deps Deps) (*tools.Registry, error) {
	if deps.Workspace == nil {
		return nil, fmt.Errorf("toolset: workspace is required")
	}
	reg := tools.NewRegistry()
	for _, name := range tools.AllNames() {
		tool, err := construct(name, deps)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func construct(name tools.Name, deps Deps) (*tools.Tool, error) {
	switch name {
	case tools.Bash:
		return shell.BashTool(shell.Options{DefaultTimeout: deps.BashTimeout, Workspace: deps.Workspace}), nil
	case tools.ReadFile:
		return files.ReadFileTool(deps.Workspace), nil
	case tools.WriteFile:
		return files.WriteFileTool(deps.Workspace), nil
	case tools.ListFiles:
		return files.ListFilesTool(deps.Workspace), nil
	case tools.FetchURL:
		return web.FetchURLTool(web.Options{Client: deps.HTTPClient, MaxChars: deps.FetchMaxChars}), nil
	case tools.UpdateMemory:
		return files.UpdateMemoryTool(deps.Workspace), nil
	case tools.CreateTask:
		return schedule.CreateTaskTool(deps.Now), nil
	case tools.Evaluate:
		return calc.EvaluateTool(), nil
	default:
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}
}
