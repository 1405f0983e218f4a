// Package shell provides the bash tool: a command run with a bounded timeout
// inside the group's workspace directory.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/tools"
	"nanoagent/internal/types"
)

// MaxTimeout caps the timeout the model may request.
const MaxTimeout = 120 * time.Second

// Workspace resolves a group's working directory.
type Workspace interface {
	Ensure(group types.GroupID) (string, error)
}

// Options configures the bash tool.
type Options struct {
	// DefaultTimeout applies when the call gives none.
	DefaultTimeout time.Duration
	// Workspace provides the working directory. Nil runs in the process cwd.
	Workspace Workspace
	// Shell is the interpreter, "sh" when empty.
	Shell string
}

// BashTool returns the bash tool.
func BashTool(opts Options) *tools.Tool {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	return &tools.Tool{
		Name:        tools.Bash,
		Description: "Run a shell command in the conversation's workspace and return stdout, stderr and the exit code",
		Category:    tools.CategorySystem,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return execute(ctx, opts, args)
		},
		Schema: tools.ToolSchema{
			Required: []string{"command"},
			Properties: map[string]tools.Property{
				"command": {
					Type:        "string",
					Description: "The command to execute",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: fmt.Sprintf("Timeout in seconds (default: %d, max: %d)", int(opts.DefaultTimeout.Seconds()), int(MaxTimeout.Seconds())),
				},
			},
		},
	}
}

func execute(ctx context.Context, opts Options, args map[string]any) (string, error) {
	command, err := tools.StringArg(args, "command")
	if err != nil {
		return "", err
	}

	timeout := opts.DefaultTimeout
	if secs := tools.OptionalInt(args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	dir := ""
	if opts.Workspace != nil {
		if group, gerr := tools.GroupFrom(ctx); gerr == nil {
			if dir, err = opts.Workspace.Ensure(group); err != nil {
				return "", err
			}
		}
	}

	logging.ToolsDebug("bash: cmd=%q dir=%s timeout=%v", command, dir, timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, opts.Shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logging.Tools("bash timed out after %v", timeout)
		return formatOutput(stdout.String(), stderr.String(), -1) + fmt.Sprintf("\ncommand timed out after %v", timeout), nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("command failed to start: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	logging.Tools("bash completed: exit=%d stdout=%dB stderr=%dB", exitCode, stdout.Len(), stderr.Len())
	return formatOutput(stdout.String(), stderr.String(), exitCode), nil
}

func formatOutput(stdout, stderr string, exitCode int) string {
	var sb strings.Builder
	sb.WriteString("stdout:\n")
	sb.WriteString(strings.TrimRight(stdout, "\n"))
	sb.WriteString("\nstderr:\n")
	sb.WriteString(strings.TrimRight(stderr, "\n"))
	fmt.Fprintf(&sb, "\nexit code: %d", exitCode)
	return sb.String()
}
