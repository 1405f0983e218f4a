// Package schedule provides the create_task tool.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/scheduler"
	"nanoagent/internal/tools"
	"nanoagent/internal/types"

	"github.com/google/uuid"
)

// CreateTaskTool returns the create_task tool. now is injectable for tests.
func CreateTaskTool(now func() time.Time) *tools.Tool {
	if now == nil {
		now = time.Now
	}
	return &tools.Tool{
		Name: tools.CreateTask,
		Description: "Schedule a prompt to run for this conversation on a cron schedule " +
			"(5-field cron like \"0 9 * * 1-5\", or descriptors like @daily, @hourly, @every 30m)",
		Category: tools.CategoryAgent,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			schedule, err := tools.StringArg(args, "schedule")
			if err != nil {
				return "", err
			}
			prompt, err := tools.StringArg(args, "prompt")
			if err != nil {
				return "", err
			}
			inv, ok := tools.InvocationFrom(ctx)
			if !ok || inv.Group == "" {
				return "", tools.ErrNoInvocation
			}

			schedule = strings.TrimSpace(schedule)
			sched, err := scheduler.ParseSchedule(schedule)
			if err != nil {
				return "", err
			}

			created := now()
			task := types.Task{
				ID:        uuid.NewString(),
				GroupID:   inv.Group,
				Schedule:  schedule,
				Prompt:    prompt,
				Enabled:   true,
				CreatedAt: created,
			}
			if inv.OnTaskCreated != nil {
				inv.OnTaskCreated(task)
			}

			next := sched.Next(created)
			logging.Tools("create_task: %s for %s (%s)", task.ID, task.GroupID, schedule)
			return fmt.Sprintf("Task %s created with schedule %q. Next run: %s", task.ID, schedule, next.Format(time.RFC3339)), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"schedule", "prompt"},
			Properties: map[string]tools.Property{
				"schedule": {Type: "string", Description: "Cron expression or descriptor"},
				"prompt":   {Type: "string", Description: "The prompt to run each time the task fires"},
			},
		},
	}
}
