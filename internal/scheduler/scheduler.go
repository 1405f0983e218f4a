// Package scheduler fires persisted cron tasks. Due tasks are handed to an
// invocation callback with their prompt prefixed by Marker; in the running
// agent that callback feeds the coordinator's single-flight queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"

	"github.com/robfig/cron/v3"
)

// Marker prefixes every scheduled prompt.
const Marker = "[SCHEDULED TASK] "

// DefaultInterval is the tick interval when none is configured.
const DefaultInterval = 60 * time.Second

// TaskStore is the persisted task list.
type TaskStore interface {
	ListEnabledTasks() ([]types.Task, error)
	UpdateTaskLastRun(id string, at time.Time) error
}

// InvokeFunc receives a due task's group and marked prompt.
type InvokeFunc func(group types.GroupID, prompt string)

// ParseSchedule parses a standard 5-field cron expression or a descriptor
// such as @daily or @every 15m.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// IsDue reports whether task should fire at now: the first fire time after
// its last run (or creation, if it never ran) is not after now.
func IsDue(task types.Task, now time.Time) (bool, error) {
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return false, err
	}
	base := task.CreatedAt
	if task.LastRun != nil {
		base = *task.LastRun
	}
	return !sched.Next(base).After(now), nil
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Scheduler polls the task store on a fixed interval.
type Scheduler struct {
	store    TaskStore
	invoke   InvokeFunc
	interval time.Duration
	now      func() time.Time

	mu sync.Mutex // serializes ticks
}

// New creates a scheduler.
func New(store TaskStore, invoke InvokeFunc, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{store: store, invoke: invoke, interval: opts.Interval, now: opts.Now}
}

// Run ticks until ctx is done. It always returns nil after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Scheduler("Scheduler started (interval %v)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Scheduler("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick fires every enabled task that is due at now and returns how many fired.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.ListEnabledTasks()
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to list tasks: %v", err)
		return 0
	}

	fired := 0
	for _, task := range tasks {
		due, err := IsDue(task, now)
		if err != nil {
			logging.Get(logging.CategoryScheduler).Warn("Skipping task %s: %v", task.ID, err)
			continue
		}
		if !due {
			continue
		}

		// Record the run first so a failing callback cannot refire every tick.
		if err := s.store.UpdateTaskLastRun(task.ID, now); err != nil {
			logging.Get(logging.CategoryScheduler).Error("Failed to update last run for %s: %v", task.ID, err)
			continue
		}
		logging.Scheduler("Firing task %s for %s", task.ID, task.GroupID)
		s.invoke(task.GroupID, Marker+task.Prompt)
		fired++
	}

	logging.SchedulerDebug("Tick at %s: %d/%d tasks fired", now.Format(time.RFC3339), fired, len(tasks))
	return fired
}
