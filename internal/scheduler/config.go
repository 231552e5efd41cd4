// ABOUTME: Builds scheduled tasks from configuration entries
// ABOUTME: Command tasks run a shell action; message tasks use a caller-supplied action

package scheduler

import (
	"fmt"
	"time"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
)

// MessageActionFunc builds the action for a task that synthesizes a message.
type MessageActionFunc func(task string, msg config.MessageAction) hooks.Action

// TasksFromConfig converts configured tasks. Durations are expected to be
// parsed already by config.Load. Tasks with a message action need
// messageAction to be non-nil.
func TasksFromConfig(cfgs []config.TaskConfig, messageAction MessageActionFunc) ([]Task, error) {
	tasks := make([]Task, 0, len(cfgs))
	for _, c := range cfgs {
		t := Task{
			Name:         c.Name,
			Kind:         Kind(c.Type),
			Interval:     c.Interval,
			InitialDelay: c.InitialDelay,
			Cron:         c.Cron,
			Delay:        c.Delay,
			Timeout:      c.Timeout,
			Enabled:      c.IsEnabled(),
			Description:  c.Description,
		}
		if c.RunAt != "" {
			at, err := time.Parse(time.RFC3339, c.RunAt)
			if err != nil {
				return nil, fmt.Errorf("task %s: run_at: %w", c.Name, err)
			}
			t.RunAt = at
		}

		switch {
		case c.Message != nil:
			if messageAction == nil {
				return nil, fmt.Errorf("task %s: message tasks are not supported here", c.Name)
			}
			t.Action = messageAction(c.Name, *c.Message)
		default:
			t.Action = hooks.CommandAction{Command: c.Command, WorkingDir: c.WorkingDir}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
