// ABOUTME: schedule_reminder tool adds a one-shot message task to the scheduler
// ABOUTME: The reminder is delivered back to the channel it was requested from

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/scheduler"
	"github.com/2389/clara-gateway/internal/tools"
)

// ReminderPrefix starts the task name of every reminder.
const ReminderPrefix = "reminder:"

func reminderTool(s TaskAdder, action scheduler.MessageActionFunc, now func() time.Time) tools.BuiltinTool {
	r := &reminderHandler{scheduler: s, action: action, now: now}
	return tools.BuiltinTool{
		Definition: tools.Definition{
			Name:        "schedule_reminder",
			Description: "Remind the user later in this channel. Give either delay_minutes or an RFC3339 'at' time.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","minLength":1},"delay_minutes":{"type":"number","exclusiveMinimum":0},"at":{"type":"string"}},"required":["message"]}`),
		},
		Handler: r.Schedule,
	}
}

type reminderHandler struct {
	scheduler TaskAdder
	action    scheduler.MessageActionFunc
	now       func() time.Time
}

type reminderInput struct {
	Message      string  `json:"message"`
	DelayMinutes float64 `json:"delay_minutes"`
	At           string  `json:"at"`
}

func (r *reminderHandler) Schedule(_ context.Context, ictx tools.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	var in reminderInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if ictx.Platform == "" || ictx.ChannelID == "" {
		return nil, fmt.Errorf("reminders need a platform channel to deliver to")
	}

	var runAt time.Time
	switch {
	case in.At != "":
		t, err := time.Parse(time.RFC3339, in.At)
		if err != nil {
			return nil, fmt.Errorf("invalid at time: %w", err)
		}
		runAt = t
	case in.DelayMinutes > 0:
		runAt = r.now().Add(time.Duration(in.DelayMinutes * float64(time.Minute)))
	default:
		return nil, fmt.Errorf("either delay_minutes or at is required")
	}

	name := ReminderPrefix + uuid.New().String()[:8]
	msg := config.MessageAction{
		Platform:  ictx.Platform,
		UserID:    ictx.UserID,
		ChannelID: ictx.ChannelID,
		Content:   "Reminder: " + in.Message,
	}
	task := scheduler.Task{
		Name:        name,
		Kind:        scheduler.KindOneShot,
		RunAt:       runAt,
		Action:      r.action(name, msg),
		Enabled:     true,
		Ephemeral:   true,
		Description: in.Message,
	}
	if err := r.scheduler.Add(task); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{
		"reminder_id": name,
		"run_at":      runAt.Format(time.RFC3339),
		"status":      "scheduled",
	})
}
