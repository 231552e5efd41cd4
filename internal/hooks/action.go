// ABOUTME: Bounded action execution shared by the hook bus and the scheduler
// ABOUTME: Shell command actions receive CLARA_* env; callbacks run in-process

package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/2389/clara-gateway/internal/config"
)

// DefaultTimeout bounds an action when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxOutput caps captured command output.
const maxOutput = 4096

// Action is something a hook or scheduled task does when it fires.
type Action interface {
	Run(ctx context.Context, ev Event) (output string, err error)
}

// CallbackAction runs an in-process function.
type CallbackAction func(ctx context.Context, ev Event) error

// Run implements Action.
func (f CallbackAction) Run(ctx context.Context, ev Event) (string, error) {
	return "", f(ctx, ev)
}

// CommandAction runs a shell command with the event exposed as environment variables.
type CommandAction struct {
	Command    string
	WorkingDir string
	Env        map[string]string
}

// Run implements Action. ${VAR} references in the command are resolved from
// the event environment first and the process environment second.
func (a CommandAction) Run(ctx context.Context, ev Event) (string, error) {
	eventEnv := EventEnv(ev)
	for k, v := range a.Env {
		eventEnv[k] = v
	}

	cmdline := config.ExpandVars(a.Command, func(name string) string {
		if v, ok := eventEnv[name]; ok {
			return v
		}
		return os.Getenv(name)
	})

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = a.WorkingDir
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(eventEnv) {
		cmd.Env = append(cmd.Env, k+"="+eventEnv[k])
	}
	// Don't let orphaned grandchildren holding the pipes block Wait forever.
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if len(output) > maxOutput {
		output = output[:maxOutput] + "... (truncated)"
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return output, fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return output, err
	}
	return output, nil
}

// EventEnv builds the CLARA_* environment for an event.
func EventEnv(ev Event) map[string]string {
	env := map[string]string{
		"CLARA_EVENT_TYPE": ev.Type,
		"CLARA_TIMESTAMP":  ev.Timestamp.UTC().Format(time.RFC3339),
	}
	set := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	set("CLARA_NODE_ID", ev.NodeID)
	set("CLARA_PLATFORM", ev.Platform)
	set("CLARA_USER_ID", ev.UserID)
	set("CLARA_CHANNEL_ID", ev.ChannelID)
	set("CLARA_REQUEST_ID", ev.RequestID)

	if data := ev.DataJSON(); data != nil {
		env["CLARA_EVENT_DATA"] = string(data)
	}
	for k, v := range ev.Data {
		switch val := v.(type) {
		case string, bool, int, int64, float64:
			env["CLARA_"+strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return env
}

// Result records one bounded action execution.
type Result struct {
	Name      string        `json:"name"`
	EventType string        `json:"event_type"`
	Success   bool          `json:"success"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Run executes action bounded by timeout. It returns when the action finishes
// or the timeout elapses, whichever is first; an action that ignores its
// context is abandoned, not awaited. Panics are converted into failures.
func Run(ctx context.Context, name string, action Action, ev Event, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := action.Run(ctx, ev)
		done <- outcome{output: out, err: err}
	}()

	res := Result{Name: name, EventType: ev.Type, StartedAt: start}
	select {
	case o := <-done:
		res.Output = o.output
		if o.err != nil {
			res.Error = o.err.Error()
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		} else {
			res.Success = true
		}
	case <-ctx.Done():
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if res.TimedOut {
			res.Error = fmt.Sprintf("timed out after %s", timeout)
		} else {
			res.Error = ctx.Err().Error()
		}
	}
	res.Duration = time.Since(start)
	return res
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
