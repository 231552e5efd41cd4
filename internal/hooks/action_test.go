// ABOUTME: Tests for bounded action execution and shell command hooks
// ABOUTME: Verifies CLARA_* environment, ${VAR} expansion, exit codes, and timeouts

package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnv(t *testing.T) {
	ev := Event{
		Type:      EventMessageReceived,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Platform:  "discord",
		UserID:    "u1",
		ChannelID: "c1",
		Data:      map[string]any{"content": "hello", "nested": map[string]any{"x": 1}},
	}

	env := EventEnv(ev)
	assert.Equal(t, EventMessageReceived, env["CLARA_EVENT_TYPE"])
	assert.Equal(t, "2025-01-02T03:04:05Z", env["CLARA_TIMESTAMP"])
	assert.Equal(t, "discord", env["CLARA_PLATFORM"])
	assert.Equal(t, "hello", env["CLARA_CONTENT"])
	assert.NotContains(t, env, "CLARA_NODE_ID")
	assert.NotContains(t, env, "CLARA_NESTED")
	assert.JSONEq(t, `{"content":"hello","nested":{"x":1}}`, env["CLARA_EVENT_DATA"])
}

func TestCommandAction_ExpandsVariables(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	action := CommandAction{Command: "echo ${CLARA_USER_ID} $CLARA_PLATFORM > " + out}

	res := Run(context.Background(), "write", action, Event{Type: EventSessionStart, UserID: "alice", Platform: "cli"}, time.Second*5)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "alice cli\n", string(data))
}

func TestCommandAction_NonZeroExit(t *testing.T) {
	res := Run(context.Background(), "fail", CommandAction{Command: "echo oops; exit 3"}, NewEvent(EventCustom, nil), 5*time.Second)
	assert.False(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "exit code 3", res.Error)
	assert.Equal(t, "oops", res.Output)
}

func TestCommandAction_Timeout(t *testing.T) {
	start := time.Now()
	res := Run(context.Background(), "sleep", CommandAction{Command: "sleep 5"}, NewEvent(EventCustom, nil), 100*time.Millisecond)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandAction_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	res := Run(context.Background(), "pwd", CommandAction{Command: "pwd", WorkingDir: dir}, NewEvent(EventCustom, nil), 5*time.Second)
	require.True(t, res.Success, res.Error)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.Output)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRun_DefaultTimeoutApplied(t *testing.T) {
	var deadline time.Time
	action := CallbackAction(func(ctx context.Context, _ Event) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	res := Run(context.Background(), "cb", action, NewEvent(EventCustom, nil), 0)
	require.True(t, res.Success)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, 5*time.Second)
}
