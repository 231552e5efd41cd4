// Package scheduler runs timed tasks independent of inbound messages.
//
// A task is one of three kinds:
//
//   - interval: every Interval, first after InitialDelay
//   - cron: a 5-field expression evaluated with adhocore/gronx
//   - one_shot: once at RunAt, or Delay after it was added
//
// One goroutine owns a single timer armed for the earliest due task. Due
// tasks are rescheduled at fire time whether or not their action succeeds,
// and a task still running from its previous fire is skipped rather than
// overlapped. One-shots are removed once fired; a one-shot whose time passed
// while the gateway was down is skipped, never fired late.
//
// Actions run through hooks.Run, the same bounded primitive the hook bus
// uses, and publish scheduler:task_run and scheduler:task_error events.
package scheduler
