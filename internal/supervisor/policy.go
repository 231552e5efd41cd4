// ABOUTME: Adapter process states, restart policies, and restart delay computation
// ABOUTME: Fixed and exponential delays come from cenkalti/backoff

package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/clara-gateway/internal/config"
)

// State is an adapter's lifecycle state.
type State string

// Adapter states.
const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateCrashed  State = "CRASHED"
	StateFailed   State = "FAILED"
	StateDisabled State = "DISABLED"
)

// Restart policies.
const (
	PolicyAlways    = "always"
	PolicyOnFailure = "on_failure"
	PolicyNever     = "never"
)

// Active reports whether a process exists or is being started.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// shouldRestart applies the restart policy to an unexpected exit.
func shouldRestart(policy string, exitCode int) bool {
	switch policy {
	case PolicyAlways:
		return true
	case PolicyOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// newBackOff returns the restart delay sequence for cfg.
func newBackOff(cfg config.AdapterProcessConfig) backoff.BackOff {
	if cfg.Backoff != "exponential" {
		return backoff.NewConstantBackOff(cfg.RestartDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RestartDelay
	b.MaxInterval = cfg.MaxRestartDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

// nextDelay returns the next restart delay, falling back to the configured
// ceiling if the sequence is exhausted.
func nextDelay(b backoff.BackOff, cfg config.AdapterProcessConfig) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return cfg.MaxRestartDelay
	}
	return d
}
