// Package supervisor runs platform adapters as child processes.
//
// Each configured adapter moves through STOPPED, STARTING, RUNNING and,
// on an unexpected exit, CRASHED. From CRASHED the restart policy decides:
//
//   - never: back to STOPPED.
//   - on_failure: restart only after a non-zero exit.
//   - always: restart unconditionally.
//
// Restarts wait restart_delay (fixed or exponential up to
// max_restart_delay). More than max_restarts restarts without a run
// lasting reset_window moves the adapter to FAILED, where it stays until
// started by hand. DISABLED adapters are never started.
//
// Manual start, stop, restart, enable and disable act independently of the
// policy. Stops send SIGTERM to the process group and SIGKILL after
// stop_timeout.
package supervisor
