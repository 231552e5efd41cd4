// ABOUTME: Spawns adapter processes, relays their output, and applies the restart policy on exit
// ABOUTME: Processes run in their own group so stop signals reach any children

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
)

const killGrace = 5 * time.Second

// spawn starts a's process. Caller holds s.mu.
func (s *Supervisor) spawn(a *adapter) error {
	name := a.cfg.Name
	s.setState(a, StateStarting)

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = s.environ(a.cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.startFailed(a, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.startFailed(a, err)
	}
	if err := cmd.Start(); err != nil {
		return s.startFailed(a, err)
	}

	a.cmd = cmd
	a.pid = cmd.Process.Pid
	a.exited = make(chan struct{})
	a.stopping = false
	a.startedAt = time.Now()
	a.lastError = ""
	s.writePID(a)
	s.setState(a, StateRunning)

	s.logger.Info("=== ADAPTER STARTED ===",
		"adapter", name,
		"pid", a.pid,
		"command", a.cfg.Command,
		"restarts", a.restarts,
	)

	var relays sync.WaitGroup
	relays.Add(2)
	go s.relay(&relays, name, "stdout", stdout)
	go s.relay(&relays, name, "stderr", stderr)
	go s.wait(a, cmd, &relays)
	return nil
}

// startFailed treats a failed spawn as a crash. Caller holds s.mu.
func (s *Supervisor) startFailed(a *adapter, err error) error {
	a.lastError = err.Error()
	s.logger.Error("failed to start adapter", "adapter", a.cfg.Name, "error", err)
	s.crashed(a, -1, 0)
	return fmt.Errorf("starting %s: %w", a.cfg.Name, err)
}

func (s *Supervisor) environ(env map[string]string) []string {
	lookup := s.opts.Lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	out := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+config.ExpandVars(env[k], lookup))
	}
	return out
}

// relay re-logs each output line of an adapter process.
func (s *Supervisor) relay(wg *sync.WaitGroup, name, stream string, r io.Reader) {
	defer wg.Done()
	level := s.logger.Info
	if stream == "stderr" {
		level = s.logger.Warn
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		level("adapter output", "adapter", name, "stream", stream, "line", sc.Text())
	}
}

// wait reaps the process and hands its exit to the policy.
func (s *Supervisor) wait(a *adapter, cmd *exec.Cmd, relays *sync.WaitGroup) {
	relays.Wait()
	err := cmd.Wait()
	code := exitCode(cmd, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.cmd != cmd {
		return
	}
	ranFor := time.Since(a.startedAt)
	a.cmd = nil
	a.pid = 0
	a.lastExitCode = &code
	s.removePID(a)
	close(a.exited)

	if a.stopping {
		a.stopping = false
		if a.enabled {
			s.setState(a, StateStopped)
		} else {
			s.setState(a, StateDisabled)
		}
		s.logger.Info("=== ADAPTER STOPPED ===", "adapter", a.cfg.Name, "exit_code", code)
		return
	}

	if err != nil {
		a.lastError = err.Error()
	}
	s.crashed(a, code, ranFor)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// crashed applies the restart policy after an unexpected exit. Caller
// holds s.mu.
func (s *Supervisor) crashed(a *adapter, code int, ranFor time.Duration) {
	name := a.cfg.Name
	s.setState(a, StateCrashed)

	if ranFor >= a.cfg.ResetWindow {
		a.restarts = 0
		a.backoff.Reset()
	}

	restart := !s.closed && a.enabled && shouldRestart(a.cfg.RestartPolicy, code)
	exhausted := restart && a.restarts >= a.cfg.MaxRestarts

	s.logger.Warn("=== ADAPTER CRASHED ===",
		"adapter", name,
		"exit_code", code,
		"ran_for", ranFor.Round(time.Millisecond),
		"policy", a.cfg.RestartPolicy,
		"restarts", a.restarts,
		"will_restart", restart && !exhausted,
	)
	s.opts.Publisher.Publish(hooks.NewEvent(hooks.EventAdapterCrashed, map[string]any{
		"adapter":       name,
		"exit_code":     code,
		"restart_count": a.restarts,
		"will_restart":  restart && !exhausted,
	}))

	if !restart {
		s.setState(a, StateStopped)
		return
	}
	if exhausted {
		a.lastError = fmt.Sprintf("exceeded %d restarts within %s", a.cfg.MaxRestarts, a.cfg.ResetWindow)
		s.logger.Error("adapter failed, manual start required",
			"adapter", name,
			"max_restarts", a.cfg.MaxRestarts,
			"reset_window", a.cfg.ResetWindow,
		)
		s.setState(a, StateFailed)
		return
	}

	a.restarts++
	a.total++
	delay := nextDelay(a.backoff, a.cfg)
	gen := a.gen
	s.logger.Info("scheduling adapter restart",
		"adapter", name,
		"delay", delay,
		"restart", a.restarts,
		"max_restarts", a.cfg.MaxRestarts,
	)
	a.timer = time.AfterFunc(delay, func() { s.restart(a, gen) })
}

func (s *Supervisor) restart(a *adapter, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != a.gen || s.closed || !a.enabled || a.state != StateCrashed {
		return
	}
	a.timer = nil
	_ = s.spawn(a)
}

// terminate sends SIGTERM to the process group, then SIGKILL after
// timeout or when ctx ends.
func terminate(ctx context.Context, pid int, exited <-chan struct{}, timeout time.Duration) error {
	signalGroup(pid, syscall.SIGTERM)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	signalGroup(pid, syscall.SIGKILL)
	select {
	case <-exited:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func (s *Supervisor) pidPath(name string) string {
	return filepath.Join(s.opts.PIDDir, name+".pid")
}

func (s *Supervisor) writePID(a *adapter) {
	if s.opts.PIDDir == "" {
		return
	}
	if err := os.MkdirAll(s.opts.PIDDir, 0o755); err != nil {
		s.logger.Warn("cannot create pid dir", "dir", s.opts.PIDDir, "error", err)
		return
	}
	path := s.pidPath(a.cfg.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(a.pid)+"\n"), 0o644); err != nil {
		s.logger.Warn("cannot write pid file", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("cannot write pid file", "path", path, "error", err)
	}
}

func (s *Supervisor) removePID(a *adapter) {
	if s.opts.PIDDir == "" {
		return
	}
	if err := os.Remove(s.pidPath(a.cfg.Name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cannot remove pid file", "adapter", a.cfg.Name, "error", err)
	}
}
