// ABOUTME: Supervises adapter subprocesses with per-adapter restart policies
// ABOUTME: Tracks a rolling restart budget and exposes status and manual lifecycle actions

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
)

var (
	// ErrUnknownAdapter indicates no adapter with the given name is configured.
	ErrUnknownAdapter = errors.New("unknown adapter")
	// ErrDisabled indicates the adapter is disabled and must be enabled first.
	ErrDisabled = errors.New("adapter disabled")
	// ErrClosed indicates the supervisor is shutting down.
	ErrClosed = errors.New("supervisor closed")
)

// Options configures a Supervisor.
type Options struct {
	Logger *slog.Logger
	// PIDDir holds <name>.pid files for running adapters. Empty disables them.
	PIDDir string
	// Publisher receives adapter:crashed events.
	Publisher hooks.Publisher
	// OnStateChange is called on every transition while the supervisor's
	// lock is held; it must not call back into the Supervisor.
	OnStateChange func(name string, from, to State)
	// Lookup resolves ${VAR} references in adapter env. Defaults to os.Getenv.
	Lookup func(string) string
}

// adapter is the runtime record for one configured adapter process.
type adapter struct {
	cfg     config.AdapterProcessConfig
	enabled bool
	state   State

	cmd       *exec.Cmd
	pid       int
	exited    chan struct{}
	stopping  bool
	startedAt time.Time

	lastExitCode *int
	lastError    string
	restarts     int // within the current reset window
	total        int
	backoff      backoff.BackOff
	timer        *time.Timer
	gen          int
}

// Supervisor owns the adapter process table.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]*adapter
	order    []string
	started  bool
	closed   bool
}

// New creates a Supervisor for the given adapter configs. Nothing is
// spawned until Start.
func New(configs []config.AdapterProcessConfig, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = hooks.NopPublisher{}
	}
	s := &Supervisor{
		opts:     opts,
		logger:   opts.Logger.With("component", "supervisor"),
		adapters: make(map[string]*adapter, len(configs)),
	}
	for _, c := range configs {
		a := &adapter{
			cfg:     c,
			enabled: c.IsEnabled(),
			state:   StateStopped,
			backoff: newBackOff(c),
		}
		if !a.enabled {
			a.state = StateDisabled
		}
		s.adapters[c.Name] = a
		s.order = append(s.order, c.Name)
	}
	return s
}

// Start launches every enabled adapter. Later crashes are handled by the
// restart policy until ctx is cancelled or StopAll is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	var errs error
	for _, name := range s.order {
		a := s.adapters[name]
		if !a.enabled {
			continue
		}
		if err := s.spawn(a); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor started", "adapters", len(s.order))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		for _, a := range s.adapters {
			s.cancelRestart(a)
		}
		s.mu.Unlock()
	}()
	return errs
}

func (s *Supervisor) get(name string) (*adapter, error) {
	a, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return a, nil
}

// setState records a transition and notifies the observer. Caller holds s.mu.
func (s *Supervisor) setState(a *adapter, to State) {
	from := a.state
	if from == to {
		return
	}
	a.state = to
	s.logger.Debug("adapter state", "adapter", a.cfg.Name, "from", from, "to", to)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(a.cfg.Name, from, to)
	}
}

// cancelRestart drops any scheduled restart. Caller holds s.mu.
func (s *Supervisor) cancelRestart(a *adapter) {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// StartAdapter starts an adapter by hand. A FAILED adapter's restart
// budget is cleared.
func (s *Supervisor) StartAdapter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	a, err := s.get(name)
	if err != nil {
		return err
	}
	if !a.enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	if a.state.Active() {
		return nil
	}
	s.cancelRestart(a)
	a.restarts = 0
	a.backoff.Reset()
	return s.spawn(a)
}

// StopAdapter stops an adapter by hand. The policy does not restart it.
// It blocks until the process exits.
func (s *Supervisor) StopAdapter(name string) error {
	return s.stop(context.Background(), name)
}

func (s *Supervisor) stop(ctx context.Context, name string) error {
	s.mu.Lock()
	a, err := s.get(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancelRestart(a)

	if a.cmd == nil {
		if a.enabled {
			s.setState(a, StateStopped)
		}
		s.mu.Unlock()
		return nil
	}

	a.stopping = true
	s.setState(a, StateStopping)
	pid, exited, timeout := a.pid, a.exited, a.cfg.StopTimeout
	s.mu.Unlock()

	s.logger.Info("stopping adapter", "adapter", name, "pid", pid)
	return terminate(ctx, pid, exited, timeout)
}

// RestartAdapter stops then starts an adapter.
func (s *Supervisor) RestartAdapter(name string) error {
	if err := s.StopAdapter(name); err != nil {
		return err
	}
	return s.StartAdapter(name)
}

// Enable allows an adapter to run and starts it if the supervisor is running.
func (s *Supervisor) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.get(name)
	if err != nil {
		return err
	}
	if a.enabled {
		return nil
	}
	a.enabled = true
	s.setState(a, StateStopped)
	s.logger.Info("adapter enabled", "adapter", name)

	if !s.started || s.closed {
		return nil
	}
	a.restarts = 0
	a.backoff.Reset()
	return s.spawn(a)
}

// Disable stops an adapter and keeps it from being started until enabled.
func (s *Supervisor) Disable(name string) error {
	s.mu.Lock()
	a, err := s.get(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	a.enabled = false
	s.mu.Unlock()

	if err := s.StopAdapter(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !a.enabled && a.cmd == nil {
		s.setState(a, StateDisabled)
	}
	s.logger.Info("adapter disabled", "adapter", name)
	return nil
}

// StopAll stops every adapter in parallel and prevents further restarts.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.stop(ctx, name); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("stopping %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

// Status is a point-in-time view of one adapter.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Enabled       bool      `json:"enabled"`
	PID           int       `json:"pid,omitempty"`
	RestartPolicy string    `json:"restart_policy"`
	RestartCount  int       `json:"restart_count"`
	TotalRestarts int       `json:"total_restarts"`
	MaxRestarts   int       `json:"max_restarts"`
	LastExitCode  *int      `json:"last_exit_code,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

func (a *adapter) status() Status {
	st := Status{
		Name:          a.cfg.Name,
		State:         a.state,
		Enabled:       a.enabled,
		PID:           a.pid,
		RestartPolicy: a.cfg.RestartPolicy,
		RestartCount:  a.restarts,
		TotalRestarts: a.total,
		MaxRestarts:   a.cfg.MaxRestarts,
		LastExitCode:  a.lastExitCode,
		LastError:     a.lastError,
	}
	if a.cmd != nil {
		st.StartedAt = a.startedAt
		st.UptimeSeconds = time.Since(a.startedAt).Seconds()
		// A run longer than the reset window has already earned a fresh
		// budget; crashed applies the same rule when the process exits.
		if a.state == StateRunning && time.Since(a.startedAt) >= a.cfg.ResetWindow {
			st.RestartCount = 0
		}
	}
	return st
}

// Status returns the status of one adapter.
func (s *Supervisor) Status(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(name)
	if err != nil {
		return Status{}, err
	}
	return a.status(), nil
}

// StatusAll returns every adapter's status in configuration order.
func (s *Supervisor) StatusAll() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.adapters[name].status())
	}
	return out
}

// Names returns the configured adapter names.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
