// ABOUTME: Single-timer scheduler for interval, cron, and one-shot tasks
// ABOUTME: Actions run through the hook bus's bounded execution primitive

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/clara-gateway/internal/hooks"
)

// Kind is how a task's fire times are computed.
type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindOneShot  Kind = "one_shot"
)

// DefaultTimeout bounds a task action when the task sets none.
const DefaultTimeout = 5 * time.Minute

// resultsLimit is how many task results are retained.
const resultsLimit = 50

// idleWake is the longest the loop sleeps when nothing is scheduled.
const idleWake = time.Minute

var (
	// ErrTaskNotFound indicates no task has the given name.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask indicates a task name is already scheduled.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrInvalidTask indicates a task definition cannot be scheduled.
	ErrInvalidTask = errors.New("invalid task")
	// ErrMissedOneShot indicates a one-shot task whose time has already passed.
	ErrMissedOneShot = errors.New("one-shot time already passed")
	// ErrTaskRunning indicates the task is already executing.
	ErrTaskRunning = errors.New("task already running")
	// ErrClosed indicates the scheduler has been closed.
	ErrClosed = errors.New("scheduler closed")
)

// Task is one scheduled action.
type Task struct {
	Name string
	Kind Kind

	// Interval tasks
	Interval     time.Duration
	InitialDelay time.Duration

	// Cron tasks, 5-field expression
	Cron string

	// One-shot tasks: RunAt when set, otherwise Delay after the task is added
	RunAt time.Time
	Delay time.Duration

	Action      hooks.Action
	Timeout     time.Duration
	Enabled     bool
	Description string

	// Ephemeral tasks are created at runtime and survive Replace.
	Ephemeral bool
}

// Schedule renders the task's timing for display.
func (t Task) Schedule() string {
	switch t.Kind {
	case KindInterval:
		return "every " + t.Interval.String()
	case KindCron:
		return t.Cron
	case KindOneShot:
		if !t.RunAt.IsZero() {
			return "at " + t.RunAt.Format(time.RFC3339)
		}
		return "after " + t.Delay.String()
	}
	return ""
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	Name        string     `json:"name"`
	Kind        Kind       `json:"kind"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	Ephemeral   bool       `json:"ephemeral,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	RunCount    int        `json:"run_count"`
	LastError   string     `json:"last_error,omitempty"`
}

// NextFire returns the first fire time of t strictly after after. The bool is
// false when the task will not fire again, such as a one-shot whose time has
// passed or an unparseable cron expression. A one-shot with only a Delay
// fires Delay after after.
func NextFire(t Task, after time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindInterval:
		if t.Interval <= 0 {
			return time.Time{}, false
		}
		return after.Add(t.Interval), true
	case KindCron:
		next, err := gronx.NextTickAfter(t.Cron, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindOneShot:
		if !t.RunAt.IsZero() {
			return t.RunAt, !t.RunAt.Before(after)
		}
		return after.Add(t.Delay), true
	}
	return time.Time{}, false
}

// Validate checks that a task can be scheduled.
func Validate(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if t.Action == nil {
		return fmt.Errorf("%w: %s has no action", ErrInvalidTask, t.Name)
	}
	switch t.Kind {
	case KindInterval:
		if t.Interval <= 0 {
			return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidTask, t.Name)
		}
	case KindCron:
		if !gronx.New().IsValid(t.Cron) {
			return fmt.Errorf("%w: %s: invalid cron expression %q", ErrInvalidTask, t.Name, t.Cron)
		}
	case KindOneShot:
		if t.RunAt.IsZero() && t.Delay <= 0 {
			return fmt.Errorf("%w: %s: one_shot needs run_at or delay", ErrInvalidTask, t.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidTask, t.Name, t.Kind)
	}
	return nil
}

type entry struct {
	task      Task
	next      time.Time
	lastRun   time.Time
	runCount  int
	lastError string
	running   bool
}

// Config configures a Scheduler.
type Config struct {
	Logger    *slog.Logger
	Publisher hooks.Publisher
	// OnResult, when set, observes every finished task run.
	OnResult func(hooks.Result)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler fires tasks from a single timer loop.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*entry
	results []hooks.Result
	started bool
	closed  bool

	wake      chan struct{}
	publisher hooks.Publisher
	onResult  func(hooks.Result)
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler with no tasks. Call Start to begin firing.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = hooks.NopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:     make(map[string]*entry),
		wake:      make(chan struct{}, 1),
		publisher: cfg.Publisher,
		onResult:  cfg.OnResult,
		now:       cfg.Now,
		logger:    cfg.Logger.With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Add schedules a task. A one-shot whose time has passed is not scheduled
// and ErrMissedOneShot is returned.
func (s *Scheduler) Add(t Task) error {
	if err := Validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	e := &entry{task: t}
	if err := s.arm(e, s.now()); err != nil {
		return err
	}
	s.tasks[t.Name] = e
	s.logger.Info("task scheduled", "task", t.Name, "kind", t.Kind, "schedule", t.Schedule(), "next_fire_at", e.next)
	s.nudge()
	return nil
}

// arm computes the first fire time for a newly added or re-enabled entry.
func (s *Scheduler) arm(e *entry, now time.Time) error {
	e.next = time.Time{}
	if !e.task.Enabled {
		return nil
	}
	switch e.task.Kind {
	case KindInterval:
		if !e.lastRun.IsZero() {
			e.next = e.lastRun.Add(e.task.Interval)
			if e.next.Before(now) {
				e.next = now
			}
			return nil
		}
		e.next = now.Add(e.task.InitialDelay)
		return nil
	default:
		next, ok := NextFire(e.task, now)
		if !ok {
			if e.task.Kind == KindOneShot {
				return fmt.Errorf("%w: %s was due at %s", ErrMissedOneShot, e.task.Name, e.task.RunAt.Format(time.RFC3339))
			}
			return fmt.Errorf("%w: %s has no future fire time", ErrInvalidTask, e.task.Name)
		}
		e.next = next
		return nil
	}
}

// Remove unschedules a task. A run already in progress is left to finish.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	s.nudge()
	return true
}

// Replace swaps the non-ephemeral task set for tasks. Tasks whose name and
// schedule are unchanged keep their run history and next fire time. Missed
// one-shots are skipped with a warning. Nothing changes if any task is invalid.
func (s *Scheduler) Replace(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := Validate(t); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		seen[t.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.now()
	next := make(map[string]*entry, len(tasks))
	for name, e := range s.tasks {
		if e.task.Ephemeral && !seen[name] {
			next[name] = e
		}
	}
	for _, t := range tasks {
		// Reuse the entry itself so an in-flight run still updates it.
		if old, ok := s.tasks[t.Name]; ok && sameSchedule(old.task, t) {
			toggled := old.task.Enabled != t.Enabled
			old.task = t
			if toggled {
				if err := s.arm(old, now); err != nil {
					s.logger.Warn("skipping task", "task", t.Name, "error", err)
					continue
				}
			}
			next[t.Name] = old
			continue
		}
		e := &entry{task: t}
		if err := s.arm(e, now); err != nil {
			s.logger.Warn("skipping task", "task", t.Name, "error", err)
			continue
		}
		next[t.Name] = e
	}
	s.tasks = next
	s.logger.Info("scheduled tasks replaced", "task_count", len(next))
	s.nudge()
	return nil
}

func sameSchedule(a, b Task) bool {
	return a.Kind == b.Kind &&
		a.Interval == b.Interval &&
		a.InitialDelay == b.InitialDelay &&
		a.Cron == b.Cron &&
		a.RunAt.Equal(b.RunAt) &&
		a.Delay == b.Delay
}

// Enable turns a task on or off. Enabling a one-shot whose time has passed
// removes it and returns ErrMissedOneShot.
func (s *Scheduler) Enable(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if e.task.Enabled == enabled {
		return nil
	}
	e.task.Enabled = enabled
	if err := s.arm(e, s.now()); err != nil {
		delete(s.tasks, name)
		return err
	}
	s.nudge()
	return nil
}

// RunNow runs a task immediately and waits for its result. The regular
// schedule is not shifted. A one-shot run this way is removed.
func (s *Scheduler) RunNow(ctx context.Context, name string) (hooks.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return hooks.Result{}, ErrClosed
	}
	e, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return hooks.Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if e.running {
		s.mu.Unlock()
		return hooks.Result{}, fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	e.running = true
	task := e.task
	if task.Kind == KindOneShot {
		delete(s.tasks, name)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.logger.Info("running task on demand", "task", name)
	return s.execute(ctx, e, task), nil
}

// List returns every task sorted by name.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one task.
func (s *Scheduler) Get(name string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return TaskInfo{}, false
	}
	return e.info(), true
}

func (e *entry) info() TaskInfo {
	info := TaskInfo{
		Name:        e.task.Name,
		Kind:        e.task.Kind,
		Schedule:    e.task.Schedule(),
		Description: e.task.Description,
		Enabled:     e.task.Enabled,
		Running:     e.running,
		Ephemeral:   e.task.Ephemeral,
		RunCount:    e.runCount,
		LastError:   e.lastError,
	}
	if !e.next.IsZero() {
		next := e.next
		info.NextFireAt = &next
	}
	if !e.lastRun.IsZero() {
		last := e.lastRun
		info.LastRunAt = &last
	}
	return info
}

// Results returns up to n recent task results, oldest first.
func (s *Scheduler) Results(n int) []hooks.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.results) {
		n = len(s.results)
	}
	out := make([]hooks.Result, n)
	copy(out, s.results[len(s.results)-n:])
	return out
}

// Start launches the timer loop. It returns immediately; the loop runs until
// ctx is cancelled or Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "task_count", len(s.tasks))
}

// Close stops the loop, cancels running actions, and waits for them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(idleWake)
	defer timer.Stop()

	for {
		timer.Reset(s.fireDue())
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue launches every due task and returns how long to sleep until the
// next one.
func (s *Scheduler) fireDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return idleWake
	}

	now := s.now()
	earliest := now.Add(idleWake)
	for name, e := range s.tasks {
		if e.next.IsZero() {
			continue
		}
		if e.next.After(now) {
			if e.next.Before(earliest) {
				earliest = e.next
			}
			continue
		}

		if e.running {
			s.logger.Warn("task still running, skipping fire", "task", name)
		} else {
			e.running = true
			s.wg.Add(1)
			go func(e *entry, t Task) {
				defer s.wg.Done()
				s.execute(s.ctx, e, t)
			}(e, e.task)
		}

		// Reschedule at fire time, independent of how the run turns out.
		if e.task.Kind == KindOneShot {
			delete(s.tasks, name)
			continue
		}
		next, ok := NextFire(e.task, now)
		if !ok {
			e.next = time.Time{}
			continue
		}
		e.next = next
		if next.Before(earliest) {
			earliest = next
		}
	}

	wait := earliest.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// execute runs t's action and records the outcome on e. e.running must
// already be set.
func (s *Scheduler) execute(ctx context.Context, e *entry, t Task) hooks.Result {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ev := hooks.NewEvent(hooks.EventSchedulerTaskRun, map[string]any{
		"task_name": t.Name,
		"task_type": string(t.Kind),
	})
	s.publisher.Publish(ev)

	s.logger.Debug("→ running task", "task", t.Name)
	res := hooks.Run(ctx, t.Name, t.Action, ev, timeout)

	s.mu.Lock()
	e.running = false
	e.lastRun = res.StartedAt
	e.runCount++
	e.lastError = res.Error
	s.results = append(s.results, res)
	if len(s.results) > resultsLimit {
		s.results = s.results[len(s.results)-resultsLimit:]
	}
	s.mu.Unlock()

	if res.Success {
		s.logger.Info("← task finished", "task", t.Name, "duration", res.Duration)
	} else {
		s.logger.Warn("← task failed", "task", t.Name, "error", res.Error, "timed_out", res.TimedOut)
		s.publisher.Publish(hooks.NewEvent(hooks.EventSchedulerTaskError, map[string]any{
			"task_name": t.Name,
			"error":     res.Error,
		}))
	}
	if s.onResult != nil {
		s.onResult(res)
	}
	return res
}
