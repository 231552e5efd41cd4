// ABOUTME: Hook bus that fans lifecycle events out to subscriptions concurrently
// ABOUTME: Publish never blocks; each subscriber is bounded by its own timeout

package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clara-gateway/internal/store"
)

const (
	// historySize is how many recent events and results are retained.
	historySize = 100

	// watcherBufferSize is the channel buffer for each live watcher.
	watcherBufferSize = 64
)

// ErrDuplicateSubscription is returned when a subscription name is already registered.
var ErrDuplicateSubscription = errors.New("subscription already exists")

// Subscription binds an action to an event type.
type Subscription struct {
	Name        string
	EventType   string // exact type or EventAll
	Action      Action
	Timeout     time.Duration
	Priority    int // higher runs first when dispatch order matters for logs
	Enabled     bool
	Description string
}

// SubscriptionInfo is a read-only view of a subscription.
type SubscriptionInfo struct {
	Name        string        `json:"name"`
	EventType   string        `json:"event_type"`
	Timeout     time.Duration `json:"timeout_ns"`
	Priority    int           `json:"priority"`
	Enabled     bool          `json:"enabled"`
	Description string        `json:"description,omitempty"`
	Kind        string        `json:"kind"`
}

// EventSink persists published events.
type EventSink interface {
	SaveEvent(ctx context.Context, event *store.Event) error
}

// BusConfig configures a Bus.
type BusConfig struct {
	Logger *slog.Logger
	// Sink, when set, receives every published event.
	Sink EventSink
	// OnResult, when set, observes every subscriber result.
	OnResult func(Result)
}

// Bus dispatches events to subscriptions.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	watchers map[string]chan Event
	events   *ring[Event]
	results  *ring[Result]
	closed   bool

	sink     EventSink
	onResult func(Result)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a hook bus.
func NewBus(cfg BusConfig) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:     make(map[string]*Subscription),
		watchers: make(map[string]chan Event),
		events:   newRing[Event](historySize),
		results:  newRing[Result](historySize),
		sink:     cfg.Sink,
		onResult: cfg.OnResult,
		logger:   logger.With("component", "hooks"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers a subscription.
func (b *Bus) Subscribe(sub Subscription) error {
	if sub.Name == "" || sub.EventType == "" || sub.Action == nil {
		return errors.New("subscription needs name, event type and action")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[sub.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.Name)
	}
	s := sub
	b.subs[sub.Name] = &s
	b.logger.Debug("subscription added", "name", sub.Name, "event", sub.EventType)
	return nil
}

// Unsubscribe removes a subscription by name. Returns false if it didn't exist.
func (b *Bus) Unsubscribe(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; !ok {
		return false
	}
	delete(b.subs, name)
	return true
}

// SetEnabled toggles a subscription. Returns false if it doesn't exist.
func (b *Bus) SetEnabled(name string, enabled bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name]
	if !ok {
		return false
	}
	s.Enabled = enabled
	return true
}

// Replace swaps in a new set of config-defined subscriptions. In-process
// subscriptions whose name starts with "builtin:" are preserved.
func (b *Bus) Replace(subs []Subscription) error {
	next := make(map[string]*Subscription, len(subs))
	for _, sub := range subs {
		if _, exists := next[sub.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.Name)
		}
		s := sub
		next[sub.Name] = &s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, s := range b.subs {
		if isBuiltin(name) {
			if _, clash := next[name]; clash {
				return fmt.Errorf("%w: %s", ErrDuplicateSubscription, name)
			}
			next[name] = s
		}
	}
	b.subs = next
	b.logger.Info("hook subscriptions replaced", "count", len(next))
	return nil
}

func isBuiltin(name string) bool {
	return strings.HasPrefix(name, BuiltinPrefix)
}

// Subscriptions lists registered subscriptions ordered by priority, then name.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, s := range b.subs {
		kind := "callback"
		if _, ok := s.Action.(CommandAction); ok {
			kind = "command"
		}
		infos = append(infos, SubscriptionInfo{
			Name:        s.Name,
			EventType:   s.EventType,
			Timeout:     s.Timeout,
			Priority:    s.Priority,
			Enabled:     s.Enabled,
			Description: s.Description,
			Kind:        kind,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Publish dispatches ev to every matching enabled subscription. It returns
// immediately; each subscriber runs in its own goroutine bounded by its timeout.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Copy targets under read lock to avoid holding it while dispatching
	var targets []*Subscription
	for _, s := range b.subs {
		if s.Enabled && (s.EventType == ev.Type || s.EventType == EventAll) {
			c := *s
			targets = append(targets, &c)
		}
	}
	// Watchers are fed under the read lock so they can't be closed mid-send.
	for _, ch := range b.watchers {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow watcher", "event", ev.Type)
		}
	}
	// Add under the read lock so Close's Wait can't race a new Add.
	b.wg.Add(len(targets))
	if b.sink != nil {
		b.wg.Add(1)
	}
	b.mu.RUnlock()

	b.events.push(ev)

	sort.Slice(targets, func(i, j int) bool { return targets[i].Priority > targets[j].Priority })
	for _, s := range targets {
		go func(s *Subscription) {
			defer b.wg.Done()
			b.execute(s, ev)
		}(s)
	}

	if b.sink != nil {
		go func() {
			defer b.wg.Done()
			b.persist(ev)
		}()
	}
}

func (b *Bus) execute(s *Subscription, ev Event) {
	res := Run(b.ctx, s.Name, s.Action, ev, s.Timeout)
	b.results.push(res)
	if b.onResult != nil {
		b.onResult(res)
	}
	if res.Success {
		b.logger.Debug("hook succeeded", "hook", s.Name, "event", ev.Type, "duration", res.Duration)
		return
	}
	b.logger.Warn("hook failed",
		"hook", s.Name,
		"event", ev.Type,
		"error", res.Error,
		"timed_out", res.TimedOut,
		"duration", res.Duration,
	)
}

func (b *Bus) persist(ev Event) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	err := b.sink.SaveEvent(ctx, &store.Event{
		Type:      ev.Type,
		NodeID:    ev.NodeID,
		Platform:  ev.Platform,
		UserID:    ev.UserID,
		ChannelID: ev.ChannelID,
		RequestID: ev.RequestID,
		Data:      ev.DataJSON(),
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		b.logger.Warn("failed to persist event", "event", ev.Type, "error", err)
	}
}

// Watch returns a channel receiving every published event until ctx is done.
// Events are dropped for watchers that fall behind.
func (b *Bus) Watch(ctx context.Context) <-chan Event {
	id := uuid.New().String()
	ch := make(chan Event, watcherBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.watchers[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if w, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(w)
		}
	}()
	return ch
}

// History returns up to n most recent events, oldest first.
func (b *Bus) History(n int) []Event {
	return b.events.last(n)
}

// Results returns up to n most recent subscriber results, oldest first.
func (b *Bus) Results(n int) []Result {
	return b.results.last(n)
}

// Close stops accepting events, cancels running actions, and waits for them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.watchers {
		close(ch)
		delete(b.watchers, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Debug("hook bus closed")
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{items: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}
