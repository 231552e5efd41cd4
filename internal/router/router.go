// ABOUTME: Per-channel ordered router with priority promotion, batching, and cancellation
// ABOUTME: Each channel has one worker; channels run independently up to a concurrency bound

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/clara-gateway/internal/dedupe"
)

var (
	// ErrDuplicate is returned when an envelope repeats a recent one.
	ErrDuplicate = errors.New("duplicate message")
	// ErrNotFound is returned when no queued or active request matches.
	ErrNotFound = errors.New("request not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router closed")
	// ErrCancelled is the cancellation cause of an explicitly cancelled request.
	ErrCancelled = errors.New("request cancelled")
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxActiveChannels = 32
	DefaultQueueIdleTimeout  = 5 * time.Minute
)

// DropReason explains why an envelope never reached the handler.
type DropReason string

const (
	DropCancelled DropReason = "cancelled"
	DropShutdown  DropReason = "shutdown"
	DropMerged    DropReason = "merged"
)

// Drop describes an envelope removed before dispatch.
type Drop struct {
	Reason DropReason
	// MergedInto is the primary request id when Reason is DropMerged.
	MergedInto string
}

// Handler processes dispatched envelopes.
type Handler interface {
	// HandleEnvelope processes env to a terminal outcome. ctx is cancelled
	// with cause ErrCancelled when the request is cancelled, or ErrClosed on
	// shutdown. The channel's next envelope is not dispatched until it returns.
	HandleEnvelope(ctx context.Context, env *Envelope)
	// EnvelopeDropped is called for every envelope that is removed from a
	// queue without being dispatched, so it can still receive a terminal frame.
	EnvelopeDropped(env *Envelope, drop Drop)
}

// Config configures a Router.
type Config struct {
	// MaxActiveChannels bounds how many channels dispatch concurrently.
	MaxActiveChannels int
	// QueueIdleTimeout is how long an empty queue is kept before collection.
	QueueIdleTimeout time.Duration
	// Dedupe, when set, rejects envelopes with a recently seen fingerprint.
	Dedupe *dedupe.Cache
	// Batching coalesces consecutive batchable envelopes that piled up
	// while the channel was busy.
	Batching bool
	Logger   *slog.Logger
}

// RequestInfo is a snapshot of one queued or active request.
type RequestInfo struct {
	RequestID   string    `json:"request_id"`
	ChannelID   string    `json:"channel_id"`
	NodeID      string    `json:"node_id"`
	UserID      string    `json:"user_id"`
	State       string    `json:"state"` // queued or active
	Position    int       `json:"position"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Status summarizes router load.
type Status struct {
	Channels       int `json:"channels"`
	ActiveRequests int `json:"active_requests"`
	QueuedRequests int `json:"queued_requests"`
}

type activeRequest struct {
	env     *Envelope
	cancel  context.CancelCauseFunc
	started time.Time
}

// channelQueue holds the ordered work for one channel.
type channelQueue struct {
	id         string
	pending    []*Envelope
	active     *activeRequest
	running    bool
	lastActive time.Time
}

func (q *channelQueue) idle() bool {
	return !q.running && q.active == nil && len(q.pending) == 0
}

// Router serializes work per channel.
type Router struct {
	mu     sync.Mutex
	queues map[string]*channelQueue
	// index maps every queued or active request id to its channel queue.
	index  map[string]*channelQueue
	closed bool

	handler  Handler
	sem      *semaphore.Weighted
	dedupe   *dedupe.Cache
	batching bool
	idleTTL  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router dispatching to handler.
func New(handler Handler, cfg Config) *Router {
	if cfg.MaxActiveChannels <= 0 {
		cfg.MaxActiveChannels = DefaultMaxActiveChannels
	}
	if cfg.QueueIdleTimeout <= 0 {
		cfg.QueueIdleTimeout = DefaultQueueIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		queues:   make(map[string]*channelQueue),
		index:    make(map[string]*channelQueue),
		handler:  handler,
		sem:      semaphore.NewWeighted(int64(cfg.MaxActiveChannels)),
		dedupe:   cfg.Dedupe,
		batching: cfg.Batching,
		idleTTL:  cfg.QueueIdleTimeout,
		logger:   cfg.Logger.With("component", "router"),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.janitor()
	return r
}

// Enqueue appends env to its channel queue and returns immediately. The
// returned position is the number of requests ahead of env on its channel
// (0 means it is dispatched next).
func (r *Router) Enqueue(env *Envelope) (int, error) {
	if env.ChannelID == "" {
		return 0, errors.New("channel_id is required")
	}
	if env.RequestID == "" {
		return 0, errors.New("request_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if _, exists := r.index[env.RequestID]; exists {
		return 0, fmt.Errorf("%w: request %s already queued", ErrDuplicate, env.RequestID)
	}
	if r.dedupe != nil && env.Content != "" && !env.Proactive {
		if r.dedupe.CheckAndMark(dedupe.Fingerprint(env.UserID, env.ChannelID, env.Content)) {
			return 0, ErrDuplicate
		}
	}

	q, ok := r.queues[env.ChannelID]
	if !ok {
		q = &channelQueue{id: env.ChannelID}
		r.queues[env.ChannelID] = q
	}

	// Insert after every envelope of equal or higher priority so ties keep
	// arrival order.
	pos := len(q.pending)
	for i, queued := range q.pending {
		if env.Priority > queued.Priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = env
	r.index[env.RequestID] = q

	ahead := pos
	if q.active != nil {
		ahead++
	}

	if !q.running {
		q.running = true
		r.wg.Add(1)
		go r.worker(q)
	}

	r.logger.Debug("envelope queued",
		"request_id", env.RequestID,
		"channel_id", env.ChannelID,
		"priority", env.Priority,
		"position", ahead,
	)
	return ahead, nil
}

// worker drains one channel queue, one envelope at a time.
func (r *Router) worker(q *channelQueue) {
	defer r.wg.Done()
	for {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.stopWorker(q)
			return
		}
		env, ctx, dropped := r.dequeueNext(q)
		for _, d := range dropped {
			r.handler.EnvelopeDropped(d, Drop{Reason: DropMerged, MergedInto: env.RequestID})
		}
		if env == nil {
			r.sem.Release(1)
			return
		}

		r.dispatch(ctx, env)
		r.sem.Release(1)
		r.finish(q, env)
	}
}

func (r *Router) dispatch(ctx context.Context, env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", "request_id", env.RequestID, "panic", rec)
		}
	}()
	r.handler.HandleEnvelope(ctx, env)
}

// dequeueNext pops the next envelope for q, coalescing a batch when enabled.
// It returns nil when the queue is empty, after marking the worker stopped.
// Envelopes folded into a batch are returned separately.
func (r *Router) dequeueNext(q *channelQueue) (*Envelope, context.Context, []*Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(q.pending) == 0 || r.closed {
		q.running = false
		q.lastActive = time.Now()
		return nil, nil, nil
	}

	var merged []*Envelope
	env := q.pending[0]
	n := 1
	if r.batching && env.Batchable {
		for n < len(q.pending) && q.pending[n].Batchable && q.pending[n].Priority == env.Priority {
			n++
		}
		if n > 1 {
			merged = append(merged, q.pending[:n-1]...)
			env = coalesce(q.pending[:n])
			r.logger.Info("coalesced batch", "channel_id", q.id, "request_id", env.RequestID, "count", n)
		}
	}
	q.pending = q.pending[n:]

	ctx, cancel := context.WithCancelCause(r.ctx)
	q.active = &activeRequest{env: env, cancel: cancel, started: time.Now()}
	for _, m := range merged {
		r.index[m.RequestID] = q
	}
	r.index[env.RequestID] = q
	return env, ctx, merged
}

// finish clears the active request once the handler reached a terminal outcome.
func (r *Router) finish(q *channelQueue, env *Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.active != nil {
		q.active.cancel(nil)
		q.active = nil
	}
	for _, id := range env.RequestIDs() {
		delete(r.index, id)
	}
	q.lastActive = time.Now()
}

func (r *Router) stopWorker(q *channelQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q.running = false
}

// Cancel cancels a queued or active request. A queued request is dropped
// without dispatch; an active request has its context cancelled.
func (r *Router) Cancel(requestID string) error {
	r.mu.Lock()
	q, ok := r.index[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	if q.active != nil {
		for _, id := range q.active.env.RequestIDs() {
			if id == requestID {
				q.active.cancel(ErrCancelled)
				r.mu.Unlock()
				r.logger.Info("cancelled active request", "request_id", requestID, "channel_id", q.id)
				return nil
			}
		}
	}

	var dropped *Envelope
	for i, env := range q.pending {
		if env.RequestID == requestID {
			dropped = env
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(r.index, requestID)
			break
		}
	}
	r.mu.Unlock()

	if dropped == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	r.logger.Info("cancelled queued request", "request_id", requestID, "channel_id", q.id)
	r.handler.EnvelopeDropped(dropped, Drop{Reason: DropCancelled})
	return nil
}

// CancelChannel cancels every queued and active request on a channel and
// returns how many were affected.
func (r *Router) CancelChannel(channelID string) int {
	r.mu.Lock()
	q, ok := r.queues[channelID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	dropped := q.pending
	q.pending = nil
	for _, env := range dropped {
		delete(r.index, env.RequestID)
	}
	n := len(dropped)
	if q.active != nil {
		q.active.cancel(ErrCancelled)
		n++
	}
	r.mu.Unlock()

	for _, env := range dropped {
		r.handler.EnvelopeDropped(env, Drop{Reason: DropCancelled})
	}
	if n > 0 {
		r.logger.Info("cancelled channel", "channel_id", channelID, "count", n)
	}
	return n
}

// Requests returns a snapshot of every queued and active request.
func (r *Router) Requests() []RequestInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RequestInfo
	for _, q := range r.queues {
		offset := 0
		if a := q.active; a != nil {
			out = append(out, RequestInfo{
				RequestID:   a.env.RequestID,
				ChannelID:   q.id,
				NodeID:      a.env.NodeID,
				UserID:      a.env.UserID,
				State:       "active",
				SubmittedAt: a.env.SubmittedAt,
				StartedAt:   a.started,
			})
			offset = 1
		}
		for i, env := range q.pending {
			out = append(out, RequestInfo{
				RequestID:   env.RequestID,
				ChannelID:   q.id,
				NodeID:      env.NodeID,
				UserID:      env.UserID,
				State:       "queued",
				Position:    i + offset,
				SubmittedAt: env.SubmittedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// Status returns aggregate load counters.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Channels: len(r.queues)}
	for _, q := range r.queues {
		if q.active != nil {
			st.ActiveRequests++
		}
		st.QueuedRequests += len(q.pending)
	}
	return st
}

// QueueDepth returns the number of envelopes waiting across all channels.
func (r *Router) QueueDepth() int {
	return r.Status().QueuedRequests
}

// janitor collects idle channel queues.
func (r *Router) janitor() {
	defer r.wg.Done()
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.collectIdle(now); n > 0 {
				r.logger.Debug("collected idle queues", "count", n)
			}
		}
	}
}

func (r *Router) collectIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, q := range r.queues {
		if q.idle() && now.Sub(q.lastActive) >= r.idleTTL {
			delete(r.queues, id)
			n++
		}
	}
	return n
}

// Close stops accepting envelopes, cancels active requests, reports queued
// envelopes as dropped, and waits for workers until ctx is done.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var dropped []*Envelope
	for _, q := range r.queues {
		dropped = append(dropped, q.pending...)
		for _, env := range q.pending {
			delete(r.index, env.RequestID)
		}
		q.pending = nil
		if q.active != nil {
			q.active.cancel(ErrClosed)
		}
	}
	r.mu.Unlock()

	for _, env := range dropped {
		r.handler.EnvelopeDropped(env, Drop{Reason: DropShutdown})
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for channel workers: %w", ctx.Err())
	}
}
