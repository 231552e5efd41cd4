// ABOUTME: Tests for the per-channel router
// ABOUTME: Covers ordering, cross-channel independence, priority, batching, cancellation, and shutdown

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clara-gateway/internal/dedupe"
)

// fakeHandler records dispatches and lets tests hold requests open.
type fakeHandler struct {
	mu       sync.Mutex
	handled  []string
	contents []string
	drops    map[string]Drop
	causes   map[string]error
	gates    map[string]chan struct{}
	started  chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		drops:   make(map[string]Drop),
		causes:  make(map[string]error),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 100),
	}
}

// hold makes requestID block in HandleEnvelope until released or cancelled.
func (h *fakeHandler) hold(requestID string) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[requestID] = ch
	h.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (h *fakeHandler) HandleEnvelope(ctx context.Context, env *Envelope) {
	h.started <- env.RequestID
	h.mu.Lock()
	gate := h.gates[env.RequestID]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, env.RequestID)
	h.contents = append(h.contents, env.Content)
	if ctx.Err() != nil {
		h.causes[env.RequestID] = context.Cause(ctx)
	}
}

func (h *fakeHandler) EnvelopeDropped(env *Envelope, drop Drop) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drops[env.RequestID] = drop
}

func (h *fakeHandler) handledIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func (h *fakeHandler) drop(id string) (Drop, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.drops[id]
	return d, ok
}

func (h *fakeHandler) waitStarted(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-h.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("request %s never started", id)
	}
}

func newTestRouter(t *testing.T, h Handler, cfg Config) *Router {
	t.Helper()
	r := New(h, cfg)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func env(id, channel string) *Envelope {
	return NewEnvelope(Envelope{RequestID: id, ChannelID: channel, UserID: "u1", Content: "msg " + id})
}

func TestRouter_PerChannelOrdering(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("m0")
	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		_, err := r.Enqueue(env(id, "c1"))
		require.NoError(t, err)
	}
	release()

	require.Eventually(t, func() bool { return len(h.handledIDs()) == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.handledIDs())
}

func TestRouter_SecondMessageWaitsForFirst(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("r1")
	pos, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	h.waitStarted(t, "r1")

	pos, err = r.Enqueue(env("r2", "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos, "one request ahead")

	select {
	case id := <-h.started:
		t.Fatalf("%s dispatched while r1 in flight", id)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	h.waitStarted(t, "r2")
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2"}, h.handledIDs())
}

func TestRouter_CrossChannelIndependence(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("a1")
	defer release()
	_, err := r.Enqueue(env("a1", "A"))
	require.NoError(t, err)
	h.waitStarted(t, "a1")

	_, err = r.Enqueue(env("b1", "B"))
	require.NoError(t, err)
	h.waitStarted(t, "b1")
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b1"}, h.handledIDs())
}

func TestRouter_PriorityPromotion(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("first")
	_, err := r.Enqueue(env("first", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "first")

	for _, id := range []string{"n1", "n2"} {
		_, err := r.Enqueue(env(id, "c1"))
		require.NoError(t, err)
	}
	urgent := env("stop", "c1")
	urgent.Priority = PriorityInterrupt
	pos, err := r.Enqueue(urgent)
	require.NoError(t, err)
	assert.Equal(t, 1, pos, "jumps ahead of normal-priority work")

	urgent2 := env("stop2", "c1")
	urgent2.Priority = PriorityInterrupt
	_, err = r.Enqueue(urgent2)
	require.NoError(t, err)

	release()
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "stop", "stop2", "n1", "n2"}, h.handledIDs())
}

func TestRouter_CancelQueued(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("r1")
	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "r1")
	_, err = r.Enqueue(env("r2", "c1"))
	require.NoError(t, err)

	require.NoError(t, r.Cancel("r2"))
	d, ok := h.drop("r2")
	require.True(t, ok)
	assert.Equal(t, DropCancelled, d.Reason)

	release()
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"r1"}, h.handledIDs(), "cancelled request never dispatched")

	assert.ErrorIs(t, r.Cancel("r2"), ErrNotFound)
}

func TestRouter_CancelActive(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	h.hold("r1")
	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "r1")

	require.NoError(t, r.Cancel("r1"))
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 1 }, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	cause := h.causes["r1"]
	h.mu.Unlock()
	assert.ErrorIs(t, cause, ErrCancelled)
}

func TestRouter_CancelChannel(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	h.hold("r1")
	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "r1")
	_, err = r.Enqueue(env("r2", "c1"))
	require.NoError(t, err)
	_, err = r.Enqueue(env("r3", "c1"))
	require.NoError(t, err)

	assert.Equal(t, 3, r.CancelChannel("c1"))
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 1 }, time.Second, 5*time.Millisecond)
	_, ok := h.drop("r2")
	assert.True(t, ok)
	_, ok = h.drop("r3")
	assert.True(t, ok)
	assert.Equal(t, 0, r.CancelChannel("nope"))
}

func TestRouter_Batching(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{Batching: true})

	release := h.hold("b0")
	first := env("b0", "c1")
	first.Batchable = true
	_, err := r.Enqueue(first)
	require.NoError(t, err)
	h.waitStarted(t, "b0")

	for i, content := range []string{"one", "two", "three"} {
		e := NewEnvelope(Envelope{RequestID: fmt.Sprintf("b%d", i+1), ChannelID: "c1", Content: content, Batchable: true})
		_, err := r.Enqueue(e)
		require.NoError(t, err)
	}
	release()

	require.Eventually(t, func() bool { return len(h.handledIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b0", "b3"}, h.handledIDs(), "last member is the primary")
	h.mu.Lock()
	assert.Equal(t, "one\ntwo\nthree", h.contents[1])
	h.mu.Unlock()

	for _, id := range []string{"b1", "b2"} {
		d, ok := h.drop(id)
		require.True(t, ok, id)
		assert.Equal(t, DropMerged, d.Reason)
		assert.Equal(t, "b3", d.MergedInto)
	}
}

func TestRouter_BatchingDisabledOrNotBatchable(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{Batching: true})

	release := h.hold("x0")
	_, err := r.Enqueue(env("x0", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "x0")
	for _, id := range []string{"x1", "x2"} {
		_, err := r.Enqueue(env(id, "c1")) // not batchable
		require.NoError(t, err)
	}
	release()
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_Dedupe(t *testing.T) {
	h := newFakeHandler()
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	r := newTestRouter(t, h, Config{Dedupe: cache})

	a := NewEnvelope(Envelope{ChannelID: "c1", UserID: "u1", Content: "hello"})
	b := NewEnvelope(Envelope{ChannelID: "c1", UserID: "u1", Content: "hello"})
	_, err := r.Enqueue(a)
	require.NoError(t, err)
	_, err = r.Enqueue(b)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = r.Enqueue(a)
	assert.ErrorIs(t, err, ErrDuplicate, "request id reuse")
}

func TestRouter_RequestsAndStatus(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{})

	release := h.hold("r1")
	defer release()
	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "r1")
	_, err = r.Enqueue(env("r2", "c1"))
	require.NoError(t, err)

	reqs := r.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "active", reqs[0].State)
	assert.Equal(t, "queued", reqs[1].State)
	assert.Equal(t, 1, reqs[1].Position)

	st := r.Status()
	assert.Equal(t, 1, st.ActiveRequests)
	assert.Equal(t, 1, st.QueuedRequests)
	assert.Equal(t, 1, r.QueueDepth())
}

func TestRouter_IdleQueuesCollected(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{QueueIdleTimeout: time.Minute})

	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.handledIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.Status().ActiveRequests == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, r.collectIdle(time.Now()), "not idle long enough")
	require.Eventually(t, func() bool { return r.collectIdle(time.Now().Add(2*time.Minute)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Status().Channels)
}

func TestRouter_ConcurrencyBound(t *testing.T) {
	h := newFakeHandler()
	r := newTestRouter(t, h, Config{MaxActiveChannels: 1})

	release := h.hold("a1")
	_, err := r.Enqueue(env("a1", "A"))
	require.NoError(t, err)
	h.waitStarted(t, "a1")

	_, err = r.Enqueue(env("b1", "B"))
	require.NoError(t, err)
	select {
	case id := <-h.started:
		t.Fatalf("%s dispatched beyond the concurrency bound", id)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	h.waitStarted(t, "b1")
}

func TestRouter_CloseDropsQueuedAndCancelsActive(t *testing.T) {
	h := newFakeHandler()
	r := New(h, Config{})

	h.hold("r1")
	_, err := r.Enqueue(env("r1", "c1"))
	require.NoError(t, err)
	h.waitStarted(t, "r1")
	_, err = r.Enqueue(env("r2", "c1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	d, ok := h.drop("r2")
	require.True(t, ok)
	assert.Equal(t, DropShutdown, d.Reason)

	h.mu.Lock()
	assert.True(t, errors.Is(h.causes["r1"], ErrClosed))
	h.mu.Unlock()

	_, err = r.Enqueue(env("r3", "c1"))
	assert.ErrorIs(t, err, ErrClosed)
}
