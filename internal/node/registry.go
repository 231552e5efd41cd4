// ABOUTME: Tracks connected adapter nodes, evicting on re-register and buffering for reconnects
// ABOUTME: Frames for a recently disconnected node wait in a grace-window buffer until it returns

package node

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/clara-gateway/internal/protocol"
)

// Default registry settings.
const (
	DefaultGracePeriod = 2 * time.Minute
	DefaultBufferSize  = 256

	maxPendingNodes = 1024
)

var (
	// ErrNodeNotFound indicates no live node and no open grace window.
	ErrNodeNotFound = errors.New("node not found")
	// ErrBufferFull indicates the grace-window buffer for a node is at capacity.
	ErrBufferFull = errors.New("redelivery buffer full")
)

// Config configures a Registry.
type Config struct {
	// GracePeriod is how long frames are held for a disconnected node.
	// Zero uses DefaultGracePeriod; negative disables buffering.
	GracePeriod time.Duration
	// BufferSize caps buffered frames per disconnected node.
	BufferSize int
	Logger     *slog.Logger
	// OnUndelivered receives frames that were buffered and never reached a
	// node. It runs on its own goroutine.
	OnUndelivered func(nodeID string, frames []protocol.Frame)
}

// pending holds frames for a node that disconnected within the grace window.
type pending struct {
	sessionID string
	platform  string

	mu      sync.Mutex
	frames  []protocol.Frame
	claimed bool
	expiry  *time.Timer
}

// take marks p claimed and returns its frames.
func (p *pending) take() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed = true
	frames := p.frames
	p.frames = nil
	return frames
}

func (p *pending) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Registry is the set of live nodes plus grace-window buffers for
// recently disconnected ones.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	nodes   map[string]*Node
	pending *lru.Cache[string, *pending]
	closed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "node_registry"),
		nodes:  make(map[string]*Node),
	}
	if cfg.GracePeriod > 0 {
		// Only errors for a non-positive size.
		r.pending, _ = lru.NewWithEvict[string, *pending](maxPendingNodes, r.evicted)
	}
	return r
}

// expire closes the grace window opened for p, unless it was already
// claimed or replaced.
func (r *Registry) expire(nodeID string, p *pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending.Peek(nodeID); ok && cur == p {
		r.pending.Remove(nodeID)
	}
}

// evicted runs whenever a grace window leaves the LRU: on expiry, on
// capacity eviction, when its node returns, and on Close.
func (r *Registry) evicted(nodeID string, p *pending) {
	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
	}
	frames := p.frames
	if p.claimed {
		frames = nil
	}
	p.claimed = true
	p.frames = nil
	p.mu.Unlock()
	if len(frames) == 0 {
		return
	}
	r.logger.Warn("grace window expired with undelivered frames",
		"node_id", nodeID,
		"frames", len(frames),
	)
	r.undelivered(nodeID, frames)
}

func (r *Registry) undelivered(nodeID string, frames []protocol.Frame) {
	if r.cfg.OnUndelivered == nil || len(frames) == 0 {
		return
	}
	go r.cfg.OnUndelivered(nodeID, frames)
}

// Register makes n the live node for its ID. A node already registered
// under that ID is closed and returned. Frames buffered while the ID was
// disconnected are flushed to n in order.
func (r *Registry) Register(n *Node) (evicted *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var carried []protocol.Frame
	if old, ok := r.nodes[n.ID]; ok && old != n {
		evicted = old
		old.Close(ReasonReplaced)
		carried = old.drain()
		r.logger.Warn("=== ADAPTER REPLACED ===",
			"node_id", n.ID,
			"old_session", old.SessionID,
			"new_session", n.SessionID,
			"carried_frames", len(carried),
		)
	}
	r.nodes[n.ID] = n

	if r.pending != nil {
		if p, ok := r.pending.Peek(n.ID); ok {
			carried = append(p.take(), carried...)
			r.pending.Remove(n.ID)
		}
	}
	var (
		flushed int
		failed  []protocol.Frame
	)
	for _, f := range carried {
		if err := n.Send(f); err != nil {
			failed = append(failed, f)
			continue
		}
		flushed++
	}
	r.undelivered(n.ID, failed)

	r.logger.Info("=== ADAPTER REGISTERED ===",
		"node_id", n.ID,
		"platform", n.Platform,
		"capabilities", n.Capabilities,
		"session_id", n.SessionID,
		"redelivered", flushed,
		"total_nodes", len(r.nodes),
	)
	return evicted
}

// Unregister removes n if it is still the live node for its ID and opens
// a grace window for it, seeded with unsent followed by whatever was still
// queued on n. It reports whether n was removed; a node that was already
// replaced is left alone.
func (r *Registry) Unregister(n *Node, unsent ...protocol.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.nodes[n.ID]; !ok || cur != n {
		return false
	}
	delete(r.nodes, n.ID)
	n.Close(ReasonDisconnected)
	frames := append(slices.Clone(unsent), n.drain()...)

	if r.pending != nil && !r.closed {
		keep := min(len(frames), r.cfg.BufferSize)
		p := &pending{
			sessionID: n.SessionID,
			platform:  n.Platform,
			frames:    frames[:keep:keep],
		}
		// expire waits on r.mu, so the timer cannot fire before Add.
		p.expiry = time.AfterFunc(r.cfg.GracePeriod, func() { r.expire(n.ID, p) })
		r.pending.Remove(n.ID)
		r.pending.Add(n.ID, p)
		frames = frames[keep:]
	}
	r.undelivered(n.ID, frames)

	r.logger.Info("=== ADAPTER DISCONNECTED ===",
		"node_id", n.ID,
		"platform", n.Platform,
		"session_id", n.SessionID,
		"connected_for", time.Since(n.ConnectedAt).Round(time.Second),
		"total_nodes", len(r.nodes),
	)
	return true
}

// Deliver sends f to the live node with the given ID. If the node is
// inside its grace window the frame is buffered for redelivery.
func (r *Registry) Deliver(nodeID string, f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[nodeID]; ok {
		err := n.Send(f)
		if err == nil || !errors.Is(err, ErrNodeClosed) {
			return err
		}
		// Closed but not yet unregistered; treat as disconnected.
	}

	if r.pending == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	p, ok := r.pending.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if len(p.frames) >= r.cfg.BufferSize {
		return fmt.Errorf("%w: %s", ErrBufferFull, nodeID)
	}
	p.frames = append(p.frames, f)
	return nil
}

// PreviousSession returns the session ID last used by nodeID, whether it
// is live or inside its grace window.
func (r *Registry) PreviousSession(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n, ok := r.nodes[nodeID]; ok {
		return n.SessionID, true
	}
	if r.pending != nil {
		if p, ok := r.pending.Get(nodeID); ok {
			return p.sessionID, true
		}
	}
	return "", false
}

// SessionFor picks the session ID for a registering node. The requested ID
// is kept when it matches the node's previous session; otherwise a fresh
// ID is issued.
func (r *Registry) SessionFor(nodeID, requested string) (sessionID string, resumed bool) {
	if requested != "" {
		if prev, ok := r.PreviousSession(nodeID); ok && prev == requested {
			return requested, true
		}
	}
	return NewSessionID(), false
}

// NewSessionID returns a fresh connection session ID of the form gw-<12 hex>.
func NewSessionID() string {
	return "gw-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Get returns the live node with the given ID.
func (r *Registry) Get(nodeID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// List returns snapshots of all live nodes sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// ByPlatform returns live nodes for platform sorted by ID.
func (r *Registry) ByPlatform(platform string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, n := range r.nodes {
		if n.Platform == platform {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Pending returns the number of frames buffered for nodeID.
func (r *Registry) Pending(nodeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return 0
	}
	if p, ok := r.pending.Peek(nodeID); ok {
		return p.size()
	}
	return 0
}

// Close closes every live node and drops all grace windows. Buffered
// frames are reported as undelivered.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, n := range r.nodes {
		n.Close(ReasonShutdown)
		delete(r.nodes, id)
	}
	if r.pending != nil {
		r.pending.Purge()
	}
}
