// ABOUTME: Represents a single registered adapter connection and its outbound frame queue
// ABOUTME: Sends never block; the connection's write pump drains Outbound until Done closes

package node

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/2389/clara-gateway/internal/protocol"
)

// DefaultQueueSize is the outbound queue capacity used when none is given.
const DefaultQueueSize = 256

var (
	// ErrQueueFull indicates the node's outbound queue cannot take another frame.
	ErrQueueFull = errors.New("node outbound queue full")
	// ErrNodeClosed indicates the node has disconnected or been replaced.
	ErrNodeClosed = errors.New("node closed")
)

// Node is a registered adapter connection.
type Node struct {
	ID           string
	Platform     string
	Capabilities []string
	SessionID    string
	Metadata     map[string]any
	ConnectedAt  time.Time

	out  chan protocol.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

// Params configures a new Node.
type Params struct {
	ID           string
	Platform     string
	Capabilities []string
	SessionID    string
	Metadata     map[string]any
	QueueSize    int
}

// New creates a Node with an empty outbound queue.
func New(p Params) *Node {
	size := p.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Node{
		ID:           p.ID,
		Platform:     p.Platform,
		Capabilities: p.Capabilities,
		SessionID:    p.SessionID,
		Metadata:     p.Metadata,
		ConnectedAt:  time.Now(),
		out:          make(chan protocol.Frame, size),
		done:         make(chan struct{}),
	}
}

// Has reports whether the node declared capability c.
func (n *Node) Has(c string) bool {
	return slices.Contains(n.Capabilities, c)
}

// Send queues f for the write pump.
func (n *Node) Send(f protocol.Frame) error {
	select {
	case <-n.done:
		return ErrNodeClosed
	default:
	}

	select {
	case n.out <- f:
		return nil
	case <-n.done:
		return ErrNodeClosed
	default:
		return ErrQueueFull
	}
}

// Outbound is drained by the connection's write pump.
func (n *Node) Outbound() <-chan protocol.Frame {
	return n.out
}

// Done is closed once the node is closed.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Reasons passed to Close by the registry.
const (
	ReasonReplaced     = "replaced by new registration"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "gateway shutting down"
)

// Close marks the node closed. Only the first reason is kept.
func (n *Node) Close(reason string) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.reason = reason
		n.mu.Unlock()
		close(n.done)
	})
}

// Closed reports whether Close has been called.
func (n *Node) Closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason given to Close, or "".
func (n *Node) CloseReason() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

// drain empties the outbound queue without blocking.
func (n *Node) drain() []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case f := <-n.out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// Info is a point-in-time view of a node.
type Info struct {
	NodeID       string    `json:"node_id"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	QueuedFrames int       `json:"queued_frames"`
}

// Info returns a snapshot of the node.
func (n *Node) Info() Info {
	return Info{
		NodeID:       n.ID,
		Platform:     n.Platform,
		Capabilities: slices.Clone(n.Capabilities),
		SessionID:    n.SessionID,
		ConnectedAt:  n.ConnectedAt,
		QueuedFrames: len(n.out),
	}
}
