// ABOUTME: WebSocket protocol server for platform adapters: register handshake, read loop, write pump
// ABOUTME: Inbound frames become router envelopes; outbound frames flow through each node's queue

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/clara-gateway/internal/auth"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/node"
	"github.com/2389/clara-gateway/internal/protocol"
	"github.com/2389/clara-gateway/internal/router"
)

const (
	// registerTimeout bounds the wait for the first frame.
	registerTimeout = 10 * time.Second
	writeTimeout    = 10 * time.Second
	// closeWait is how long a shutting-down connection waits for the
	// adapter to answer the close handshake.
	closeWait    = time.Second
	maxFrameSize = 1 << 20
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Adapters are services, not browsers; access is gated by the
		// register token instead of the Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// handleWebSocket upgrades an adapter connection and serves it until it closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.trackConn() {
		sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
		return
	}
	defer g.conns.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	n, resumed, err := g.handshake(conn)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			g.logger.Warn("rejected adapter handshake",
				"remote", r.RemoteAddr,
				"code", perr.Code,
				"error", perr.Message,
			)
			rejectConn(conn, perr)
			return
		}
		g.logger.Debug("adapter handshake aborted", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	g.serveConn(conn, n, resumed)
}

// trackConn counts a connection for Shutdown to wait on. It reports false
// once shutdown has begun.
func (g *Gateway) trackConn() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.closing.Load() {
		return false
	}
	g.conns.Add(1)
	return true
}

// handshake reads and validates the register frame. The returned node has
// the registered acknowledgement queued but is not yet in the registry.
func (g *Gateway) handshake(conn *websocket.Conn) (*node.Node, bool, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false, fmt.Errorf("reading register frame: %w", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return nil, false, decodeError(err)
	}
	reg, ok := f.(*protocol.Register)
	if !ok {
		return nil, false, protocolErrorf(protocol.CodeNotRegistered, "first frame must be register, got %s", f.FrameType())
	}
	if reg.Platform == "" {
		return nil, false, protocolErrorf(protocol.CodeInvalidMessage, "register requires platform")
	}
	if reg.NodeID == "" {
		reg.NodeID = reg.Platform + "-" + uuid.NewString()[:8]
	}
	if g.verifier != nil {
		if _, err := auth.AuthorizeAdapter(g.verifier, reg.Token, reg.NodeID); err != nil {
			return nil, false, protocolErrorf(protocol.CodeUnauthorized, "%v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	sessionID, resumed := g.registry.SessionFor(reg.NodeID, reg.SessionID)
	n := node.New(node.Params{
		ID:           reg.NodeID,
		Platform:     reg.Platform,
		Capabilities: reg.Capabilities,
		SessionID:    sessionID,
		Metadata:     reg.Metadata,
	})
	// Queued before Register so the acknowledgement precedes any
	// redelivered frames.
	if err := n.Send(protocol.Registered{
		NodeID:     n.ID,
		SessionID:  sessionID,
		Resumed:    resumed,
		ServerTime: time.Now().UTC(),
	}); err != nil {
		return nil, false, fmt.Errorf("queueing registered frame: %w", err)
	}
	return n, resumed, nil
}

// rejectConn reports a protocol error and closes the connection.
func rejectConn(conn *websocket.Conn, perr *ProtocolError) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if data, err := protocol.Encode(perr.Frame()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	code := websocket.CloseProtocolError
	if perr.Code == protocol.CodeUnauthorized {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, perr.Code), deadline)
	_ = conn.Close()
}

// serveConn owns a registered connection until it ends.
func (g *Gateway) serveConn(conn *websocket.Conn, n *node.Node, resumed bool) {
	log := g.logger.With("node_id", n.ID, "platform", n.Platform)

	g.registry.Register(n)
	g.bus.Publish(nodeEvent(hooks.EventAdapterConnected, n, map[string]any{
		"session_id":   n.SessionID,
		"resumed":      resumed,
		"capabilities": strings.Join(n.Capabilities, ","),
	}))

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		g.writePump(conn, n, log)
	}()

	err := g.readLoop(conn, n)

	// Unregistering closes the node, which stops the pump; anything still
	// queued moves to the grace-window buffer.
	g.registry.Unregister(n)
	<-pumpDone

	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		log.Warn("closing adapter connection on protocol error", "code", perr.Code, "error", perr.Message)
		rejectConn(conn, perr)
	case err != nil:
		log.Info("adapter connection lost", "error", err)
		_ = conn.Close()
	default:
		_ = conn.Close()
	}

	data := map[string]any{
		"session_id": n.SessionID,
		"reason":     n.CloseReason(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	g.bus.Publish(nodeEvent(hooks.EventAdapterDisconnected, n, data))
}

// readLoop handles inbound frames until the connection fails, the adapter
// closes it, or a protocol error occurs.
func (g *Gateway) readLoop(conn *websocket.Conn, n *node.Node) error {
	idle := g.config.Adapters.PingInterval + g.config.Adapters.PingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if n.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if n.Closed() {
			// Replaced or shutting down; nothing more is accepted from this connection.
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		f, err := protocol.Decode(data)
		if err != nil {
			return decodeError(err)
		}
		if err := g.handleFrame(n, f); err != nil {
			return err
		}
	}
}

func (g *Gateway) handleFrame(n *node.Node, f protocol.Frame) error {
	switch v := f.(type) {
	case *protocol.Message:
		g.handleMessage(n, v)
	case *protocol.Cancel:
		g.handleCancel(n, v)
	case *protocol.Ping:
		g.reply(n, protocol.Pong{Timestamp: time.Now().UTC()})
	case *protocol.Status:
		g.reply(n, g.statusFrame("", 0))
	case *protocol.Register:
		return protocolErrorf(protocol.CodeInvalidMessage, "node %s is already registered", n.ID)
	default:
		return protocolErrorf(protocol.CodeInvalidMessage, "unexpected %s frame from adapter", f.FrameType())
	}
	return nil
}

func (g *Gateway) handleMessage(n *node.Node, m *protocol.Message) {
	attachments := make([]router.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, router.Attachment(a))
	}
	env := router.NewEnvelope(router.Envelope{
		RequestID:   m.RequestID,
		NodeID:      n.ID,
		Platform:    n.Platform,
		UserID:      m.UserID,
		ChannelID:   m.ChannelID,
		Content:     m.Content,
		Attachments: attachments,
		Priority:    m.Priority,
		Batchable:   m.Batchable,
		Tier:        m.Tier,
	})

	pos, err := g.router.Enqueue(env)
	switch {
	case errors.Is(err, router.ErrDuplicate):
		g.reply(n, protocol.Error{RequestID: env.RequestID, Code: protocol.CodeDuplicate, Message: "duplicate message ignored", Recoverable: true})
	case errors.Is(err, router.ErrClosed):
		g.reply(n, protocol.Error{RequestID: env.RequestID, Code: protocol.CodeUnavailable, Message: "gateway shutting down", Recoverable: true})
	case err != nil:
		g.reply(n, protocol.Error{RequestID: env.RequestID, Code: protocol.CodeInvalidMessage, Message: err.Error(), Recoverable: true})
	case pos > 0:
		g.reply(n, g.statusFrame(env.RequestID, pos))
	}
}

func (g *Gateway) handleCancel(n *node.Node, c *protocol.Cancel) {
	switch {
	case c.RequestID != "":
		if err := g.router.Cancel(c.RequestID); err != nil {
			g.reply(n, protocol.Error{
				Code:        protocol.CodeNotFound,
				Message:     fmt.Sprintf("no queued or active request %s", c.RequestID),
				Recoverable: true,
			})
			return
		}
		g.reply(n, protocol.Cancelled{RequestID: c.RequestID, Count: 1})
	case c.ChannelID != "":
		count := g.router.CancelChannel(c.ChannelID)
		g.reply(n, protocol.Cancelled{ChannelID: c.ChannelID, Count: count})
	default:
		g.reply(n, protocol.Error{
			Code:        protocol.CodeInvalidMessage,
			Message:     "cancel requires request_id or channel_id",
			Recoverable: true,
		})
	}
}

func (g *Gateway) statusFrame(requestID string, position int) protocol.Status {
	st := g.router.Status()
	return protocol.Status{
		RequestID:      requestID,
		QueuePosition:  position,
		ActiveRequests: st.ActiveRequests,
		QueueLength:    st.QueuedRequests,
		UptimeSeconds:  int64(time.Since(g.startedAt).Seconds()),
	}
}

// reply queues a connection-level frame for n.
func (g *Gateway) reply(n *node.Node, f protocol.Frame) {
	if err := n.Send(f); err != nil {
		g.logger.Debug("reply dropped", "node_id", n.ID, "frame", f.FrameType(), "error", err)
	}
}

// writePump is the only writer on conn while the node is live.
func (g *Gateway) writePump(conn *websocket.Conn, n *node.Node, log *slog.Logger) {
	ticker := time.NewTicker(g.config.Adapters.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-n.Outbound():
			if n.Closed() && !g.closing.Load() {
				// Disconnected or replaced; route it to wherever n.ID lives now.
				g.redeliver(n.ID, f)
				continue
			}
			if err := writeFrame(conn, f); err != nil {
				log.Warn("write to adapter failed", "frame", f.FrameType(), "error", err)
				if !g.registry.Unregister(n, f) {
					g.redeliver(n.ID, f)
				}
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		case <-n.Done():
			switch {
			case g.closing.Load():
				g.flushAndClose(conn, n, log)
			case n.CloseReason() == node.ReasonReplaced:
				log.Info("closing replaced adapter connection")
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, node.ReasonReplaced)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
				_ = conn.Close()
			}
			return
		}
	}
}

// flushAndClose writes whatever is still queued and starts the close
// handshake. It runs only while the gateway shuts down.
func (g *Gateway) flushAndClose(conn *websocket.Conn, n *node.Node, log *slog.Logger) {
	for {
		select {
		case f := <-n.Outbound():
			if err := writeFrame(conn, f); err != nil {
				log.Warn("flush to adapter failed", "frame", f.FrameType(), "error", err)
				_ = conn.Close()
				return
			}
			continue
		default:
		}
		break
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, n.CloseReason())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = conn.SetReadDeadline(time.Now().Add(closeWait))
}

func writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// redeliver hands a frame that missed its connection back to the registry.
func (g *Gateway) redeliver(nodeID string, f protocol.Frame) {
	if err := g.registry.Deliver(nodeID, f); err != nil {
		g.logger.Warn("frame lost", "node_id", nodeID, "frame", f.FrameType(), "error", err)
		g.reportUndelivered(nodeID, []protocol.Frame{f})
	}
}

func nodeEvent(eventType string, n *node.Node, data map[string]any) hooks.Event {
	ev := hooks.NewEvent(eventType, data)
	ev.NodeID = n.ID
	ev.Platform = n.Platform
	return ev
}
