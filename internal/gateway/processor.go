// ABOUTME: Runs dispatched envelopes through the orchestrator and delivers their frames to nodes
// ABOUTME: Every envelope, processed or dropped, ends with exactly one terminal frame

package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/node"
	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/protocol"
	"github.com/2389/clara-gateway/internal/router"
	"github.com/2389/clara-gateway/internal/store"
)

const (
	// terminalRetryWindow bounds how long a terminal frame waits for room
	// in a full node queue.
	terminalRetryWindow   = 5 * time.Second
	terminalRetryInterval = 20 * time.Millisecond

	// proactivePriority is the priority label on scheduled deliveries.
	proactivePriority = "normal"
)

// processor implements router.Handler.
type processor struct {
	gw     *Gateway
	logger *slog.Logger
}

func newProcessor(gw *Gateway) *processor {
	return &processor{gw: gw, logger: gw.logger.With("component", "processor")}
}

// HandleEnvelope processes env to a terminal outcome.
func (p *processor) HandleEnvelope(ctx context.Context, env *router.Envelope) {
	log := p.logger.With("request_id", env.RequestID, "channel_id", env.ChannelID, "node_id", env.NodeID)
	started := time.Now()

	sess, _, err := p.gw.sessions.GetOrCreate(ctx, env.Platform, env.UserID, env.ChannelID)
	if err != nil {
		res := &orchestrator.Result{RequestID: env.RequestID, Status: orchestrator.StatusError, Error: "session unavailable"}
		if ctx.Err() != nil {
			res = &orchestrator.Result{RequestID: env.RequestID, Status: orchestrator.StatusCancelled}
		} else {
			log.Error("session lookup failed", "error", err)
		}
		p.finish(env, "", res, started)
		return
	}

	p.publish(hooks.EventMessageReceived, env, map[string]any{
		"session_id":     sess.ID,
		"content_length": len(env.Content),
		"attachments":    len(env.Attachments),
		"merged":         len(env.Merged),
		"proactive":      env.Proactive,
	})

	if err := p.gw.sessions.Record(ctx, sess.ID, env.RequestID, store.RoleUser, env.Content); err != nil {
		log.Warn("failed to persist user turn", "session_id", sess.ID, "error", err)
	}

	var sink orchestrator.Sink = orchestrator.NopSink{}
	if !env.Proactive {
		sink = p.newSink(env)
	}
	res := p.gw.orchestrator.Run(ctx, orchestrator.Request{
		RequestID: env.RequestID,
		SessionID: sess.ID,
		NodeID:    env.NodeID,
		Platform:  env.Platform,
		UserID:    env.UserID,
		ChannelID: env.ChannelID,
		Content:   env.Content,
		Tier:      env.Tier,
	}, sink)

	// The transcript outlives a cancelled request context.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalRetryWindow)
	defer cancel()
	if res.Status == orchestrator.StatusOK && res.Text != "" {
		if err := p.gw.sessions.Record(pctx, sess.ID, env.RequestID, store.RoleAssistant, res.Text); err != nil {
			log.Warn("failed to persist assistant turn", "session_id", sess.ID, "error", err)
		}
	}
	if err := p.gw.sessions.Touch(pctx, sess.ID); err != nil {
		log.Debug("failed to touch session", "error", err)
	}

	p.finish(env, sess.ID, res, started)
}

// EnvelopeDropped answers an envelope that was never dispatched.
func (p *processor) EnvelopeDropped(env *router.Envelope, drop router.Drop) {
	log := p.logger.With("request_id", env.RequestID, "channel_id", env.ChannelID, "reason", drop.Reason)
	if env.Proactive {
		log.Info("scheduled message dropped", "task", env.Task)
		return
	}

	if drop.Reason == router.DropMerged {
		end := protocol.ResponseEnd{
			RequestID:  env.RequestID,
			Status:     protocol.StatusOK,
			MergedInto: drop.MergedInto,
		}
		if err := p.deliverTerminal(env.NodeID, end); err != nil {
			log.Warn("merged response not delivered", "error", err)
		}
		p.gw.metrics.RequestFinished("merged")
		return
	}

	msg := "cancelled before processing"
	if drop.Reason == router.DropShutdown {
		msg = "gateway shutting down"
	}
	end := protocol.ResponseEnd{RequestID: env.RequestID, Status: protocol.StatusCancelled, Error: msg}
	if err := p.deliverTerminal(env.NodeID, end); err != nil {
		log.Warn("cancellation not delivered", "error", err)
	}
	p.gw.metrics.RequestFinished(protocol.StatusCancelled)
	p.publish(hooks.EventMessageCancelled, env, map[string]any{"reason": string(drop.Reason)})
}

// finish delivers the terminal frame for a processed envelope.
func (p *processor) finish(env *router.Envelope, sessionID string, res *orchestrator.Result, started time.Time) {
	if env.Proactive {
		p.deliverProactive(env, res)
		return
	}

	end := protocol.ResponseEnd{
		RequestID:       env.RequestID,
		FullText:        res.Text,
		Status:          res.Status,
		ToolCount:       res.ToolCount,
		TokensUsed:      res.TokensUsed,
		DegradedContext: res.Degraded,
		Error:           res.Error,
	}
	for _, m := range env.Merged {
		end.MergedRequests = append(end.MergedRequests, m.RequestID)
	}
	if n, ok := p.gw.registry.Get(env.NodeID); ok && n.Has(protocol.CapHTML) && res.Text != "" {
		end.HTML = p.gw.renderHTML(res.Text)
	}

	status := res.Status
	if err := p.deliverTerminal(env.NodeID, end); err != nil {
		p.logger.Warn("response not delivered",
			"request_id", env.RequestID,
			"node_id", env.NodeID,
			"error", err,
		)
		p.gw.metrics.FramesUndelivered(1)
		status = "failed"
	}
	p.gw.metrics.RequestFinished(status)

	data := map[string]any{
		"session_id":  sessionID,
		"status":      status,
		"tool_count":  res.ToolCount,
		"tokens_used": res.TokensUsed,
		"degraded":    res.Degraded,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	if res.Status == orchestrator.StatusCancelled {
		p.publish(hooks.EventMessageCancelled, env, data)
		return
	}
	p.publish(hooks.EventMessageSent, env, data)
}

// deliverProactive sends a scheduled response to every node of the
// envelope's platform.
func (p *processor) deliverProactive(env *router.Envelope, res *orchestrator.Result) {
	log := p.logger.With("task", env.Task, "platform", env.Platform, "channel_id", env.ChannelID)
	fail := func(reason string) {
		p.gw.metrics.RequestFinished("failed")
		p.publish(hooks.EventMessageSent, env, map[string]any{
			"status":    "failed",
			"proactive": true,
			"task":      env.Task,
			"reason":    reason,
		})
	}

	if res.Status != orchestrator.StatusOK || strings.TrimSpace(res.Text) == "" {
		log.Warn("scheduled message produced no response", "status", res.Status, "error", res.Error)
		fail("no response")
		return
	}
	nodes := p.gw.registry.ByPlatform(env.Platform)
	if len(nodes) == 0 {
		log.Warn("no node connected for scheduled message")
		fail("no node connected")
		return
	}

	msg := protocol.ProactiveMessage{
		TaskName:  env.Task,
		UserID:    env.UserID,
		ChannelID: env.ChannelID,
		Content:   res.Text,
		Priority:  proactivePriority,
	}
	var html string
	delivered := 0
	for _, n := range nodes {
		f := msg
		if n.Has(protocol.CapHTML) {
			if html == "" {
				html = p.gw.renderHTML(res.Text)
			}
			f.HTML = html
		}
		if err := p.deliverTerminal(n.ID, f); err != nil {
			log.Warn("scheduled message not delivered", "node_id", n.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		fail("delivery failed")
		return
	}
	p.gw.metrics.RequestFinished(protocol.StatusOK)
	p.publish(hooks.EventMessageSent, env, map[string]any{
		"status":    protocol.StatusOK,
		"proactive": true,
		"task":      env.Task,
		"nodes":     delivered,
	})
}

// deliverTerminal waits for queue room rather than dropping a terminal frame.
func (p *processor) deliverTerminal(nodeID string, f protocol.Frame) error {
	deadline := time.Now().Add(terminalRetryWindow)
	for {
		err := p.gw.registry.Deliver(nodeID, f)
		if !errors.Is(err, node.ErrQueueFull) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(terminalRetryInterval)
	}
}

func (p *processor) publish(eventType string, env *router.Envelope, data map[string]any) {
	ev := hooks.NewEvent(eventType, data)
	ev.NodeID = env.NodeID
	ev.Platform = env.Platform
	ev.UserID = env.UserID
	ev.ChannelID = env.ChannelID
	ev.RequestID = env.RequestID
	p.gw.bus.Publish(ev)
}

func (p *processor) newSink(env *router.Envelope) *frameSink {
	stream := false
	if n, ok := p.gw.registry.Get(env.NodeID); ok {
		stream = n.Has(protocol.CapStreaming)
	}
	return &frameSink{p: p, env: env, stream: stream}
}

// frameSink turns orchestrator output into frames for the originating node.
// Chunks are best effort; response_end always carries the full text.
type frameSink struct {
	p      *processor
	env    *router.Envelope
	stream bool
}

func (s *frameSink) Start(requestID string) {
	s.send(protocol.ResponseStart{RequestID: requestID, ModelTier: s.env.Tier})
}

func (s *frameSink) Chunk(text string) {
	if !s.stream || text == "" {
		return
	}
	s.send(protocol.ResponseChunk{RequestID: s.env.RequestID, Content: text})
}

func (s *frameSink) ToolStatus(ev orchestrator.ToolEvent) {
	s.send(protocol.ToolStatus{
		RequestID:     ev.RequestID,
		ToolName:      ev.ToolName,
		Status:        ev.Status,
		Description:   ev.Description,
		Step:          ev.Step,
		Emoji:         ev.Emoji,
		OutputPreview: ev.OutputPreview,
		DurationMS:    ev.Duration.Milliseconds(),
	})
}

func (s *frameSink) send(f protocol.Frame) {
	if err := s.p.gw.registry.Deliver(s.env.NodeID, f); err != nil {
		s.p.logger.Debug("frame dropped",
			"request_id", s.env.RequestID,
			"node_id", s.env.NodeID,
			"frame", f.FrameType(),
			"error", err,
		)
	}
}

// renderHTML converts a markdown response for nodes with the html capability.
func (g *Gateway) renderHTML(md string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(md), &buf); err != nil {
		g.logger.Warn("failed to render markdown", "error", err)
		return ""
	}
	return buf.String()
}

// reportUndelivered accounts for frames that never reached their node.
func (g *Gateway) reportUndelivered(nodeID string, frames []protocol.Frame) {
	g.metrics.FramesUndelivered(len(frames))
	for _, f := range frames {
		if !protocol.IsTerminal(f) {
			continue
		}
		ev := hooks.NewEvent(hooks.EventMessageSent, map[string]any{
			"status": "failed",
			"reason": "not delivered before the reconnect grace window closed",
		})
		ev.NodeID = nodeID
		ev.RequestID = protocol.RequestID(f)
		g.bus.Publish(ev)
	}
}
