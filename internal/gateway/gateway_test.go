// ABOUTME: End-to-end tests for the adapter WebSocket protocol served by the Gateway
// ABOUTME: Drives a real gateway over httptest with a gorilla client and a controllable LLM

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clara-gateway/internal/auth"
	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/llm"
	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/protocol"
	"github.com/2389/clara-gateway/internal/store"
)

const testTimeout = 5 * time.Second

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedLLM echoes like llm.EchoClient, but holds any message starting with
// "slow" until release is closed or the request is cancelled.
type gatedLLM struct {
	started chan string
	release chan struct{}
}

func newGatedLLM() *gatedLLM {
	return &gatedLLM{started: make(chan string, 32), release: make(chan struct{})}
}

func (l *gatedLLM) Complete(ctx context.Context, req *orchestrator.CompletionRequest, onText func(string)) (*orchestrator.Completion, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == orchestrator.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	l.started <- last
	if strings.HasPrefix(last, "slow") {
		select {
		case <-l.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return llm.EchoClient{}.Complete(ctx, req, onText)
}

func (l *gatedLLM) waitStarted(t *testing.T, content string) {
	t.Helper()
	select {
	case got := <-l.started:
		require.Equal(t, content, got)
	case <-time.After(testTimeout):
		t.Fatalf("generation for %q never started", content)
	}
}

func newTestGateway(t *testing.T, client orchestrator.LLMClient, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := New(cfg, testLogger(), WithLLMClient(client), WithStore(store.NewMemoryStore()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	gw.start(ctx)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), testTimeout)
		defer scancel()
		_ = gw.Shutdown(sctx)
		cancel()
		srv.Close()
	})
	return gw, srv
}

// testAdapter is a minimal platform adapter speaking the frame protocol.
type testAdapter struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialAdapter(t *testing.T, srv *httptest.Server) *testAdapter {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testAdapter{t: t, conn: conn}
}

// connect dials and completes the register handshake.
func connect(t *testing.T, srv *httptest.Server, reg protocol.Register) (*testAdapter, *protocol.Registered) {
	t.Helper()
	a := dialAdapter(t, srv)
	a.send(reg)
	f := a.next()
	ack, ok := f.(*protocol.Registered)
	require.True(t, ok, "expected registered, got %T", f)
	return a, ack
}

func (a *testAdapter) send(f protocol.Frame) {
	a.t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(a.t, err)
	require.NoError(a.t, a.conn.WriteMessage(websocket.TextMessage, data))
}

func (a *testAdapter) next() protocol.Frame {
	a.t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := a.conn.ReadMessage()
	require.NoError(a.t, err)
	f, err := protocol.Decode(data)
	require.NoError(a.t, err)
	return f
}

// until reads frames up to and including the response_end for requestID.
func (a *testAdapter) until(requestID string) ([]protocol.Frame, *protocol.ResponseEnd) {
	a.t.Helper()
	var frames []protocol.Frame
	for {
		f := a.next()
		frames = append(frames, f)
		if end, ok := f.(*protocol.ResponseEnd); ok && end.RequestID == requestID {
			return frames, end
		}
	}
}

// await reads until a frame of type T arrives. It returns that frame and
// the frames read before it.
func await[T protocol.Frame](a *testAdapter) (T, []protocol.Frame) {
	a.t.Helper()
	var skipped []protocol.Frame
	for {
		f := a.next()
		if v, ok := f.(T); ok {
			return v, skipped
		}
		skipped = append(skipped, f)
	}
}

// closeCode reads until the connection closes and returns the close code.
func (a *testAdapter) closeCode() int {
	a.t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(a.t, err, &ce)
			return ce.Code
		}
	}
}

func TestGatewayNew(t *testing.T) {
	gw, _ := newTestGateway(t, llm.EchoClient{}, nil)

	assert.NotNil(t, gw.router)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.orchestrator)
	assert.Nil(t, gw.verifier, "auth is off without a jwt secret")

	names := make([]string, 0)
	for _, d := range gw.tools.ListTools() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "get_current_time")
}

func TestMessageRoundTrip_Streaming(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, ack := connect(t, srv, protocol.Register{
		NodeID:       "discord-1",
		Platform:     "discord",
		Capabilities: []string{protocol.CapStreaming},
	})
	assert.Equal(t, "discord-1", ack.NodeID)
	assert.False(t, ack.Resumed)
	assert.True(t, strings.HasPrefix(ack.SessionID, "gw-"))

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "hello there"})
	frames, end := a.until("r1")

	_, isStart := frames[0].(*protocol.ResponseStart)
	assert.True(t, isStart, "first frame should be response_start, got %T", frames[0])

	var streamed strings.Builder
	for _, f := range frames {
		if c, ok := f.(*protocol.ResponseChunk); ok {
			streamed.WriteString(c.Content)
		}
	}
	assert.Equal(t, protocol.StatusOK, end.Status)
	assert.Equal(t, "You said: hello there", end.FullText)
	assert.Equal(t, end.FullText, streamed.String())
	assert.Empty(t, end.HTML, "html only for nodes that declare it")
}

func TestMessageRoundTrip_NoStreamingRendersHTML(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{
		NodeID:       "web-1",
		Platform:     "web",
		Capabilities: []string{protocol.CapHTML},
	})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "**bold**"})
	frames, end := a.until("r1")

	for _, f := range frames {
		_, isChunk := f.(*protocol.ResponseChunk)
		assert.False(t, isChunk, "chunks are not sent without the streaming capability")
	}
	assert.Equal(t, "You said: **bold**", end.FullText)
	assert.Contains(t, end.HTML, "<strong>bold</strong>")
}

func TestPerChannelOrdering(t *testing.T) {
	gen := newGatedLLM()
	_, srv := newTestGateway(t, gen, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow first"})
	gen.waitStarted(t, "slow first")
	a.send(protocol.Message{RequestID: "r2", UserID: "u1", ChannelID: "c1", Content: "second"})

	st, skipped := await[*protocol.Status](a)
	for _, f := range skipped {
		assert.Equal(t, "r1", protocol.RequestID(f))
	}
	assert.Equal(t, "r2", st.RequestID)
	assert.Equal(t, 1, st.QueuePosition)

	select {
	case got := <-gen.started:
		t.Fatalf("r2 started while r1 was active: %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	close(gen.release)
	frames, end1 := a.until("r1")
	assert.Equal(t, protocol.StatusOK, end1.Status)
	for _, f := range frames {
		assert.NotEqual(t, "r2", protocol.RequestID(f), "nothing for r2 before r1 finishes")
	}

	_, end2 := a.until("r2")
	assert.Equal(t, "You said: second", end2.FullText)
}

func TestCrossChannelConcurrency(t *testing.T) {
	gen := newGatedLLM()
	_, srv := newTestGateway(t, gen, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow on c1"})
	gen.waitStarted(t, "slow on c1")
	a.send(protocol.Message{RequestID: "r2", UserID: "u1", ChannelID: "c2", Content: "fast on c2"})

	_, end := a.until("r2")
	assert.Equal(t, protocol.StatusOK, end.Status)
	close(gen.release)
	a.until("r1")
}

func TestCancelActiveRequest(t *testing.T) {
	gen := newGatedLLM()
	gw, srv := newTestGateway(t, gen, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow please"})
	gen.waitStarted(t, "slow please")
	a.send(protocol.Cancel{RequestID: "r1"})

	var ack *protocol.Cancelled
	frames, end := a.until("r1")
	for _, f := range frames {
		if c, ok := f.(*protocol.Cancelled); ok {
			ack = c
		}
	}
	if ack == nil {
		ack, _ = await[*protocol.Cancelled](a)
	}
	assert.Equal(t, "r1", ack.RequestID)
	assert.Equal(t, 1, ack.Count)
	assert.Equal(t, protocol.StatusCancelled, end.Status)

	require.Eventually(t, func() bool {
		return gw.router.Status().ActiveRequests == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestCancelQueuedRequest(t *testing.T) {
	gen := newGatedLLM()
	_, srv := newTestGateway(t, gen, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow one"})
	gen.waitStarted(t, "slow one")
	a.send(protocol.Message{RequestID: "r2", UserID: "u1", ChannelID: "c1", Content: "queued"})
	st, _ := await[*protocol.Status](a)
	require.Equal(t, "r2", st.RequestID)

	a.send(protocol.Cancel{RequestID: "r2"})
	frames, end := a.until("r2")
	assert.Equal(t, protocol.StatusCancelled, end.Status)
	assert.Equal(t, "cancelled before processing", end.Error)
	for _, f := range frames {
		assert.NotEqual(t, protocol.TypeResponseStart, f.FrameType(), "queued request never starts")
	}

	close(gen.release)
	_, end1 := a.until("r1")
	assert.Equal(t, protocol.StatusOK, end1.Status)
}

func TestCancelUnknownRequest(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Cancel{RequestID: "missing"})
	f := a.next()
	e, ok := f.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", f)
	assert.Equal(t, protocol.CodeNotFound, e.Code)
	assert.True(t, e.Recoverable)

	// The connection stays usable.
	a.send(protocol.Ping{Timestamp: time.Now()})
	_, ok = a.next().(*protocol.Pong)
	assert.True(t, ok)
}

func TestDuplicateMessageRejected(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "same words"})
	a.until("r1")

	a.send(protocol.Message{RequestID: "r2", UserID: "u1", ChannelID: "c1", Content: "same words"})
	f := a.next()
	e, ok := f.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", f)
	assert.Equal(t, protocol.CodeDuplicate, e.Code)
	assert.Equal(t, "r2", e.RequestID)
	assert.True(t, e.Recoverable)
}

func TestPingAndStatus(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Ping{Timestamp: time.Now()})
	_, ok := a.next().(*protocol.Pong)
	assert.True(t, ok)

	a.send(protocol.Status{})
	st, ok := a.next().(*protocol.Status)
	require.True(t, ok)
	assert.Zero(t, st.ActiveRequests)
	assert.Zero(t, st.QueueLength)
}

func TestHandshake_FirstFrameMustBeRegister(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a := dialAdapter(t, srv)

	a.send(protocol.Ping{Timestamp: time.Now()})
	e, ok := a.next().(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotRegistered, e.Code)
	assert.False(t, e.Recoverable)
	assert.Equal(t, websocket.CloseProtocolError, a.closeCode())
}

func TestHandshake_RequiresPlatform(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a := dialAdapter(t, srv)

	a.send(protocol.Register{NodeID: "n1"})
	e, ok := a.next().(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
}

func TestHandshake_MalformedJSON(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a := dialAdapter(t, srv)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e, ok := a.next().(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidJSON, e.Code)
}

func TestHandshake_GeneratesNodeID(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	_, ack := connect(t, srv, protocol.Register{Platform: "slack"})
	assert.True(t, strings.HasPrefix(ack.NodeID, "slack-"))
}

func TestHandshake_Auth(t *testing.T) {
	secret := strings.Repeat("k", 32)
	gw, srv := newTestGateway(t, llm.EchoClient{}, func(c *config.Config) {
		c.Auth.JWTSecret = secret
	})
	require.NotNil(t, gw.verifier)

	t.Run("missing token", func(t *testing.T) {
		a := dialAdapter(t, srv)
		a.send(protocol.Register{NodeID: "n1", Platform: "discord"})
		e, ok := a.next().(*protocol.Error)
		require.True(t, ok)
		assert.Equal(t, protocol.CodeUnauthorized, e.Code)
		assert.Equal(t, websocket.ClosePolicyViolation, a.closeCode())
	})

	t.Run("token for another node", func(t *testing.T) {
		token, err := gw.verifier.Generate("n2", auth.RoleAdapter, time.Hour)
		require.NoError(t, err)
		a := dialAdapter(t, srv)
		a.send(protocol.Register{NodeID: "n1", Platform: "discord", Token: token})
		e, ok := a.next().(*protocol.Error)
		require.True(t, ok)
		assert.Equal(t, protocol.CodeUnauthorized, e.Code)
	})

	t.Run("valid adapter token", func(t *testing.T) {
		token, err := gw.verifier.Generate("n1", auth.RoleAdapter, time.Hour)
		require.NoError(t, err)
		_, ack := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord", Token: token})
		assert.Equal(t, "n1", ack.NodeID)
	})
}

func TestSecondRegisterClosesConnection(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Register{NodeID: "n1", Platform: "discord"})
	e, ok := a.next().(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
	assert.Equal(t, websocket.CloseProtocolError, a.closeCode())
}

func TestReRegisterClosesReplacedConnection(t *testing.T) {
	gw, srv := newTestGateway(t, llm.EchoClient{}, nil)
	old, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})
	cur, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	// The replaced adapter has not seen its close frame yet and keeps talking.
	data, err := protocol.Encode(protocol.Message{RequestID: "stale", UserID: "u1", ChannelID: "c1", Content: "from replaced"})
	require.NoError(t, err)
	_ = old.conn.WriteMessage(websocket.TextMessage, data)

	assert.Equal(t, websocket.ClosePolicyViolation, old.closeCode())

	cur.send(protocol.Message{RequestID: "live", UserID: "u1", ChannelID: "c1", Content: "from current"})
	frames, end := cur.until("live")
	assert.Equal(t, "You said: from current", end.FullText)
	for _, f := range frames {
		assert.NotEqual(t, "stale", protocol.RequestID(f), "frame %s belongs to the replaced connection", f.FrameType())
	}

	n, ok := gw.registry.Get("n1")
	require.True(t, ok)
	assert.False(t, n.Closed())
	assert.Len(t, gw.registry.List(), 1)
}

func TestReconnectRedeliversWithinGraceWindow(t *testing.T) {
	gen := newGatedLLM()
	gw, srv := newTestGateway(t, gen, nil)
	a, first := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow answer"})
	gen.waitStarted(t, "slow answer")
	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		_, live := gw.registry.Get("n1")
		return !live
	}, testTimeout, 10*time.Millisecond)

	close(gen.release)
	require.Eventually(t, func() bool {
		return gw.router.Status().ActiveRequests == 0
	}, testTimeout, 10*time.Millisecond)

	b, second := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord", SessionID: first.SessionID})
	assert.True(t, second.Resumed)
	assert.Equal(t, first.SessionID, second.SessionID)

	_, end := b.until("r1")
	assert.Equal(t, protocol.StatusOK, end.Status)
	assert.Equal(t, "You said: slow answer", end.FullText)
}

func TestReconnectWithUnknownSessionStartsFresh(t *testing.T) {
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	_, ack := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord", SessionID: "gw-stale"})
	assert.False(t, ack.Resumed)
	assert.NotEqual(t, "gw-stale", ack.SessionID)
}

func TestScheduledMessageDeliveredAsProactive(t *testing.T) {
	gw, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{
		NodeID:       "n1",
		Platform:     "discord",
		Capabilities: []string{protocol.CapHTML},
	})

	action := gw.messageAction("morning", config.MessageAction{
		Platform:  "discord",
		UserID:    "u1",
		ChannelID: "c9",
		Content:   "good morning",
	})
	_, err := action.Run(context.Background(), hooks.NewEvent(hooks.EventSchedulerTaskRun, nil))
	require.NoError(t, err)

	f := a.next()
	msg, ok := f.(*protocol.ProactiveMessage)
	require.True(t, ok, "expected proactive_message, got %T", f)
	assert.Equal(t, "morning", msg.TaskName)
	assert.Equal(t, "c9", msg.ChannelID)
	assert.Equal(t, "You said: good morning", msg.Content)
	assert.Contains(t, msg.HTML, "<p>You said: good morning</p>")
	assert.Equal(t, "normal", msg.Priority)
}

func TestConversationPersisted(t *testing.T) {
	gw, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "remember this"})
	a.until("r1")

	ctx := context.Background()
	sess, created, err := gw.sessions.GetOrCreate(ctx, "discord", "u1", "c1")
	require.NoError(t, err)
	assert.False(t, created)

	history, err := gw.sessions.History(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, "remember this", history[0].Content)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "You said: remember this", history[1].Content)
}

func TestShutdownFinishesInFlightRequests(t *testing.T) {
	gen := newGatedLLM()
	gw, srv := newTestGateway(t, gen, nil)
	a, _ := connect(t, srv, protocol.Register{NodeID: "n1", Platform: "discord"})

	a.send(protocol.Message{RequestID: "r1", UserID: "u1", ChannelID: "c1", Content: "slow during shutdown"})
	gen.waitStarted(t, "slow during shutdown")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		done <- gw.Shutdown(ctx)
	}()

	_, end := a.until("r1")
	assert.Equal(t, protocol.StatusCancelled, end.Status)
	assert.Equal(t, websocket.CloseGoingAway, a.closeCode())
	require.NoError(t, <-done)
}

func TestRegisterTimesOutWithoutRegister(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the register deadline")
	}
	_, srv := newTestGateway(t, llm.EchoClient{}, nil)
	a := dialAdapter(t, srv)
	_ = a.conn.SetReadDeadline(time.Now().Add(registerTimeout + 2*time.Second))
	_, _, err := a.conn.ReadMessage()
	assert.Error(t, err)
}
