// ABOUTME: Minimal fake platform adapter for manual and E2E testing of clara-gateway
// ABOUTME: Usage: fake-adapter [-url ws://localhost:18789/ws] [-platform cli] then type messages on stdin

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/clara-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:18789/ws", "gateway WebSocket URL")
	nodeID := flag.String("id", "", "node ID (generated by the gateway when empty)")
	platform := flag.String("platform", "cli", "platform name")
	userID := flag.String("user", "local-user", "user ID sent with every message")
	channelID := flag.String("channel", "local", "channel ID sent with every message")
	token := flag.String("token", os.Getenv("CLARA_TOKEN"), "adapter token")
	flag.Parse()

	cfg := adapterConfig{
		url:       *url,
		register:  protocol.Register{NodeID: *nodeID, Platform: *platform, Capabilities: []string{"streaming"}, Token: *token},
		userID:    *userID,
		channelID: *channelID,
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

type adapterConfig struct {
	url       string
	register  protocol.Register
	userID    string
	channelID string
}

func run(cfg adapterConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := send(conn, cfg.register); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	first, err := recv(conn)
	if err != nil {
		return fmt.Errorf("failed to receive registered: %w", err)
	}
	ack, ok := first.(*protocol.Registered)
	if !ok {
		return fmt.Errorf("expected registered, got: %s", first.FrameType())
	}
	fmt.Fprintf(os.Stderr, "registered as %s (session: %s)\n", ack.NodeID, ack.SessionID)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()
	go readInput(ctx, conn, cfg)

	for {
		f, err := recv(conn)
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		printFrame(f)
	}
}

// readInput sends each stdin line as a message. "/cancel ID" cancels a
// request and "/ping" sends a keepalive.
func readInput(ctx context.Context, conn *websocket.Conn, cfg adapterConfig) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var f protocol.Frame
		switch {
		case line == "/ping":
			f = protocol.Ping{Timestamp: time.Now()}
		case strings.HasPrefix(line, "/cancel"):
			f = protocol.Cancel{RequestID: strings.TrimSpace(strings.TrimPrefix(line, "/cancel")), ChannelID: cfg.channelID}
		default:
			f = protocol.Message{
				RequestID: uuid.NewString(),
				UserID:    cfg.userID,
				ChannelID: cfg.channelID,
				Content:   line,
			}
		}
		if err := send(conn, f); err != nil {
			log.Printf("send error: %v", err)
			return
		}
	}
}

func printFrame(f protocol.Frame) {
	dim := color.New(color.FgHiBlack)
	switch v := f.(type) {
	case *protocol.ResponseChunk:
		fmt.Print(v.Content)
	case *protocol.ResponseEnd:
		if v.Status != protocol.StatusOK {
			fmt.Printf("\n%s\n", color.YellowString("[%s] %s", v.Status, v.Error))
			return
		}
		fmt.Printf("\n%s\n", dim.Sprintf("[done %s, %d tools, %d tokens]", v.RequestID, v.ToolCount, v.TokensUsed))
	case *protocol.ToolStatus:
		fmt.Printf("\n%s\n", color.CyanString("%s %s: %s", v.Emoji, v.ToolName, v.Status))
	case *protocol.ProactiveMessage:
		fmt.Printf("%s %s\n", color.MagentaString("[%s]", v.TaskName), v.Content)
	case *protocol.Error:
		fmt.Printf("%s\n", color.RedString("error %s: %s", v.Code, v.Message))
	case *protocol.Status:
		dim.Printf("[queued %s at %d]\n", v.RequestID, v.QueuePosition)
	case *protocol.Pong:
		dim.Println("[pong]")
	case *protocol.Cancelled:
		dim.Printf("[cancelled %d]\n", v.Count)
	}
}

func send(conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func recv(conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
