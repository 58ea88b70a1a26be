package msgclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/wire"
)

func testConfig() config.MessageClient {
	cfg := config.DefaultMessageClient()
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.PingInterval = 50 * time.Millisecond
	cfg.SendRetryAttempts = 2
	cfg.SendRetryDelay = 10 * time.Millisecond
	return cfg
}

// echoServer upgrades every connection and echoes a session_message_ack for
// each session_message envelope it receives.
func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if env.Cmd == wire.CmdSessionMessage {
				raw, _ := wire.Encode(wire.CmdSessionMessageAck, wire.SessionMessageAck{MessageID: "m1", Status: 200})
				_ = conn.WriteMessage(websocket.TextMessage, raw)
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestStartConnectsAndSendReceivesAck(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	gotAck := make(chan wire.Envelope, 1)
	c := New(wsURL, nil, testConfig(), func(env wire.Envelope) {
		if env.Cmd == wire.CmdSessionMessageAck {
			gotAck <- env
		}
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	if c.State() != Connected {
		t.Fatalf("State() = %v, want Connected", c.State())
	}

	if err := c.Send(wire.CmdSessionMessage, wire.SessionMessage{SessionID: "s1", MessageID: "m1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-gotAck:
		if env.Cmd != wire.CmdSessionMessageAck {
			t.Errorf("env.Cmd = %q, want %q", env.Cmd, wire.CmdSessionMessageAck)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_message_ack")
	}
}

func TestSendQueuesWhenDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1", nil, testConfig(), nil, zap.NewNop())
	// Never started: still Disconnected.
	err := c.Send(wire.CmdSessionMessage, wire.SessionMessage{SessionID: "s1", MessageID: "m1"})
	if err != ErrConnectionLost {
		t.Fatalf("Send = %v, want ErrConnectionLost", err)
	}
	if len(c.outbound) != 1 {
		t.Fatalf("len(outbound) = %d, want 1", len(c.outbound))
	}
}

// oversizedThenEchoServer writes one frame larger than maxSize as soon as a
// client connects, then behaves like echoServer for everything after.
func oversizedThenEchoServer(t *testing.T, maxSize int) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		oversized := make([]byte, maxSize*2)
		_ = conn.WriteMessage(websocket.TextMessage, oversized)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if env.Cmd == wire.CmdSessionMessage {
				raw, _ := wire.Encode(wire.CmdSessionMessageAck, wire.SessionMessageAck{MessageID: "m1", Status: 200})
				_ = conn.WriteMessage(websocket.TextMessage, raw)
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestOversizedInboundFrameIsDiscardedWithoutClosingConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	srv, wsURL := oversizedThenEchoServer(t, int(cfg.MaxMessageSize))
	defer srv.Close()

	gotAck := make(chan wire.Envelope, 1)
	c := New(wsURL, nil, cfg, func(env wire.Envelope) {
		if env.Cmd == wire.CmdSessionMessageAck {
			gotAck <- env
		}
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	// Give the oversized frame time to arrive and be discarded before
	// asserting the connection is still usable.
	time.Sleep(100 * time.Millisecond)
	if c.State() != Connected {
		t.Fatalf("State() = %v, want Connected (oversized frame must not tear down the connection)", c.State())
	}

	if err := c.Send(wire.CmdSessionMessage, wire.SessionMessage{SessionID: "s1", MessageID: "m1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-gotAck:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_message_ack after an oversized frame")
	}

	if c.State() != Connected {
		t.Fatalf("State() = %v, want Connected after a successful round trip", c.State())
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 8
	c := New("ws://127.0.0.1:1", nil, cfg, nil, zap.NewNop())
	err := c.Send(wire.CmdSessionMessage, wire.SessionMessage{SessionID: "a-very-long-session-id-that-overflows"})
	if err != ErrMessageTooLarge {
		t.Fatalf("Send = %v, want ErrMessageTooLarge", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New("ws://127.0.0.1:1", nil, testConfig(), nil, zap.NewNop())
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(context.Background()); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}
