package sessionmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/msgclient"
	"github.com/arkeep-io/agentcp/internal/session"
	"github.com/arkeep-io/agentcp/internal/wire"
)

func testMsgClientConfig() config.MessageClient {
	cfg := config.DefaultMessageClient()
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.PingInterval = 50 * time.Millisecond
	return cfg
}

// createSessionServer echoes a create_session_ack for every create_session_req
// it receives, with the given status and identifying code.
func createSessionServer(t *testing.T, status int, identifyingCode string) (*httptest.Server, string) {
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
			if err != nil || env.Cmd != wire.CmdCreateSession {
				continue
			}
			var req wire.CreateSessionReq
			_ = json.Unmarshal(env.Data, &req)
			raw, _ := wire.Encode(wire.CmdCreateSessionAck, wire.CreateSessionAck{
				RequestID:       req.RequestID,
				Status:          status,
				SessionID:       "s1",
				IdentifyingCode: identifyingCode,
			})
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func newConnectedClient(t *testing.T, wsURL string, onEnvelope msgclient.EnvelopeHandler) *msgclient.Client {
	t.Helper()
	c := msgclient.New(wsURL, nil, testMsgClientConfig(), onEnvelope, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestCreateSessionHappyPath(t *testing.T) {
	srv, wsURL := createSessionServer(t, 200, "owner-code")
	defer srv.Close()

	m := New("a.corp.example", nil, nil, zap.NewNop())
	client := newConnectedClient(t, wsURL, func(env wire.Envelope) { m.HandleEnvelope(env) })

	s, err := m.CreateSession(context.Background(), client, "a.corp.example", "room", "subject", zap.NewNop())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "s1" {
		t.Errorf("session ID = %q, want s1", s.ID)
	}
	if s.Role() != session.Owner {
		t.Errorf("Role() = %v, want Owner since the ack carried an identifying code", s.Role())
	}
	if s.State() != session.Open {
		t.Error("CreateSession should mark the new session Open")
	}
	if got, ok := m.Session("s1"); !ok || got != s {
		t.Error("CreateSession should register the new session under its id")
	}
}

func TestCreateSessionRejected(t *testing.T) {
	srv, wsURL := createSessionServer(t, 403, "")
	defer srv.Close()

	m := New("a.corp.example", nil, nil, zap.NewNop())
	client := newConnectedClient(t, wsURL, func(env wire.Envelope) { m.HandleEnvelope(env) })

	if _, err := m.CreateSession(context.Background(), client, "a.corp.example", "room", "subject", zap.NewNop()); err == nil {
		t.Fatal("CreateSession should fail when the server rejects with a non-200 status")
	}
}

func TestCreateSessionTimesOutAndForgetsWaiter(t *testing.T) {
	// A server that never replies forces CreateSession to hit its own
	// timeout; use a short ctx so the test doesn't wait the full 10s.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := New("a.corp.example", nil, nil, zap.NewNop())
	client := newConnectedClient(t, wsURL, func(env wire.Envelope) { m.HandleEnvelope(env) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.CreateSession(ctx, client, "a.corp.example", "room", "subject", zap.NewNop()); err == nil {
		t.Fatal("CreateSession should time out when no ack ever arrives")
	}

	m.waitersMu.Lock()
	_, stillWaiting := m.createSessionWait["anything"]
	count := len(m.createSessionWait)
	m.waitersMu.Unlock()
	if stillWaiting || count != 0 {
		t.Errorf("waiter map should be empty after a timeout, has %d entries", count)
	}
}

func TestRegisterSessionDedupesConcurrentCreate(t *testing.T) {
	m := New("a.corp.example", nil, nil, zap.NewNop())

	first := session.New("s1", "owner-code", "a.corp.example", nil, zap.NewNop())
	second := session.New("s1", "owner-code", "a.corp.example", nil, zap.NewNop())

	got1 := m.RegisterSession(first)
	got2 := m.RegisterSession(second)

	if got1 != first {
		t.Error("first RegisterSession call should register and return its own session")
	}
	if got2 != first {
		t.Error("second RegisterSession call for the same id should discard its session and return the first")
	}
}

func TestMessageClientForCachesAndDedups(t *testing.T) {
	srv, wsURL := createSessionServer(t, 200, "code")
	defer srv.Close()

	m := New("a.corp.example", nil, nil, zap.NewNop())

	var constructCount int
	newClient := func() (*msgclient.Client, error) {
		constructCount++
		return msgclient.New(wsURL, nil, testMsgClientConfig(), nil, zap.NewNop()), nil
	}

	mc1, err := m.MessageClientFor(context.Background(), wsURL, newClient)
	if err != nil {
		t.Fatalf("MessageClientFor: %v", err)
	}
	mc2, err := m.MessageClientFor(context.Background(), wsURL, newClient)
	if err != nil {
		t.Fatalf("MessageClientFor (second call): %v", err)
	}
	if mc1 != mc2 {
		t.Error("MessageClientFor should return the cached client on the second call")
	}
	if constructCount != 1 {
		t.Errorf("constructCount = %d, want 1 (second call should hit the cache before constructing)", constructCount)
	}
	_ = mc1.Close(context.Background())
}

func TestAuthClientForCaches(t *testing.T) {
	m := New("a.corp.example", nil, nil, zap.NewNop())
	var constructCount int
	newClient := func() *authclient.Client {
		constructCount++
		return authclient.New("a.corp.example", "http://auth.corp.example", nil, nil, false, zap.NewNop())
	}

	ac1 := m.AuthClientFor("http://auth.corp.example", newClient)
	ac2 := m.AuthClientFor("http://auth.corp.example", newClient)
	if ac1 != ac2 {
		t.Error("AuthClientFor should return the cached client on the second call")
	}
	if constructCount != 1 {
		t.Errorf("constructCount = %d, want 1", constructCount)
	}
}

func TestHandleEnvelopeSessionMessageDecodesBlocks(t *testing.T) {
	var gotSessionID string
	var gotBlocks []wire.Block
	m := New("a.corp.example", func(sessionID string, blocks []wire.Block, msg wire.SessionMessage) {
		gotSessionID = sessionID
		gotBlocks = blocks
	}, nil, zap.NewNop())

	body, err := wire.EncodeBlocks([]wire.Block{wire.NewContentBlock("hi", 1)})
	if err != nil {
		t.Fatalf("EncodeBlocks: %v", err)
	}
	msg := wire.SessionMessage{SessionID: "s1", MessageID: "m1", Message: url.QueryEscape(string(body))}
	raw, err := wire.Encode(wire.CmdSessionMessage, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	m.HandleEnvelope(env)

	if gotSessionID != "s1" {
		t.Errorf("gotSessionID = %q, want s1", gotSessionID)
	}
	if len(gotBlocks) != 1 || gotBlocks[0].Content != "hi" {
		t.Errorf("gotBlocks = %+v, unexpected", gotBlocks)
	}
}

func TestHandleEnvelopeAckCallback(t *testing.T) {
	var received []string
	m := New("a.corp.example", nil, func(env wire.Envelope) { received = append(received, env.Cmd) }, zap.NewNop())

	for _, cmd := range []string{wire.CmdInviteAgentAck, wire.CmdSessionMessageAck, wire.CmdSystemMessage} {
		raw, _ := wire.Encode(cmd, struct{}{})
		env, _ := wire.Decode(raw)
		m.HandleEnvelope(env)
	}
	if len(received) != 3 {
		t.Fatalf("received = %v, want 3 ack callbacks", received)
	}
}

func TestHandleEnvelopeUnrecognizedCommandIsIgnored(t *testing.T) {
	m := New("a.corp.example", nil, nil, zap.NewNop())
	raw, _ := wire.Encode("something_unknown", struct{}{})
	env, _ := wire.Decode(raw)
	m.HandleEnvelope(env) // must not panic
}

func TestCloseAllSessionsClearsRegistry(t *testing.T) {
	srv, wsURL := createSessionServer(t, 200, "owner-code")
	defer srv.Close()

	m := New("a.corp.example", nil, nil, zap.NewNop())
	client := newConnectedClient(t, wsURL, func(env wire.Envelope) { m.HandleEnvelope(env) })

	s, err := m.CreateSession(context.Background(), client, "a.corp.example", "room", "subject", zap.NewNop())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	m.mu.Lock()
	m.messageClients[wsURL] = client
	m.mu.Unlock()

	m.CloseAllSessions(context.Background())

	if _, ok := m.Session(s.ID); ok {
		t.Error("CloseAllSessions should remove every registered session")
	}
	m.mu.Lock()
	remaining := len(m.messageClients)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("remaining message clients = %d, want 0", remaining)
	}
}
