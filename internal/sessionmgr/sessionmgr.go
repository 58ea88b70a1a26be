// Package sessionmgr implements the per-identity registry of sessions and
// message clients, and is the single point of WebSocket ingress parsing for
// every MessageClient it owns, per spec §4.6.
//
// The registry shape — a mutex-guarded map with acquire/lookup/release/I-O
// rule — is grounded on the teacher's server/internal/agentmanager.Manager,
// generalized from "one registry of connected agents" to "three registries
// (sessions, message clients, auth clients) with double-checked create/join
// and a snapshot-then-release close_all_session".
package sessionmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/msgclient"
	"github.com/arkeep-io/agentcp/internal/session"
	"github.com/arkeep-io/agentcp/internal/wire"
)

// createSessionTimeout bounds how long CreateSession waits for the server's
// ack before giving up, per spec §4.5's create-session algorithm.
const createSessionTimeout = 10 * time.Second

// InboundMessageCallback is AgentID's synchronous hand-off: it must only
// enqueue onto the dispatch queue and never block, per spec §4.6.
type InboundMessageCallback func(sessionID string, blocks []wire.Block, msg wire.SessionMessage)

// AckCallback handles invite_agent_ack / session_message_ack / system_message,
// which must also run synchronously and not block.
type AckCallback func(env wire.Envelope)

// Manager owns every Session and MessageClient for one agent identity.
type Manager struct {
	AgentID string
	logger  *zap.Logger

	onInboundMessage InboundMessageCallback
	onAck            AckCallback

	mu             sync.Mutex
	sessions       map[string]*session.Session
	messageClients map[string]*msgclient.Client
	authClients    map[string]*authclient.Client

	waitersMu         sync.Mutex
	createSessionWait map[string]chan wire.CreateSessionAck
}

// New constructs an empty Manager.
func New(agentID string, onInboundMessage InboundMessageCallback, onAck AckCallback, logger *zap.Logger) *Manager {
	return &Manager{
		AgentID:           agentID,
		logger:            logger.Named("sessionmgr"),
		onInboundMessage:  onInboundMessage,
		onAck:             onAck,
		sessions:          make(map[string]*session.Session),
		messageClients:    make(map[string]*msgclient.Client),
		authClients:       make(map[string]*authclient.Client),
		createSessionWait: make(map[string]chan wire.CreateSessionAck),
	}
}

// MessageClientFor returns the MessageClient for serverURL, creating one via
// newClient and starting it if absent; AuthClients are cached separately by
// AuthClientFor. Double-checked: if two callers
// race to create the client for the same URL, the second discards its own
// and returns the first's.
func (m *Manager) MessageClientFor(ctx context.Context, serverURL string, newClient func() (*msgclient.Client, error)) (*msgclient.Client, error) {
	m.mu.Lock()
	if mc, ok := m.messageClients[serverURL]; ok {
		m.mu.Unlock()
		return mc, nil
	}
	m.mu.Unlock()

	mc, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: construct message client: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.messageClients[serverURL]; ok {
		m.mu.Unlock()
		_ = mc.Close(ctx)
		return existing, nil
	}
	m.messageClients[serverURL] = mc
	m.mu.Unlock()

	if err := mc.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.messageClients, serverURL)
		m.mu.Unlock()
		return nil, fmt.Errorf("sessionmgr: start message client: %w", err)
	}
	return mc, nil
}

// AuthClientFor returns the cached AuthClient for serverURL, constructing
// one via newClient if absent, so clients on the same server reuse the
// same signature token per spec §4.6.
func (m *Manager) AuthClientFor(serverURL string, newClient func() *authclient.Client) *authclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.authClients[serverURL]; ok {
		return ac
	}
	ac := newClient()
	m.authClients[serverURL] = ac
	return ac
}

// RegisterCreateSessionWaiter returns a one-shot channel that HandleEnvelope
// resolves when a create_session_ack for requestID arrives.
func (m *Manager) RegisterCreateSessionWaiter(requestID string) chan wire.CreateSessionAck {
	ch := make(chan wire.CreateSessionAck, 1)
	m.waitersMu.Lock()
	m.createSessionWait[requestID] = ch
	m.waitersMu.Unlock()
	return ch
}

// ForgetCreateSessionWaiter removes a waiter that timed out before an ack
// arrived, so a late ack doesn't write to a channel nobody is reading.
func (m *Manager) ForgetCreateSessionWaiter(requestID string) {
	m.waitersMu.Lock()
	delete(m.createSessionWait, requestID)
	m.waitersMu.Unlock()
}

// CreateSession sends create_session_req over client and blocks for the
// matching create_session_ack, constructing and registering a new owner
// Session on success. agentID is this identity's own AgentID (the new
// Session's role is Owner since it carries the returned identifying code).
func (m *Manager) CreateSession(ctx context.Context, client *msgclient.Client, agentID, name, subject string, logger *zap.Logger) (*session.Session, error) {
	requestID := uuid.New().String()
	waiter := m.RegisterCreateSessionWaiter(requestID)

	if err := client.Send(wire.CmdCreateSession, wire.CreateSessionReq{
		RequestID: requestID,
		Name:      name,
		Subject:   subject,
	}); err != nil {
		m.ForgetCreateSessionWaiter(requestID)
		return nil, fmt.Errorf("sessionmgr: send create_session_req: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, createSessionTimeout)
	defer cancel()

	select {
	case ack := <-waiter:
		if ack.Status != 200 {
			return nil, fmt.Errorf("sessionmgr: create session rejected: %s", ack.Message)
		}
		s := session.New(ack.SessionID, ack.IdentifyingCode, agentID, client, logger)
		s.MarkOpen()
		return m.RegisterSession(s), nil
	case <-waitCtx.Done():
		m.ForgetCreateSessionWaiter(requestID)
		return nil, fmt.Errorf("sessionmgr: create session timed out: %w", waitCtx.Err())
	}
}

// RegisterSession double-checks: if a session with the same id already
// exists (a concurrent join_session/create_session raced this one), the
// existing Session is returned and s is discarded.
func (m *Manager) RegisterSession(s *session.Session) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		return existing
	}
	m.sessions[s.ID] = s
	return s
}

// Session looks up a registered session by id.
func (m *Manager) Session(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HandleEnvelope is the single point of WebSocket ingress parsing, per spec
// §4.6. It never blocks: the inbound-message callback only enqueues onto
// the caller's dispatch queue.
func (m *Manager) HandleEnvelope(env wire.Envelope) {
	switch env.Cmd {
	case wire.CmdCreateSessionAck:
		var ack wire.CreateSessionAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			m.logger.Warn("malformed create_session_ack", zap.Error(err))
			return
		}
		m.waitersMu.Lock()
		ch, ok := m.createSessionWait[ack.RequestID]
		if ok {
			delete(m.createSessionWait, ack.RequestID)
		}
		m.waitersMu.Unlock()
		if ok {
			ch <- ack
			close(ch)
		}

	case wire.CmdSessionMessage:
		var msg wire.SessionMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			m.logger.Warn("malformed session_message", zap.Error(err))
			return
		}
		decoded, err := url.QueryUnescape(msg.Message)
		if err != nil {
			m.logger.Warn("malformed session_message encoding", zap.Error(err))
			return
		}
		blocks, err := wire.DecodeBlocks([]byte(decoded))
		if err != nil {
			m.logger.Warn("malformed session_message blocks", zap.Error(err))
			return
		}
		if m.onInboundMessage != nil {
			m.onInboundMessage(msg.SessionID, blocks, msg)
		}

	case wire.CmdInviteAgentAck, wire.CmdSessionMessageAck, wire.CmdSystemMessage:
		if m.onAck != nil {
			m.onAck(env)
		}

	default:
		m.logger.Debug("sessionmgr: unrecognized envelope", zap.String("cmd", env.Cmd))
	}
}

// CloseAllSessions snapshots the sessions and message clients under lock,
// clears the maps, then closes everything outside the lock, per spec
// §4.6's close_all_session rule.
func (m *Manager) CloseAllSessions(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	clients := m.messageClients
	m.sessions = make(map[string]*session.Session)
	m.messageClients = make(map[string]*msgclient.Client)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn("error closing session", zap.String("session_id", id), zap.Error(err))
		}
	}
	for url, mc := range clients {
		if err := mc.Close(ctx); err != nil {
			m.logger.Warn("error closing message client", zap.String("server_url", url), zap.Error(err))
		}
	}
}
