// Package session implements the state for one logical multi-party
// conversation, per spec §4.5/§3.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/msgclient"
	"github.com/arkeep-io/agentcp/internal/streamclient"
	"github.com/arkeep-io/agentcp/internal/wire"
)

// createStreamAttemptTimeout bounds each individual create-stream attempt
// and each wait-for-reconnection poll, per spec §4.5's "10s bound".
const createStreamAttemptTimeout = 10 * time.Second

// createStreamMaxRetries is the number of additional attempts the public
// CreateStream makes after a connection-lost result, per spec §4.5 step 6
// ("up to 2 additional attempts").
const createStreamMaxRetries = 2

const reconnectPollInterval = 200 * time.Millisecond

// State is the Session lifecycle, per spec §3: "New → Open → Closed".
type State int32

const (
	StateNew State = iota
	Open
	Closed
)

// Role is derived from whether this agent holds the session's invite code,
// per spec §3: "owner if identifying_code set; member otherwise".
type Role int32

const (
	Member Role = iota
	Owner
)

// Sender is the minimal MessageClient surface a Session needs: send an
// envelope, and block for a create-stream ack. Defined here (rather than
// holding a *msgclient.Client) so Session depends only on the behavior it
// uses, matching the teacher's habit of small locally-defined interfaces
// (see executor.LogSink/StatusReporter in agent/internal/executor).
type Sender interface {
	Send(cmd string, data any) error
	CreateStream(ctx context.Context, req wire.CreateStreamReq) (wire.CreateStreamAck, error)
	Connected() bool
}

// Session is one conversation's client-side state.
type Session struct {
	ID              string
	IdentifyingCode string // set only if this agent is the owner
	InviteMessage   wire.InviteNotification
	AgentID         string
	Client          Sender
	logger          *zap.Logger

	mu     sync.Mutex
	state  State
	role   Role
	streams map[string]*streamclient.Client // push_url -> client
}

// New constructs a Session in the New state. Role is Owner iff
// identifyingCode is non-empty.
func New(id, identifyingCode, agentID string, client Sender, logger *zap.Logger) *Session {
	role := Member
	if identifyingCode != "" {
		role = Owner
	}
	return &Session{
		ID:              id,
		IdentifyingCode: identifyingCode,
		AgentID:         agentID,
		Client:          client,
		logger:          logger.Named("session"),
		state:           StateNew,
		role:            role,
		streams:         make(map[string]*streamclient.Client),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarkOpen transitions New → Open, called once the owner-create or
// join-session ack confirms membership.
func (s *Session) MarkOpen() { s.setState(Open) }

// Invite sends invite_agent_req; only valid for the owner per spec's table.
func (s *Session) Invite(agentID string) error {
	if s.Role() != Owner {
		return fmt.Errorf("session: invite requires owner role")
	}
	return s.Client.Send(wire.CmdInviteAgent, wire.InviteAgentReq{SessionID: s.ID, AgentID: agentID})
}

// Eject sends eject_agent_req; only valid for the owner.
func (s *Session) Eject(agentID string) error {
	if s.Role() != Owner {
		return fmt.Errorf("session: eject requires owner role")
	}
	return s.Client.Send(wire.CmdEjectAgent, wire.EjectAgentReq{SessionID: s.ID, AgentID: agentID})
}

// SendMessage URL-encodes the JSON-marshalled content blocks and sends
// session_message, per spec §4.5's envelope rule. messageID defaults to the
// caller's unix-millisecond send time when empty.
func (s *Session) SendMessage(toAIDs []string, blocks []wire.Block, messageID, refMsgID string, unixMS int64) error {
	if s.State() != Open {
		return fmt.Errorf("session: send requires Open state")
	}
	body, err := wire.EncodeBlocks(blocks)
	if err != nil {
		return fmt.Errorf("session: encode message blocks: %w", err)
	}
	if messageID == "" {
		messageID = fmt.Sprintf("%d", unixMS)
	}
	msg := wire.SessionMessage{
		SessionID: s.ID,
		MessageID: messageID,
		RefMsgID:  refMsgID,
		ToAIDs:    strings.Join(toAIDs, ","),
		FromAID:   s.AgentID,
		Message:   url.QueryEscape(string(body)),
		Timestamp: unixMS,
	}
	return s.Client.Send(wire.CmdSessionMessage, msg)
}

// CreateStream implements spec §4.5's create-stream algorithm end to end:
// register a waiter, send the request, wait up to 10s, then open a
// StreamClient to the returned push_url. If an attempt fails with a
// connection-lost or timeout result, it waits for the socket to return to
// Connected (up to 10s) and retries, for up to createStreamMaxRetries
// additional attempts. Non-connection errors (a rejected request, a failed
// StreamClient handshake) are returned directly without retrying.
func (s *Session) CreateStream(ctx context.Context, name, streamType, requestID string, signature string, logger *zap.Logger) (*streamclient.Client, string, error) {
	if s.State() != Open {
		return nil, "", fmt.Errorf("session: create stream requires Open state")
	}

	var lastErr error
	for attempt := 0; attempt <= createStreamMaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitForReconnection(ctx, createStreamAttemptTimeout); err != nil {
				return nil, "", fmt.Errorf("session: create stream: %w", lastErr)
			}
		}

		sc, pullURL, err := s.createStreamAttempt(ctx, name, streamType, requestID, signature, logger)
		if err == nil {
			return sc, pullURL, nil
		}
		if !isRetryableCreateStreamErr(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("session: create stream: exhausted %d retries: %w", createStreamMaxRetries, lastErr)
}

// createStreamAttempt is the single-attempt body of spec §4.5's create-stream
// algorithm, steps 2-5: send the request, wait up to 10s for the ack, then
// open the returned push_url.
func (s *Session) createStreamAttempt(ctx context.Context, name, streamType, requestID, signature string, logger *zap.Logger) (*streamclient.Client, string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, createStreamAttemptTimeout)
	defer cancel()

	ack, err := s.Client.CreateStream(waitCtx, wire.CreateStreamReq{
		RequestID:  requestID,
		SessionID:  s.ID,
		StreamType: streamType,
		Name:       name,
	})
	if err != nil {
		return nil, "", fmt.Errorf("session: create stream: %w", err)
	}
	if ack.Error != "" {
		return nil, "", fmt.Errorf("session: create stream rejected: %s", ack.Error)
	}

	sc := streamclient.New(ack.PushURL, s.AgentID, signature, logger)
	if err := sc.Open(ctx); err != nil {
		return nil, "", fmt.Errorf("session: open stream client: %w", err)
	}

	s.mu.Lock()
	s.streams[ack.PushURL] = sc
	s.mu.Unlock()

	return sc, ack.PullURL, nil
}

// isRetryableCreateStreamErr reports whether err represents the connection-
// lost or timeout outcomes of spec §4.5 step 5, the only outcomes the public
// CreateStream retries; a rejected ack or a failed stream handshake is
// returned to the caller directly.
func isRetryableCreateStreamErr(err error) bool {
	return errors.Is(err, msgclient.ErrConnectionLost) || errors.Is(err, context.DeadlineExceeded)
}

// waitForReconnection polls Client.Connected until it reports true or
// timeout elapses, per spec §4.5 step 6's wait_for_reconnection(10s).
func (s *Session) waitForReconnection(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(reconnectPollInterval)
	defer ticker.Stop()

	for {
		if s.Client.Connected() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session: gave up waiting for reconnection after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CloseStream closes and forgets the stream client registered at pushURL.
func (s *Session) CloseStream(pushURL string) error {
	s.mu.Lock()
	sc, ok := s.streams[pushURL]
	if ok {
		delete(s.streams, pushURL)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: no stream registered at %s", pushURL)
	}
	return sc.Close()
}

// Rejoin sends join_session_req without an inviter, using the owner's own
// invite code — the owner-rejoin-after-reconnect path, per spec §4.5's
// table ("Owner rejoin").
func (s *Session) Rejoin() error {
	if s.Role() != Owner {
		return fmt.Errorf("session: rejoin requires owner role")
	}
	return s.Client.Send(wire.CmdJoinSession, wire.JoinSessionReq{SessionID: s.ID, InviteCode: s.IdentifyingCode})
}

// ReacceptInvite re-sends join_session_req using the stored invite
// message — the member re-accept path after a reconnect.
func (s *Session) ReacceptInvite() error {
	if s.Role() != Member {
		return fmt.Errorf("session: reaccept requires member role")
	}
	return s.Client.Send(wire.CmdJoinSession, wire.JoinSessionReq{
		SessionID:  s.ID,
		Inviter:    s.InviteMessage.Inviter,
		InviteCode: s.InviteMessage.InviteCode,
	})
}

// Leave sends leave_session_req and transitions to Closed.
func (s *Session) Leave() error {
	err := s.Client.Send(wire.CmdLeaveSession, wire.EjectAgentReq{SessionID: s.ID, AgentID: s.AgentID})
	s.setState(Closed)
	return err
}

// Close sends close_session_req (owner-only teardown of the whole session)
// and transitions to Closed, closing every open stream first.
func (s *Session) Close() error {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*streamclient.Client)
	s.mu.Unlock()

	for _, sc := range streams {
		if err := sc.Close(); err != nil {
			s.logger.Warn("error closing stream during session close", zap.Error(err))
		}
	}

	err := s.Client.Send(wire.CmdCloseSession, wire.EjectAgentReq{SessionID: s.ID, AgentID: s.AgentID})
	s.setState(Closed)
	return err
}
