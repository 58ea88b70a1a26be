// Package agentid implements the top-level per-identity runtime described
// in spec §4.7: it composes AuthClient, HeartbeatClient, SessionManager,
// MessageScheduler, the dispatch pipeline, the metrics collector, and the
// monitoring service into one object with an offline/online/reset
// lifecycle.
//
// Grounded on original_source/agentcp_python/agentcp.py's AgentCP class,
// which plays exactly this composing-root role (it owns the heartbeat
// client, the session manager, the dispatch queue, and the handler
// registries, and exposes online()/offline()/reset()); the Go shape keeps
// that composition but replaces Python's asyncio event loop with explicit
// goroutines and context cancellation, following the same substitution
// already used throughout internal/msgclient and internal/heartbeat.
package agentid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/dispatch"
	"github.com/arkeep-io/agentcp/internal/heartbeat"
	"github.com/arkeep-io/agentcp/internal/identity"
	"github.com/arkeep-io/agentcp/internal/metrics"
	"github.com/arkeep-io/agentcp/internal/monitoring"
	"github.com/arkeep-io/agentcp/internal/msgclient"
	"github.com/arkeep-io/agentcp/internal/scheduler"
	"github.com/arkeep-io/agentcp/internal/session"
	"github.com/arkeep-io/agentcp/internal/sessionmgr"
	"github.com/arkeep-io/agentcp/internal/store"
	"github.com/arkeep-io/agentcp/internal/wire"
)

// Config is everything needed to construct an Agent. Fields prefixed with
// a component name (Scheduler, MessageClient) hold that component's
// tunables; see internal/config for their spec-mandated defaults.
type Config struct {
	ID          wire.AgentID
	Credentials *identity.Credentials

	AuthServerURL    string
	MessageServerURL string
	Verifier         *authclient.IssuerVerifier
	SkipTLSVerify    bool

	Scheduler     config.Scheduler
	MessageClient config.MessageClient

	Store               store.Store
	MonitoringStore      monitoring.SnapshotStore
	MonitoringRetention time.Duration

	Logger *zap.Logger
}

// Agent is the top-level per-identity runtime.
type Agent struct {
	id  wire.AgentID
	cfg Config

	logger *zap.Logger

	auth       *authclient.Client
	heartbeat  *heartbeat.Client
	sessionmgr *sessionmgr.Manager
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	monitoring *monitoring.Service
	store      store.Store

	online atomic.Bool

	invitesMu sync.Mutex
	invites   map[string]wire.InviteNotification

	acksMu sync.Mutex
	acks   []func(wire.Envelope)

	homeClientMu sync.Mutex
	homeClient   *msgclient.Client
}

// New constructs an Agent in the offline state. The scheduler and
// monitoring service are created here and persist for the Agent's whole
// lifetime; Online and Reset only start and stop the dispatcher and
// heartbeat/session layers, per spec §4.7's reset-orchestration rule that
// the dispatcher and metrics threads come back up at the end of a reset.
func New(ctx context.Context, cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("agentid").With(zap.String("agent_id", string(cfg.ID)))

	a := &Agent{
		id:      cfg.ID,
		cfg:     cfg,
		logger:  logger,
		store:   cfg.Store,
		metrics: metrics.New(),
		invites: make(map[string]wire.InviteNotification),
	}

	a.auth = authclient.New(string(cfg.ID), cfg.AuthServerURL, cfg.Credentials, cfg.Verifier, cfg.SkipTLSVerify, logger)
	a.heartbeat = heartbeat.New(string(cfg.ID), a.auth, a.handleInvite, logger)
	a.sessionmgr = sessionmgr.New(string(cfg.ID), a.handleInboundMessage, a.handleAck, logger)
	a.scheduler = scheduler.New(ctx, cfg.Scheduler, logger)
	a.dispatcher = dispatch.New(a.scheduler, a.store, a.metrics, a.lookupSession, logger)

	if cfg.MonitoringStore != nil {
		a.monitoring = monitoring.New(string(cfg.ID), a.metrics, cfg.MonitoringStore, logger, cfg.MonitoringRetention)
	}

	return a
}

// Registry exposes the dispatch handler registry so callers can register
// session-scoped, instruction-routed, and global handlers.
func (a *Agent) Registry() *dispatch.Registry { return a.dispatcher.Registry() }

// Metrics returns the shared metrics collector.
func (a *Agent) Metrics() *metrics.Collector { return a.metrics }

// Monitoring returns the monitoring service, or nil if none was configured.
func (a *Agent) Monitoring() *monitoring.Service { return a.monitoring }

// IsOnline reports whether the identity is currently online.
func (a *Agent) IsOnline() bool { return a.online.Load() }

// Online brings the identity online: starts the dispatcher, signs in the
// heartbeat client, connects the home MessageClient, and starts the
// monitoring service. It is idempotent.
func (a *Agent) Online(ctx context.Context) error {
	if a.online.Load() {
		return nil
	}

	a.dispatcher.Start(ctx)

	if err := a.heartbeat.Online(ctx); err != nil {
		a.dispatcher.Stop()
		return fmt.Errorf("agentid: heartbeat online: %w", err)
	}

	mc, err := a.sessionmgr.MessageClientFor(ctx, a.cfg.MessageServerURL, func() (*msgclient.Client, error) {
		return msgclient.New(a.cfg.MessageServerURL, a.authHeaders(), a.cfg.MessageClient, a.sessionmgr.HandleEnvelope, a.logger), nil
	})
	if err != nil {
		a.heartbeat.Offline(ctx)
		a.dispatcher.Stop()
		return fmt.Errorf("agentid: connect home message client: %w", err)
	}
	a.homeClientMu.Lock()
	a.homeClient = mc
	a.homeClientMu.Unlock()

	if a.monitoring != nil {
		a.monitoring.Start(ctx)
	}

	a.online.Store(true)
	a.logger.Info("identity online")
	return nil
}

// Reset takes the identity offline in the exact order named by spec §4.7's
// "Reset orchestration" paragraph, then restarts the dispatcher so the
// identity is immediately ready for a fresh Online call.
func (a *Agent) Reset(ctx context.Context) {
	a.online.Store(false)

	a.dispatcher.Stop()

	if a.monitoring != nil {
		go a.monitoring.Stop() // "stop monitoring service (non-blocking)"
	}

	a.sessionmgr.CloseAllSessions(ctx)
	a.heartbeat.Offline(ctx)

	a.dispatcher.Registry().Reset()

	a.homeClientMu.Lock()
	a.homeClient = nil
	a.homeClientMu.Unlock()

	a.invitesMu.Lock()
	a.invites = make(map[string]wire.InviteNotification)
	a.invitesMu.Unlock()

	a.dispatcher.Start(ctx)
	a.logger.Info("identity reset")
}

// Close performs a final, permanent shutdown: Reset plus stopping the
// scheduler and closing the local store. The Agent is not reusable after
// Close.
func (a *Agent) Close(ctx context.Context) error {
	a.Reset(ctx)
	a.dispatcher.Stop()
	a.scheduler.Stop()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("agentid: close store: %w", err)
		}
	}
	return nil
}

func (a *Agent) authHeaders() map[string]string {
	sig := a.auth.Signature()
	if sig == "" {
		return nil
	}
	return map[string]string{"X-Agent-Signature": sig, "X-Agent-ID": string(a.id)}
}

// CreateSession creates and registers a new owner session on the home
// message client.
func (a *Agent) CreateSession(ctx context.Context, name, subject string) (*session.Session, error) {
	a.homeClientMu.Lock()
	mc := a.homeClient
	a.homeClientMu.Unlock()
	if mc == nil {
		return nil, fmt.Errorf("agentid: not online")
	}
	return a.sessionmgr.CreateSession(ctx, mc, string(a.id), name, subject, a.logger)
}

// Session looks up a registered session by id.
func (a *Agent) Session(id string) (*session.Session, bool) { return a.sessionmgr.Session(id) }

// PendingInvites returns a snapshot of invites received but not yet
// accepted.
func (a *Agent) PendingInvites() []wire.InviteNotification {
	a.invitesMu.Lock()
	defer a.invitesMu.Unlock()
	out := make([]wire.InviteNotification, 0, len(a.invites))
	for _, inv := range a.invites {
		out = append(out, inv)
	}
	return out
}

// AcceptInvite sends join_session_req for a previously received invite and
// registers the resulting member Session. Unlike CreateSession this does
// not wait for join_session_ack before registering: the invite already
// carries the session id and message server the owner assigned, so the
// member session is usable as soon as the request is sent, matching
// original_source/agentcp_python/agentcp.py's join flow, which does not
// block on the ack either.
func (a *Agent) AcceptInvite(ctx context.Context, sessionID string) (*session.Session, error) {
	a.invitesMu.Lock()
	inv, ok := a.invites[sessionID]
	if ok {
		delete(a.invites, sessionID)
	}
	a.invitesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agentid: no pending invite for session %s", sessionID)
	}

	serverURL := inv.MessageServer
	if serverURL == "" {
		serverURL = a.cfg.MessageServerURL
	}
	mc, err := a.sessionmgr.MessageClientFor(ctx, serverURL, func() (*msgclient.Client, error) {
		return msgclient.New(serverURL, a.authHeaders(), a.cfg.MessageClient, a.sessionmgr.HandleEnvelope, a.logger), nil
	})
	if err != nil {
		return nil, fmt.Errorf("agentid: connect invite message client: %w", err)
	}

	s := session.New(inv.SessionID, "", string(a.id), mc, a.logger)
	s.InviteMessage = inv
	if err := mc.Send(wire.CmdJoinSession, wire.JoinSessionReq{
		SessionID:  inv.SessionID,
		Inviter:    inv.Inviter,
		InviteCode: inv.InviteCode,
	}); err != nil {
		return nil, fmt.Errorf("agentid: send join_session_req: %w", err)
	}
	s.MarkOpen()
	return a.sessionmgr.RegisterSession(s), nil
}

// OnAck registers a callback invoked synchronously for invite_agent_ack,
// session_message_ack, and system_message envelopes, per spec §4.6.
func (a *Agent) OnAck(h func(wire.Envelope)) {
	a.acksMu.Lock()
	a.acks = append(a.acks, h)
	a.acksMu.Unlock()
}

func (a *Agent) handleAck(env wire.Envelope) {
	a.acksMu.Lock()
	handlers := make([]func(wire.Envelope), len(a.acks))
	copy(handlers, a.acks)
	a.acksMu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// handleInvite is the heartbeat client's InviteHandler: it only records the
// invite for AcceptInvite to pick up, per spec's note that accepting an
// invite is a deliberate, application-driven action.
func (a *Agent) handleInvite(inv wire.InviteNotification) {
	a.invitesMu.Lock()
	a.invites[inv.SessionID] = inv
	a.invitesMu.Unlock()
	a.logger.Info("invite received", zap.String("session_id", inv.SessionID), zap.String("inviter", inv.Inviter))
}

// handleInboundMessage is SessionManager's synchronous inbound callback: it
// must only enqueue onto the dispatch queue and never block, per spec
// §4.6/§4.7.
func (a *Agent) handleInboundMessage(sessionID string, blocks []wire.Block, msg wire.SessionMessage) {
	isStream := false
	for _, b := range blocks {
		if b.Type == wire.BlockTextEventStream {
			isStream = true
			break
		}
	}
	a.dispatcher.Enqueue(dispatch.Record{
		SessionID:     sessionID,
		MessageID:     msg.MessageID,
		FromAID:       msg.FromAID,
		Instruction:   msg.Instruction,
		Blocks:        blocks,
		IsStreamMsg:   isStream,
		ReceivedAtUTC: time.Now(),
		Raw:           msg,
	})
}

// lookupSession resolves a session id to the dispatch.Replier the ping
// short-circuit replies through.
func (a *Agent) lookupSession(sessionID string) (dispatch.Replier, bool) {
	s, ok := a.sessionmgr.Session(sessionID)
	if !ok {
		return nil, false
	}
	return s, true
}
