// Package heartbeat implements the UDP liveness channel an agent keeps open
// with its home authority after signing in, per spec §4.2.
//
// The shape is grounded directly on heartbeat/heartbeat_client.py: a send
// loop paces heartbeat frames at the server-assigned interval and watches
// for response timeout; a receive loop decodes heartbeat acks and invite
// notifications off the same socket; consecutive send/receive failures
// beyond a threshold, or a missed-heartbeat timeout, trigger a locked,
// rate-limited reconnect that re-runs sign-in and rebinds the socket. The
// reconnect rate-limiting and backoff shape also matches the teacher's
// agent/internal/connection.Manager, which guards its own reconnect loop
// with backoff state and a lock so concurrent failure reports do not pile
// up duplicate reconnect attempts.
package heartbeat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/wire"
)

const (
	maxSendFailures       = 3
	maxRecvFailures       = 3
	missedHeartbeatFactor = config.HeartbeatMissedThreshold
	reconnectBackoffCap   = 30 * time.Second
	reconnectRateLimit    = 5 * time.Second
	socketReadTimeout     = 1 * time.Second
	udpRecvBufferSize     = 1536

	// sendBackoffBase/sendBackoffFactor/sendBackoffCap pace retries between
	// failed heartbeat sends, per spec §4.2's "otherwise exponential backoff
	// (1 → 30s cap) before retrying" — the same base/factor/cap shape
	// msgclient's reconnectWorker uses for its own backoff.
	sendBackoffBase   = 1 * time.Second
	sendBackoffFactor = 2.0
	sendBackoffCap    = 30 * time.Second
)

// InviteHandler is invoked when an invite notification arrives on the
// heartbeat socket, per spec §4.2. Implementations typically hand the
// invite off to the SessionManager's join flow.
type InviteHandler func(inv wire.InviteNotification)

// Client maintains the UDP heartbeat channel for one signed-in agent.
type Client struct {
	AgentID string
	auth    *authclient.Client
	logger  *zap.Logger

	onInvite InviteHandler

	serverIP   string
	serverPort int
	signCookie string

	mu       sync.Mutex
	conn     *net.UDPConn
	localSeq uint32

	running    atomic.Bool
	intervalMS atomic.Int64

	lastSendMS    atomic.Int64
	lastRecvAckMS atomic.Int64
	sendFailures  atomic.Int32
	recvFailures  atomic.Int32

	reconnectMu     sync.Mutex
	lastReconnectAt time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a heartbeat Client bound to an already-constructed auth
// client; call Online to sign in and start the send/receive loops.
func New(agentID string, auth *authclient.Client, onInvite InviteHandler, logger *zap.Logger) *Client {
	c := &Client{
		AgentID:  agentID,
		auth:     auth,
		onInvite: onInvite,
		logger:   logger.Named("heartbeat"),
	}
	c.intervalMS.Store(5000)
	return c
}

// Online signs in and starts the send and receive loops. It is a no-op if
// already running.
func (c *Client) Online(ctx context.Context) error {
	if c.running.Load() {
		return nil
	}
	if err := c.signIn(ctx); err != nil {
		return err
	}
	if err := c.bindSocket(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running.Store(true)
	c.lastRecvAckMS.Store(time.Now().UnixMilli())

	c.wg.Add(2)
	go c.sendLoop(runCtx)
	go c.recvLoop(runCtx)

	c.logger.Info("heartbeat online", zap.String("server_ip", c.serverIP), zap.Int("port", c.serverPort))
	return nil
}

// Offline stops the send/receive loops and closes the socket, waiting for
// both goroutines to exit (bounded by ctx).
func (c *Client) Offline(ctx context.Context) {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.closeSocket()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("heartbeat offline: loops did not exit before deadline")
	}
	c.auth.SignOut(context.Background())
	c.logger.Info("heartbeat offline")
}

func (c *Client) signIn(ctx context.Context) error {
	result, err := c.auth.SignIn(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: sign in: %w", err)
	}
	c.serverIP = result.ServerIP
	c.serverPort = result.Port
	c.signCookie = result.SignCookie
	return nil
}

func (c *Client) bindSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSocketLocked()

	addr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return fmt.Errorf("heartbeat: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("heartbeat: bind udp socket: %w", err)
	}
	_ = conn.SetReadBuffer(udpRecvBufferSize)
	c.conn = conn
	return nil
}

func (c *Client) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSocketLocked()
}

func (c *Client) closeSocketLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) serverAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.serverIP, c.serverPort))
}

// sendLoop paces outgoing heartbeat frames at the server-assigned interval
// and watches for a missed-heartbeat timeout, per spec §4.2.
func (c *Client) sendLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// backoff/nextAttempt are owned solely by this goroutine: they pace
	// retries after a failed send, separate from the server-assigned
	// intervalMS pacing of successful sends.
	backoff := time.Duration(0)
	var nextAttempt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nowT := time.Now()
		now := nowT.UnixMilli()
		lastAck := c.lastRecvAckMS.Load()
		if lastAck > 0 {
			timeout := int64(missedHeartbeatFactor) * c.intervalMS.Load()
			if now-lastAck > timeout {
				c.logger.Warn("heartbeat response timeout", zap.Int64("elapsed_ms", now-lastAck))
				c.reconnect(ctx, "heartbeat_response_timeout")
				continue
			}
		}

		if nowT.Before(nextAttempt) {
			continue
		}
		if now < c.lastSendMS.Load()+c.intervalMS.Load() {
			continue
		}

		if err := c.sendHeartbeat(); err != nil {
			failures := c.sendFailures.Add(1)
			c.logger.Error("heartbeat send failed", zap.Int32("failures", failures), zap.Error(err))
			if int(failures) >= maxSendFailures {
				c.reconnect(ctx, "send_failures_threshold")
				backoff = 0
				continue
			}
			if backoff == 0 {
				backoff = sendBackoffBase
			} else {
				backoff = time.Duration(float64(backoff) * sendBackoffFactor)
				if backoff > sendBackoffCap {
					backoff = sendBackoffCap
				}
			}
			nextAttempt = time.Now().Add(backoff)
			continue
		}
		backoff = 0
		c.sendFailures.Store(0)
		c.lastSendMS.Store(now)
	}
}

func (c *Client) sendHeartbeat() error {
	seq := atomic.AddUint32(&c.localSeq, 1)
	frame := wire.EncodeHeartbeatRequest(seq, c.AgentID, c.signCookie)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("heartbeat: socket not bound")
	}
	addr, err := c.serverAddr()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(frame, addr)
	return err
}

// recvLoop decodes heartbeat acks and invite notifications off the UDP
// socket, per spec §4.2.
func (c *Client) recvLoop(ctx context.Context) {
	defer c.wg.Done()
	buf := make([]byte, udpRecvBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !c.running.Load() {
				return
			}
			failures := c.recvFailures.Add(1)
			c.logger.Error("heartbeat receive failed", zap.Int32("failures", failures), zap.Error(err))
			if int(failures) >= maxRecvFailures {
				c.reconnect(ctx, "recv_failures_threshold")
			} else {
				time.Sleep(1500 * time.Millisecond)
			}
			continue
		}
		c.recvFailures.Store(0)
		c.handleFrame(buf[:n])
	}
}

func (c *Client) handleFrame(raw []byte) {
	header, err := wire.DecodeHeader(raw)
	if err != nil {
		c.logger.Warn("heartbeat: malformed frame", zap.Error(err))
		return
	}

	switch header.MessageType {
	case wire.MsgTypeHeartbeatResp:
		resp, err := wire.DecodeHeartbeatResponse(raw)
		if err != nil {
			c.logger.Warn("heartbeat: malformed response", zap.Error(err))
			return
		}
		c.lastRecvAckMS.Store(time.Now().UnixMilli())

		if resp.NextBeat == wire.AuthFailureSentinel {
			c.logger.Warn("heartbeat: server reported stale session, reconnecting")
			c.reconnect(context.Background(), "401_auth_failed")
			return
		}
		interval := int64(resp.NextBeat)
		if interval <= 5000 {
			interval = 5000
		}
		c.intervalMS.Store(interval)

	case wire.MsgTypeInviteReq:
		inv, err := wire.DecodeInviteNotification(raw)
		if err != nil {
			c.logger.Warn("heartbeat: malformed invite", zap.Error(err))
			return
		}
		if c.onInvite != nil {
			c.onInvite(inv)
		}
		c.ackInvite(inv.SessionID)

	default:
		c.logger.Debug("heartbeat: unrecognized message type", zap.Uint16("type", header.MessageType))
	}
}

func (c *Client) ackInvite(sessionID string) {
	seq := atomic.AddUint32(&c.localSeq, 1)
	frame := wire.EncodeInviteAck(seq, sessionID)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	addr, err := c.serverAddr()
	if err != nil {
		return
	}
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		c.logger.Warn("heartbeat: invite ack send failed", zap.Error(err))
	}
}

// reconnect re-signs-in and rebinds the socket, rate-limited to at most one
// attempt per reconnectRateLimit and guarded against concurrent callers —
// multiple failure reports racing in from the send and receive loops must
// not trigger overlapping reconnect attempts.
func (c *Client) reconnect(ctx context.Context, reason string) {
	if !c.running.Load() {
		return
	}
	if !c.reconnectMu.TryLock() {
		c.logger.Debug("reconnect already in progress, skipping", zap.String("reason", reason))
		return
	}
	defer c.reconnectMu.Unlock()

	elapsed := time.Since(c.lastReconnectAt)
	if elapsed < reconnectRateLimit {
		wait := reconnectRateLimit - elapsed
		if wait > reconnectBackoffCap {
			wait = reconnectBackoffCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	c.logger.Info("reconnecting", zap.String("reason", reason))
	c.lastReconnectAt = time.Now()

	if err := c.signIn(ctx); err != nil {
		c.logger.Error("reconnect: sign in failed", zap.Error(err))
		return
	}
	if err := c.bindSocket(); err != nil {
		c.logger.Error("reconnect: bind socket failed", zap.Error(err))
		return
	}

	c.sendFailures.Store(0)
	c.recvFailures.Store(0)
	c.lastRecvAckMS.Store(time.Now().UnixMilli())
	c.logger.Info("reconnect successful")
}
