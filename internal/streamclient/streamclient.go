// Package streamclient implements the secondary, per-stream WebSocket used
// to push text or binary chunks for one active outbound stream, per spec
// §4.4.
//
// Grounded on the teacher's server/internal/websocket/client.go for the
// single-writer/keepalive mechanics (adapted to a client dialer), and on
// spec §4.4's explicit wire shapes for the two chunk kinds: a JSON text
// frame for push_text_stream_req, and the internal/wire 16-byte binary
// header for file chunks. The push-cache budget is implemented with
// golang.org/x/time/rate as a byte-budget token bucket; this package is the
// only user of that dependency in the repository.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arkeep-io/agentcp/internal/wire"
)

const (
	openTimeout = 5 * time.Second

	// pushCacheBudget is the byte budget per spec §4.4 ("64 KiB").
	pushCacheBudget = 64 * 1024
)

// Sentinel errors.
var (
	ErrNotOpen      = errors.New("streamclient: stream is not open")
	ErrReconnectFailed = errors.New("streamclient: reconnect failed, chunk buffered locally")
)

// Client manages one push_url WebSocket for the lifetime of an outbound
// stream, per spec §4.4/§3 ("push URL, signature, open flag, a small
// pending-chunk queue for offline bytes").
type Client struct {
	PushURL   string
	AgentID   string
	Signature string
	logger    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	isOpen bool

	budget *rate.Limiter
	seq    byte

	pendingMu sync.Mutex
	pending   [][]byte
}

// New constructs a Client for a stream's push URL. The push-cache budget
// starts full and refills at a generous rate — callers are expected to
// pace themselves against WaitN rather than the bucket ever actually
// emptying under normal use.
func New(pushURL, agentID, signature string, logger *zap.Logger) *Client {
	return &Client{
		PushURL:   pushURL,
		AgentID:   agentID,
		Signature: signature,
		logger:    logger.Named("streamclient"),
		budget:    rate.NewLimiter(rate.Limit(pushCacheBudget), pushCacheBudget),
	}
}

func (c *Client) dialURL() string {
	sep := "&"
	if !containsQuery(c.PushURL) {
		sep = "?"
	}
	return fmt.Sprintf("%s%sagent_id=%s&signature=%s", c.PushURL, sep, url.QueryEscape(c.AgentID), url.QueryEscape(c.Signature))
}

func containsQuery(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && parsed.RawQuery != ""
}

// Open establishes the connection, waiting up to openTimeout for the
// handshake.
func (c *Client) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: openTimeout}
	conn, _, err := dialer.DialContext(ctx, c.dialURL(), http.Header{})
	if err != nil {
		return fmt.Errorf("streamclient: open: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.isOpen = true
	c.mu.Unlock()

	c.flushPending()
	return nil
}

// IsOpen reports whether the stream socket is currently connected.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// SendTextChunk frames text per spec §4.4: a JSON text frame carrying the
// URL-encoded chunk.
func (c *Client) SendTextChunk(ctx context.Context, text string) error {
	req := wire.PushTextStreamReq{Chunk: url.QueryEscape(text)}
	raw, err := wire.Encode(wire.CmdPushTextStream, req)
	if err != nil {
		return fmt.Errorf("streamclient: encode text chunk: %w", err)
	}
	return c.send(ctx, websocket.TextMessage, raw)
}

// SendBinaryChunk frames payload with the 16-byte binary stream header at
// the given file offset, pacing against the push-cache budget.
func (c *Client) SendBinaryChunk(ctx context.Context, offset uint64, payload []byte) error {
	if err := c.budget.WaitN(ctx, len(payload)); err != nil {
		return fmt.Errorf("streamclient: push-cache budget: %w", err)
	}

	c.seq++
	frame, err := wire.EncodeStreamFrame(c.seq, offset, payload)
	if err != nil {
		return fmt.Errorf("streamclient: encode binary chunk: %w", err)
	}
	return c.send(ctx, websocket.BinaryMessage, frame)
}

// send writes a frame, attempting a best-effort reconnect if the socket is
// currently down; if that also fails the frame is buffered locally and
// ErrReconnectFailed is returned, per spec §4.4's reconnect rule.
func (c *Client) send(ctx context.Context, messageType int, raw []byte) error {
	if !c.IsOpen() {
		if err := c.Open(ctx); err != nil {
			c.bufferPending(raw)
			return ErrReconnectFailed
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.bufferPending(raw)
		return ErrNotOpen
	}

	_ = conn.SetWriteDeadline(time.Now().Add(openTimeout))
	if err := conn.WriteMessage(messageType, raw); err != nil {
		c.mu.Lock()
		c.isOpen = false
		c.mu.Unlock()
		c.bufferPending(raw)
		return fmt.Errorf("streamclient: write: %w", err)
	}
	return nil
}

func (c *Client) bufferPending(raw []byte) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(c.pending, raw)
}

func (c *Client) flushPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for _, raw := range pending {
		_ = conn.SetWriteDeadline(time.Now().Add(openTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			c.logger.Warn("streamclient: failed to flush pending chunk", zap.Error(err))
			c.bufferPending(raw)
			return
		}
	}
}

// Close sends close_stream_req and tears down the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.isOpen = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	raw, _ := wire.Encode(wire.CmdCloseStream, wire.CloseStreamReq{})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
	return conn.Close()
}
