// Package authclient implements the sign-in/sign-out exchange an agent
// performs against its home authority before starting a heartbeat or
// message session, per spec §4.1.
//
// The flow is grounded directly on agentcp_python/base/auth_client.py: an
// initial POST carries the agent id and a request id; the server replies
// with a nonce (and, on the first contact with a given issuer, its own
// certificate and an ECDSA signature over agent_id+request_id); the client
// verifies that signature, checks the issuer certificate directly against
// the pinned root (no AIA issuer fetch is made), then signs the nonce with
// its own ECDSA key and POSTs the signed reply to complete sign-in.
package authclient

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/identity"
)

const (
	httpConnectTimeout = 3 * time.Second
	httpTotalTimeout   = 10 * time.Second

	maxSignInRetries  = 10
	backoffPerRetry   = 2 * time.Second
	backoffCap        = 30 * time.Second
)

// SignInResult is the session material returned by a successful sign-in,
// per spec §4.1: the heartbeat server's address and the sign cookie used on
// every subsequent UDP frame.
type SignInResult struct {
	ServerIP   string
	Port       int
	SignCookie string
	Signature  string
}

type signInRequest struct {
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
}

type signInChallenge struct {
	Nonce     string `json:"nonce,omitempty"`
	Cert      string `json:"cert,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type signInReply struct {
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
	Nonce     string `json:"nonce"`
	PublicKey string `json:"public_key"`
	Cert      string `json:"cert"`
	Signature string `json:"signature"`
}

type signInResponse struct {
	signInChallenge
	ServerIP   string `json:"server_ip"`
	Port       int    `json:"port"`
	SignCookie string `json:"sign_cookie"`
	Error      string `json:"error"`
}

type signOutRequest struct {
	AgentID   string `json:"agent_id"`
	Signature string `json:"signature"`
}

// IssuerVerifier validates a server certificate against a pinned root.
// Every Verify call checks the certificate on its own: issuer URLs are not
// fetched, and verified issuers are not cached.
type IssuerVerifier struct {
	rootCA []byte

	mu      sync.Mutex
	trusted map[string]bool
}

// NewIssuerVerifier builds a verifier pinned to rootCAPEM.
func NewIssuerVerifier(rootCAPEM []byte) *IssuerVerifier {
	return &IssuerVerifier{rootCA: rootCAPEM, trusted: make(map[string]bool)}
}

// Verify checks that certPEM is signed directly by the pinned root.
// Intermediate issuers named in the certificate's AIA extension are not
// fetched, so a certificate issued by an intermediate fails verification.
func (v *IssuerVerifier) Verify(certPEM []byte) error {
	der, err := pemDecode(certPEM)
	if err != nil {
		return err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("authclient: parse server cert: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(v.rootCA)

	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return fmt.Errorf("authclient: server cert does not chain to pinned root: %w", err)
	}
	return nil
}

// pemDecode extracts the DER bytes from a single PEM block.
func pemDecode(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("authclient: input is not valid PEM")
	}
	return block.Bytes, nil
}

// Client performs sign-in/sign-out against one authority server.
type Client struct {
	AgentID   string
	ServerURL string
	Creds     *identity.Credentials
	Verifier  *IssuerVerifier

	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	signature string
}

// New constructs a Client. If skipTLSVerify is true the client-level HTTP
// transport does not validate the server's TLS certificate, matching the
// Python reference's verify=False — application-level chain verification
// still happens via Verifier during the sign-in handshake.
func New(agentID, serverURL string, creds *identity.Credentials, verifier *IssuerVerifier, skipTLSVerify bool, logger *zap.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: skipTLSVerify},
	}
	return &Client{
		AgentID:   agentID,
		ServerURL: serverURL,
		Creds:     creds,
		Verifier:  verifier,
		httpClient: &http.Client{
			Timeout:   httpTotalTimeout,
			Transport: transport,
		},
		logger: logger.Named("authclient"),
	}
}

// SignIn performs the challenge/response handshake, retrying up to
// maxSignInRetries times with linear backoff capped at 30s (2s, 4s, 6s, ...)
// per the Python reference. Returns the first successful result, or the
// last error encountered once retries are exhausted.
func (c *Client) SignIn(ctx context.Context) (SignInResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxSignInRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * backoffPerRetry
			if wait > backoffCap {
				wait = backoffCap
			}
			c.logger.Info("sign in retry", zap.Int("attempt", attempt), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return SignInResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := c.signInOnce(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logger.Warn("sign in attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return SignInResult{}, fmt.Errorf("authclient: sign in failed after %d retries: %w", maxSignInRetries, lastErr)
}

func (c *Client) signInOnce(ctx context.Context) (SignInResult, error) {
	requestID := randomHex(16)

	challenge, err := c.postSignIn(ctx, signInRequest{AgentID: c.AgentID, RequestID: requestID})
	if err != nil {
		return SignInResult{}, err
	}
	if challenge.Nonce == "" {
		return SignInResult{}, fmt.Errorf("authclient: sign in challenge carried no nonce")
	}

	key, err := c.Creds.Key()
	if err != nil {
		return SignInResult{}, fmt.Errorf("authclient: load private key: %w", err)
	}
	certPEM, err := c.Creds.Cert()
	if err != nil {
		return SignInResult{}, fmt.Errorf("authclient: load cert: %w", err)
	}

	if challenge.Cert != "" && challenge.Signature != "" {
		if err := c.verifyServerChallenge(requestID, challenge); err != nil {
			return SignInResult{}, err
		}
	}

	sig, err := signNonce(key, challenge.Nonce)
	if err != nil {
		return SignInResult{}, err
	}

	reply := signInReply{
		AgentID:   c.AgentID,
		RequestID: requestID,
		Nonce:     challenge.Nonce,
		PublicKey: "", // derived server-side from the certificate.
		Cert:      string(certPEM),
		Signature: hex.EncodeToString(sig),
	}
	resp, err := c.postSignInReply(ctx, reply)
	if err != nil {
		return SignInResult{}, err
	}
	if resp.Error != "" {
		return SignInResult{}, fmt.Errorf("authclient: sign in rejected: %s", resp.Error)
	}

	c.mu.Lock()
	c.signature = resp.Signature
	c.mu.Unlock()

	if resp.ServerIP == "" || resp.Port == 0 || resp.SignCookie == "" {
		return SignInResult{}, fmt.Errorf("authclient: sign in response missing server address or cookie")
	}
	return SignInResult{
		ServerIP:   resp.ServerIP,
		Port:       resp.Port,
		SignCookie: resp.SignCookie,
		Signature:  resp.Signature,
	}, nil
}

func (c *Client) verifyServerChallenge(requestID string, challenge signInChallenge) error {
	sig, err := hex.DecodeString(challenge.Signature)
	if err != nil {
		return fmt.Errorf("authclient: decode server signature: %w", err)
	}

	der, err := pemDecode([]byte(challenge.Cert))
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("authclient: parse server challenge cert: %w", err)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("authclient: server challenge cert does not carry an ECDSA key")
	}

	msg := []byte(lower(c.AgentID + requestID))
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("authclient: server challenge signature verification failed")
	}

	if c.Verifier != nil {
		if err := c.Verifier.Verify([]byte(challenge.Cert)); err != nil {
			return err
		}
	}
	return nil
}

// SignOut notifies the authority that this agent's session is ending. It is
// a best-effort call: failures are logged and swallowed, matching the
// Python reference's sign_out behavior.
func (c *Client) SignOut(ctx context.Context) {
	c.mu.Lock()
	sig := c.signature
	c.mu.Unlock()
	if sig == "" {
		return
	}

	body, _ := json.Marshal(signOutRequest{AgentID: c.AgentID, Signature: sig})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL+"/sign_out", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("sign out request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("sign out failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("sign out rejected", zap.Int("status", resp.StatusCode))
		return
	}
	c.logger.Info("sign out ok")
}

// Signature returns the signature token bound by the last successful
// sign-in, for callers that must re-present it on later requests.
func (c *Client) Signature() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature
}

func (c *Client) postSignIn(ctx context.Context, reqBody signInRequest) (signInChallenge, error) {
	body, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL+"/sign_in", bytes.NewReader(body))
	if err != nil {
		return signInChallenge{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signInChallenge{}, fmt.Errorf("authclient: sign in request: %w", err)
	}
	defer resp.Body.Close()

	var out signInChallenge
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return signInChallenge{}, fmt.Errorf("authclient: decode sign in challenge: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return signInChallenge{}, fmt.Errorf("authclient: sign in request rejected: status %d", resp.StatusCode)
	}
	return out, nil
}

func (c *Client) postSignInReply(ctx context.Context, reply signInReply) (signInResponse, error) {
	body, _ := json.Marshal(reply)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL+"/sign_in", bytes.NewReader(body))
	if err != nil {
		return signInResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signInResponse{}, fmt.Errorf("authclient: sign in reply: %w", err)
	}
	defer resp.Body.Close()

	var out signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return signInResponse{}, fmt.Errorf("authclient: decode sign in response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return signInResponse{}, fmt.Errorf("authclient: sign in reply rejected: status %d", resp.StatusCode)
	}
	return out, nil
}

func (c *Client) userAgent() string {
	return fmt.Sprintf("AgentCP/1.0 (AuthClient; %s)", c.AgentID)
}

func signNonce(key *ecdsa.PrivateKey, nonce string) ([]byte, error) {
	digest := sha256.Sum256([]byte(nonce))
	sig, err := ecdsa.SignASN1(crand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("authclient: sign nonce: %w", err)
	}
	return sig, nil
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = crand.Read(buf)
	return hex.EncodeToString(buf)
}
