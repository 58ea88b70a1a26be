package authclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/identity"
	"github.com/arkeep-io/agentcp/internal/wire"
)

func newTestCreds(t *testing.T) *identity.Credentials {
	t.Helper()
	dir := t.TempDir()
	paths := identity.Paths{AppDir: dir, CertDir: filepath.Join(dir, "Certs")}
	creds := identity.New(wire.AgentID("bot.corp.example"), "seed", paths)
	if err := creds.GenerateAndStore(); err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	if err := os.MkdirAll(paths.CertDir, 0700); err != nil {
		t.Fatalf("mkdir certdir: %v", err)
	}
	dummyCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("not-a-real-cert")})
	if err := os.WriteFile(filepath.Join(paths.CertDir, "bot.corp.example.crt"), dummyCert, 0600); err != nil {
		t.Fatalf("write dummy cert: %v", err)
	}
	return creds
}

func TestSignInHappyPath(t *testing.T) {
	creds := newTestCreds(t)

	var nonce = "deadbeef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}

		if _, hasSignature := body["signature"]; hasSignature {
			// second call: the signed reply.
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"server_ip":   "127.0.0.1",
				"port":        9000,
				"sign_cookie": "cookie-123",
				"signature":   "sig-token",
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"nonce": nonce})
	}))
	defer srv.Close()

	c := New("bot.corp.example", srv.URL, creds, nil, false, zap.NewNop())
	result, err := c.SignIn(t.Context())
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if result.ServerIP != "127.0.0.1" || result.Port != 9000 || result.SignCookie != "cookie-123" {
		t.Errorf("result = %+v, unexpected", result)
	}
	if c.Signature() != "sig-token" {
		t.Errorf("Signature() = %q, want sig-token", c.Signature())
	}
}

func TestSignInRejectedByServer(t *testing.T) {
	creds := newTestCreds(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, hasSignature := body["signature"]; hasSignature {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unknown agent"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"nonce": "abc"})
	}))
	defer srv.Close()

	c := New("bot.corp.example", srv.URL, creds, nil, false, zap.NewNop())
	// SignIn retries with a multi-second linear backoff; cap the test's
	// patience well below that so a rejected sign-in fails fast instead of
	// waiting out the full 10-retry schedule.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := c.SignIn(ctx); err == nil {
		t.Fatal("SignIn should fail when every attempt is rejected")
	}
}

func TestSignOutIsBestEffortAfterSuccessfulSignIn(t *testing.T) {
	creds := newTestCreds(t)

	var signedOut bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sign_in":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusOK)
			if _, hasSignature := body["signature"]; hasSignature {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"server_ip": "127.0.0.1", "port": 1, "sign_cookie": "c", "signature": "sig",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"nonce": "abc"})
		case "/sign_out":
			signedOut = true
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := New("bot.corp.example", srv.URL, creds, nil, false, zap.NewNop())
	if _, err := c.SignIn(t.Context()); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	c.SignOut(t.Context())
	if !signedOut {
		t.Error("SignOut should have POSTed to /sign_out after a successful sign-in")
	}
}

func TestSignOutNoopWithoutPriorSignIn(t *testing.T) {
	creds := newTestCreds(t)
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New("bot.corp.example", srv.URL, creds, nil, false, zap.NewNop())
	c.SignOut(t.Context())
	if called {
		t.Error("SignOut should not call the server when no signature has ever been set")
	}
}

func TestIssuerVerifierAcceptsChainedCert(t *testing.T) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root cert: %v", err)
	}
	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "message.corp.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})

	v := NewIssuerVerifier(rootPEM)
	if err := v.Verify(leafPEM); err != nil {
		t.Errorf("Verify should accept a cert chained to the pinned root: %v", err)
	}
}

func TestIssuerVerifierRejectsUnrelatedCert(t *testing.T) {
	rootKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:               time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, _ := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})

	unrelatedKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	unrelatedTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "unrelated"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	unrelatedDER, _ := x509.CreateCertificate(rand.Reader, unrelatedTemplate, unrelatedTemplate, &unrelatedKey.PublicKey, unrelatedKey)
	unrelatedPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: unrelatedDER})

	v := NewIssuerVerifier(rootPEM)
	if err := v.Verify(unrelatedPEM); err == nil {
		t.Error("Verify should reject a cert that does not chain to the pinned root")
	}
}
