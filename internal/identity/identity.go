// Package identity loads and stores the per-agent credential material
// described in spec §3 and §6's filesystem layout: an encrypted private key
// file and a certificate file under <certdir>/<id>.{key,crt}.
//
// The private-key file is wrapped with AES-256-GCM under a key derived from
// a SHA-256 hash of the caller-supplied seed (per spec §3: "encrypted under
// a SHA-256 derived passphrase"), then stretched with Argon2id before use as
// the AES key — the same KDF-then-AEAD shape the teacher's
// server/internal/db.EncryptedString uses for at-rest encryption of
// sensitive columns, adapted here to a standalone file instead of a
// database column.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/arkeep-io/agentcp/internal/wire"
)

const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
)

// deriveKey stretches a SHA-256 digest of seed into a 32-byte AES key via
// Argon2id, using the agent id as salt so two identities sharing a seed
// (unlikely, but not forbidden) do not share a key.
func deriveKey(seed string, agentID wire.AgentID) []byte {
	sum := sha256.Sum256([]byte(seed))
	salt := sha256.Sum256([]byte(agentID))
	return argon2.IDKey(sum[:], salt[:16], argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func sealPEM(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openPEM(key []byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("identity: encrypted key file too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Paths resolves the on-disk locations of an identity's credential files,
// per spec §6.
type Paths struct {
	AppDir  string // <app>
	CertDir string // <certdir>, used as given (no default is applied)
}

func (p Paths) keyPath(id wire.AgentID) string  { return filepath.Join(p.CertDir, string(id)+".key") }
func (p Paths) certPath(id wire.AgentID) string { return filepath.Join(p.CertDir, string(id)+".crt") }
func (p Paths) rootCAPath() string              { return filepath.Join(p.AppDir, "Certs", "root") }
func (p Paths) publicDir(id wire.AgentID) string {
	return filepath.Join(p.AppDir, "AIDs", string(id), "public")
}
func (p Paths) privateDir(id wire.AgentID) string {
	return filepath.Join(p.AppDir, "AIDs", string(id), "private")
}

// Credentials holds one identity's loaded private key and certificate.
// The private key is loaded lazily — construct with New and call Key() the
// first time it is needed (signing a sign-in nonce).
type Credentials struct {
	ID   wire.AgentID
	Seed string
	Paths Paths

	mu   sync.Mutex
	key  *ecdsa.PrivateKey
	cert []byte
}

// New returns a Credentials handle. It does not touch disk until Key or
// Cert is called.
func New(id wire.AgentID, seed string, paths Paths) *Credentials {
	return &Credentials{ID: id, Seed: seed, Paths: paths}
}

// GenerateAndStore creates a fresh P-256 ECDSA key pair (the curve the wire
// protocol signs nonces with, per auth's ec.ECDSA(SHA256) challenge), self-
// signs nothing (certificate issuance is the out-of-scope Certificate/
// Authority client's job per spec §1), and persists the encrypted private
// key to disk. Callers that already hold a server-issued certificate should
// write it directly to Paths.certPath via os.WriteFile; this runtime never
// authors certificates.
func (c *Credentials) GenerateAndStore() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generate key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("identity: marshal key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	sealed, err := sealPEM(deriveKey(c.Seed, c.ID), pemBytes)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.Paths.CertDir, 0700); err != nil {
		return fmt.Errorf("identity: mkdir certdir: %w", err)
	}
	if err := os.WriteFile(c.Paths.keyPath(c.ID), sealed, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}

	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	return nil
}

// Key loads and decrypts the private key from disk on first call, caching
// it for subsequent calls, per spec §3: "private key (loaded lazily)".
func (c *Credentials) Key() (*ecdsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}

	sealed, err := os.ReadFile(c.Paths.keyPath(c.ID))
	if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}
	pemBytes, err := openPEM(deriveKey(c.Seed, c.ID), sealed)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt key file: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("identity: key file is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	c.key = key
	return key, nil
}

// Cert loads the raw certificate bytes from disk, caching the result.
func (c *Credentials) Cert() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cert != nil {
		return c.cert, nil
	}
	data, err := os.ReadFile(c.Paths.certPath(c.ID))
	if err != nil {
		return nil, fmt.Errorf("identity: read cert file: %w", err)
	}
	c.cert = data
	return data, nil
}

// RootCA reads the pinned CA root used to verify a server's issuer chain,
// per spec §4.1.
func RootCA(paths Paths) ([]byte, error) {
	data, err := os.ReadFile(paths.rootCAPath())
	if err != nil {
		return nil, fmt.Errorf("identity: read pinned CA root: %w", err)
	}
	return data, nil
}
