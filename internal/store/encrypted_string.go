package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters matching internal/identity's private-key-file KDF, so
// chat_config rows and the credential file are stretched identically.
const (
	encArgonTime    = 2
	encArgonMemory  = 64 * 1024
	encArgonThreads = 2
	encArgonKeyLen  = 32
)

// encryptionKey is the package-level AES-256 key used by EncryptedString,
// derived by InitEncryption. A process hosts one identity at a time (see
// sessionmgr.Manager's one-identity-per-Manager shape), so one key is
// sufficient; InitEncryption must run once before any ChatConfig row touches
// the database. Open derives and sets it automatically.
var encryptionKey []byte

// InitEncryption derives the AES-256 key used to encrypt and decrypt
// ChatConfig.Value from this identity's own seed passphrase, salted with its
// agentID — the exact KDF-then-AEAD shape internal/identity.deriveKey uses
// to wrap the private key file, applied here to a database column instead.
// Reusing the agent's own seed (rather than a separately provisioned key)
// means an operator who already holds the seed needed to unlock the
// identity's private key can also recover chat_config without a second
// secret to manage, and ties the derivation to the same per-identity
// namespace TableSuffix(agentID) already uses to separate these rows.
func InitEncryption(seed, agentID string) error {
	if seed == "" {
		return errors.New("store: seed must not be empty")
	}
	sum := sha256.Sum256([]byte(seed))
	salt := sha256.Sum256([]byte(agentID))
	encryptionKey = argon2.IDKey(sum[:], salt[:16], encArgonTime, encArgonMemory, encArgonThreads, encArgonKeyLen)
	return nil
}

// EncryptedString transparently AES-256-GCM encrypts a column's value on
// write and decrypts on read, per spec §6's chat_config rows that may hold
// sensitive per-session settings (e.g. an LLM API token in original_source
// sample code). The stored value is base64(nonce + ciphertext); an empty
// string is stored unencrypted as empty.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if encryptionKey == nil {
		return nil, errors.New("store: encryption key not initialized, call InitEncryption first")
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: new GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("store: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("store: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if encryptionKey == nil {
		return errors.New("store: encryption key not initialized, call InitEncryption first")
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("store: decode base64: %w", err)
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return fmt.Errorf("store: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("store: new GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("store: encrypted data too short to contain nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("store: decrypt value: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
