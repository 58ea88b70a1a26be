package identity

import (
	"testing"

	"github.com/arkeep-io/agentcp/internal/wire"
)

func TestGenerateAndStoreThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := wire.AgentID("bot.corp.example")
	paths := Paths{AppDir: dir, CertDir: dir + "/Certs"}

	creds := New(id, "correct-seed", paths)
	if err := creds.GenerateAndStore(); err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}

	key, err := creds.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if key == nil {
		t.Fatal("Key returned nil private key")
	}

	// A fresh Credentials handle (no cached key) must decrypt the same file.
	reloaded := New(id, "correct-seed", paths)
	reloadedKey, err := reloaded.Key()
	if err != nil {
		t.Fatalf("reloaded Key: %v", err)
	}
	if !reloadedKey.Equal(key) {
		t.Error("reloaded key does not match the generated key")
	}
}

func TestKeyWithWrongSeedFails(t *testing.T) {
	dir := t.TempDir()
	id := wire.AgentID("bot.corp.example")
	paths := Paths{AppDir: dir, CertDir: dir + "/Certs"}

	creds := New(id, "correct-seed", paths)
	if err := creds.GenerateAndStore(); err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}

	wrong := New(id, "wrong-seed", paths)
	if _, err := wrong.Key(); err == nil {
		t.Fatal("Key with the wrong seed should fail to decrypt")
	}
}

func TestKeyMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	id := wire.AgentID("bot.corp.example")
	paths := Paths{AppDir: dir, CertDir: dir + "/Certs"}

	creds := New(id, "whatever", paths)
	if _, err := creds.Key(); err == nil {
		t.Fatal("Key should fail when no key file has been written yet")
	}
}
