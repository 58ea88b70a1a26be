package agentid

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/dispatch"
	"github.com/arkeep-io/agentcp/internal/wire"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	ctx := context.Background()
	a := New(ctx, Config{
		ID:               wire.AgentID("bot.corp.example"),
		AuthServerURL:    "http://127.0.0.1:0",
		MessageServerURL: "ws://127.0.0.1:0",
		Scheduler:        config.DefaultScheduler(),
		MessageClient:    config.DefaultMessageClient(),
		Logger:           zap.NewNop(),
	})
	t.Cleanup(func() {
		a.dispatcher.Stop()
		a.scheduler.Stop()
	})
	return a
}

func TestHandleInboundMessageEnqueuesAndRunsGlobalHandler(t *testing.T) {
	a := testAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.dispatcher.Start(ctx)

	var mu sync.Mutex
	var gotSessionID string
	a.Registry().OnGlobal(func(rec dispatch.Record) {
		mu.Lock()
		gotSessionID = rec.SessionID
		mu.Unlock()
	})

	a.handleInboundMessage("s1", []wire.Block{{Type: wire.BlockContent, Content: "hi"}}, wire.SessionMessage{SessionID: "s1", MessageID: "m1"})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got := gotSessionID
		mu.Unlock()
		if got == "s1" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for global handler to run")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestInviteBookkeeping(t *testing.T) {
	a := testAgent(t)

	inv := wire.InviteNotification{SessionID: "s1", Inviter: "owner.corp.example", InviteCode: "abc", MessageServer: "ws://example"}
	a.handleInvite(inv)

	pending := a.PendingInvites()
	if len(pending) != 1 || pending[0].SessionID != "s1" {
		t.Fatalf("PendingInvites = %+v, want one invite for s1", pending)
	}
}

func TestOnAckInvokesRegisteredHandlers(t *testing.T) {
	a := testAgent(t)

	var mu sync.Mutex
	var seen []string
	a.OnAck(func(env wire.Envelope) {
		mu.Lock()
		seen = append(seen, env.Cmd)
		mu.Unlock()
	})

	a.handleAck(wire.Envelope{Cmd: wire.CmdSystemMessage})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != wire.CmdSystemMessage {
		t.Fatalf("seen = %v, want [%s]", seen, wire.CmdSystemMessage)
	}
}

func TestResetClearsRegistryAndInvites(t *testing.T) {
	a := testAgent(t)
	ctx := context.Background()

	a.handleInvite(wire.InviteNotification{SessionID: "s1"})
	a.dispatcher.Registry().OnSession("s1", func(rec dispatch.Record) {})

	a.Reset(ctx)

	if len(a.PendingInvites()) != 0 {
		t.Fatal("invites should be cleared after Reset")
	}
	handlers := a.dispatcher.Registry().Resolve("s1", nil)
	if len(handlers) != 0 {
		t.Fatal("session-scoped handler should be cleared after Reset")
	}
}

func TestResetIsIdempotentWithoutOnline(t *testing.T) {
	a := testAgent(t)
	ctx := context.Background()
	a.Reset(ctx)
	a.Reset(ctx)
	if a.IsOnline() {
		t.Fatal("agent should not report online after Reset without Online")
	}
}
