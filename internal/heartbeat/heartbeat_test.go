package heartbeat

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/wire"
)

func buildHeartbeatRespFrame(nextBeat uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(0)) // MessageMask
	_ = binary.Write(buf, binary.BigEndian, uint32(1)) // MessageSeq
	_ = binary.Write(buf, binary.BigEndian, wire.MsgTypeHeartbeatResp)
	_ = binary.Write(buf, binary.BigEndian, uint16(4)) // PayloadSize
	_ = binary.Write(buf, binary.BigEndian, nextBeat)
	return buf.Bytes()
}

func buildInviteFrame(sessionID, inviter, code, server string) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(0))
	_ = binary.Write(buf, binary.BigEndian, uint32(1))
	_ = binary.Write(buf, binary.BigEndian, wire.MsgTypeInviteReq)
	_ = binary.Write(buf, binary.BigEndian, uint16(0)) // PayloadSize, unused by the decoder
	for _, field := range []string{sessionID, inviter, code, server} {
		_ = binary.Write(buf, binary.BigEndian, uint16(len(field)))
		buf.WriteString(field)
	}
	return buf.Bytes()
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	auth := authclient.New("bot.corp.example", "http://127.0.0.1:0", nil, nil, false, zap.NewNop())
	return New("bot.corp.example", auth, nil, zap.NewNop())
}

func TestHandleFrameHeartbeatResponseUpdatesInterval(t *testing.T) {
	c := newTestClient(t)
	c.handleFrame(buildHeartbeatRespFrame(8000))
	if got := c.intervalMS.Load(); got != 8000 {
		t.Errorf("intervalMS = %d, want 8000", got)
	}
}

func TestHandleFrameHeartbeatResponseEnforcesFloor(t *testing.T) {
	c := newTestClient(t)
	c.handleFrame(buildHeartbeatRespFrame(1000))
	if got := c.intervalMS.Load(); got != 5000 {
		t.Errorf("intervalMS = %d, want the 5000ms floor", got)
	}
}

func TestHandleFrameInviteInvokesHandler(t *testing.T) {
	var got wire.InviteNotification
	invoked := false

	auth := authclient.New("bot.corp.example", "http://127.0.0.1:0", nil, nil, false, zap.NewNop())
	c := New("bot.corp.example", auth, func(inv wire.InviteNotification) {
		invoked = true
		got = inv
	}, zap.NewNop())

	c.handleFrame(buildInviteFrame("s1", "owner.corp.example", "code123", "ws://msg.corp.example"))

	if !invoked {
		t.Fatal("InviteHandler was not invoked")
	}
	if got.SessionID != "s1" || got.Inviter != "owner.corp.example" || got.InviteCode != "code123" || got.MessageServer != "ws://msg.corp.example" {
		t.Errorf("got = %+v, unexpected", got)
	}
}

func TestOfflineNoopWhenNotRunning(t *testing.T) {
	c := newTestClient(t)
	// Offline must not panic or block when the client was never brought
	// online: running.CompareAndSwap(true, false) fails immediately and
	// Offline returns without touching the (nil) socket or calling SignOut.
	c.Offline(context.Background())
}

// TestSendLoopBacksOffBetweenFailedSends drives sendLoop directly (no
// socket, so sendHeartbeat always fails with "socket not bound") and
// asserts consecutive failed attempts are spaced by a growing backoff
// rather than firing on every 1s tick, up to the maxSendFailures threshold
// that triggers reconnect.
func TestSendLoopBacksOffBetweenFailedSends(t *testing.T) {
	c := newTestClient(t)
	c.running.Store(true)
	c.lastRecvAckMS.Store(time.Now().UnixMilli())

	ctx, cancel := context.WithTimeout(context.Background(), 6500*time.Millisecond)
	defer cancel()

	c.wg.Add(1)
	start := time.Now()
	var failureTimes []time.Duration
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sendLoop(ctx)
	}()

	// Poll sendFailures until it reaches maxSendFailures or ctx expires,
	// recording when each new failure is observed.
	last := int32(0)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			goto checked
		case <-ticker.C:
			if f := c.sendFailures.Load(); f > last {
				last = f
				failureTimes = append(failureTimes, time.Since(start))
			}
			if last >= maxSendFailures {
				<-done
				goto checked
			}
		}
	}
checked:
	if len(failureTimes) < 2 {
		t.Fatalf("observed %d failures before reconnect/timeout, want at least 2 to compare spacing", len(failureTimes))
	}
	gap1 := failureTimes[1] - failureTimes[0]
	if gap1 < sendBackoffBase {
		t.Errorf("gap between first and second failed send = %s, want at least the %s backoff base", gap1, sendBackoffBase)
	}
	if len(failureTimes) >= 3 {
		gap2 := failureTimes[2] - failureTimes[1]
		if gap2 <= gap1 {
			t.Errorf("gap between second and third failed send (%s) should exceed the first gap (%s): backoff should grow", gap2, gap1)
		}
	}
}
