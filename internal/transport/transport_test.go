package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/knirvcorp/syncbase/go/internal/types"
	"github.com/knirvcorp/syncbase/go/internal/wire"
)

// fakeCoordinator answers the handshake on one side of a net.Pipe and
// gives the test a ControlMessage channel plus a send function for the
// other direction.
type fakeCoordinator struct {
	conn net.Conn
	in   chan wire.ControlMessage
}

func newFakeCoordinator(t *testing.T, conn net.Conn) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{conn: conn, in: make(chan wire.ControlMessage, 16)}

	go func() {
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		if _, err := fmt.Fprintf(conn, "SYNCBASE:server\n"); err != nil {
			return
		}
		for {
			msg, err := wire.ReadFrame(conn)
			if err != nil {
				close(fc.in)
				return
			}
			fc.in <- msg
		}
	}()
	return fc
}

func (f *fakeCoordinator) send(msg wire.ControlMessage) error {
	return wire.WriteFrame(f.conn, msg)
}

func newConnectedSession(t *testing.T) (*Session, *fakeCoordinator, func()) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	dial := func(ctx context.Context) (Conn, error) {
		return clientConn, nil
	}

	var received []wire.ControlMessage
	var mu sync.Mutex
	onFrame := func(msg wire.ControlMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour // disable heartbeat noise during tests
	s := New(cfg, dial, "client-1", onFrame, nil)

	fc := newFakeCoordinator(t, serverConn)

	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != Connected {
		t.Fatalf("session did not reach Connected, state=%s", s.State())
	}

	cleanup := func() {
		s.Close()
		serverConn.Close()
	}
	return s, fc, cleanup
}

func TestHandshakeReachesConnected(t *testing.T) {
	_, _, cleanup := newConnectedSession(t)
	defer cleanup()
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg, func(ctx context.Context) (Conn, error) {
		return nil, fmt.Errorf("dial refused")
	}, "client-1", nil, nil)

	err := s.Send(wire.ControlMessage{Type: wire.FramePing})
	if err != types.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendAwaitReceivesCorrelatedAck(t *testing.T) {
	s, fc, cleanup := newConnectedSession(t)
	defer cleanup()

	go func() {
		msg := <-fc.in
		fc.send(wire.ControlMessage{Type: wire.FrameAck, MessageID: msg.MessageID})
	}()

	reply, err := s.SendAwait(context.Background(), wire.ControlMessage{Type: wire.FrameDelta, MessageID: "m1"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.FrameAck || reply.MessageID != "m1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestSendAwaitTimesOutWithoutReply(t *testing.T) {
	s, _, cleanup := newConnectedSession(t)
	defer cleanup()

	_, err := s.SendAwait(context.Background(), wire.ControlMessage{Type: wire.FrameDelta, MessageID: "m-lost"}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestUnsolicitedFrameReachesOnFrameHandler(t *testing.T) {
	s, fc, cleanup := newConnectedSession(t)
	defer cleanup()

	got := make(chan wire.ControlMessage, 1)
	s.onFrame = func(msg wire.ControlMessage) { got <- msg }

	fc.send(wire.ControlMessage{Type: wire.FrameDelta, DocumentID: "doc-1", Field: "title", MessageID: "server-origin"})

	select {
	case msg := <-got:
		if msg.Type != wire.FrameDelta || msg.MessageID != "server-origin" {
			t.Fatalf("unexpected frame delivered to handler: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("unsolicited frame never reached the FrameHandler")
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	dialCount := 0
	var mu sync.Mutex

	dial := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		if dialCount == 1 {
			return clientConn, nil
		}
		return nil, fmt.Errorf("no more connections in this test")
	}

	cfg := DefaultConfig()
	cfg.ReconnectInitialDelay = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	s := New(cfg, dial, "client-1", nil, nil)

	var transitions []State
	s.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	newFakeCoordinator(t, serverConn)
	s.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for s.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != Connected {
		t.Fatalf("never reached Connected, state=%s", s.State())
	}

	serverConn.Close()
	clientConn.Close()

	deadline = time.Now().Add(time.Second)
	for s.State() != Reconnecting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != Reconnecting {
		t.Fatalf("expected Reconnecting after connection loss, state=%s", s.State())
	}

	s.Close()
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{ReconnectInitialDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, ReconnectMultiplier: 2.0}
	if got := backoff(cfg, 0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0: expected 100ms, got %s", got)
	}
	if got := backoff(cfg, 1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1: expected 200ms, got %s", got)
	}
	if got := backoff(cfg, 10); got != time.Second {
		t.Fatalf("expected cap at 1s, got %s", got)
	}
}
