package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRouter is an in-memory RouterSocket driven by a queue of inbound
// frame groups, recording every outbound send for assertions. It mirrors
// the shape a real *transport.Router presents without needing a live
// zmq4 socket.
type fakeRouter struct {
	mu      sync.Mutex
	inbound []Msg
	sent    []Msg
	closed  bool
	recvErr error
}

func (f *fakeRouter) Listen(string) error { return nil }
func (f *fakeRouter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRouter) Recv() (Msg, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return Msg{}, errors.New("closed")
		}
		if len(f.inbound) > 0 {
			m := f.inbound[0]
			f.inbound = f.inbound[1:]
			f.mu.Unlock()
			return m, nil
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeRouter) Send(m Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeRouter) push(m Msg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, m)
}

func (f *fakeRouter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func envJSON(t *testing.T, sender, elem string, extra map[string]any) []byte {
	t.Helper()
	m := map[string]any{"sender": sender, "elem": elem}
	for k, v := range extra {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

// TestLoopResilience is invariant 8 of spec.md §8: malformed frame groups
// never prevent the next well-formed envelope from being routed.
func TestLoopResilience(t *testing.T) {
	sock := &fakeRouter{}
	b := New(sock, WithClientTimeout(30*time.Second))

	// Register a server so a client's square_request has somewhere to go.
	sock.push(Msg{Frames: [][]byte{[]byte("srv1"), envJSON(t, "HydraServer", "heartbeat", nil)}})

	// Bad inputs, per invariant 8: wrong frame count, non-JSON, JSON
	// non-object, empty sender, invalid sender.
	sock.push(Msg{Frames: [][]byte{[]byte("only-one-frame")}})
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), []byte("not json")}})
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), []byte("[1,2,3]")}})
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "", "square_request", nil)}})
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "NotARealPeerType", "square_request", nil)}})

	// Then a well-formed request that must still be routed.
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "HydraClient", "square_request",
		map[string]any{"request_id": "r1", "data": map[string]any{"number": 7}})}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, time.Second) }()

	deadline := time.After(2 * time.Second)
	for {
		if sock.sentCount() >= 1 {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("well-formed envelope after malformed ones was never routed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	stats := b.Stats()
	if stats.Drops < 5 {
		t.Errorf("Stats().Drops = %d, want at least 5 malformed drops recorded", stats.Drops)
	}
}

func TestNoServerSynthesizesErrorThroughLoop(t *testing.T) {
	sock := &fakeRouter{}
	b := New(sock, WithClientTimeout(30*time.Second))

	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "HydraClient", "square_request",
		map[string]any{"request_id": "r1"})}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, time.Second) }()

	deadline := time.After(2 * time.Second)
	for sock.sentCount() == 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("expected a synthesized no-server error to be sent")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(sock.sent))
	}
	var payload map[string]any
	if err := json.Unmarshal(sock.sent[0].Frames[1], &payload); err != nil {
		t.Fatalf("unmarshal sent payload: %v", err)
	}
	if payload["elem"] != "error" || payload["sender"] != "HydraRouter" {
		t.Errorf("payload = %v, want error from HydraRouter", payload)
	}
}

// TestMaxClientsRejectsNewPeerAtCapacity exercises the peer-capacity limit
// (spec.md §6 MaxClients): once the registry holds MaxClients peers, a
// heartbeat from a brand new identity is dropped rather than registered,
// while an already-registered peer's heartbeat still refreshes normally.
func TestMaxClientsRejectsNewPeerAtCapacity(t *testing.T) {
	sock := &fakeRouter{}
	b := New(sock, WithClientTimeout(30*time.Second), WithMaxClients(1))

	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "HydraClient", "heartbeat", nil)}})
	sock.push(Msg{Frames: [][]byte{[]byte("c2"), envJSON(t, "HydraClient", "heartbeat", nil)}})
	sock.push(Msg{Frames: [][]byte{[]byte("c1"), envJSON(t, "HydraClient", "heartbeat", nil)}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, time.Second) }()

	deadline := time.After(2 * time.Second)
	for b.Stats().MessagesRouted+b.Stats().Drops < 3 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("timed out waiting for all three frame groups to be handled")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	stats := b.Stats()
	if stats.PeerCount != 1 {
		t.Errorf("PeerCount = %d, want 1 (c2 must not have been registered at capacity)", stats.PeerCount)
	}
	if stats.Drops != 1 {
		t.Errorf("Drops = %d, want exactly 1 (c2's heartbeat)", stats.Drops)
	}
}

// TestDisplacedServerReceivesBroadcast is spec.md §4.3/§9's "last writer
// wins with logging": the displaced server-category peer keeps its
// registration and must still receive broadcasts, as an ordinary client
// would.
func TestDisplacedServerReceivesBroadcast(t *testing.T) {
	sock := &fakeRouter{}
	b := New(sock, WithClientTimeout(30*time.Second))

	sock.push(Msg{Frames: [][]byte{[]byte("srv1"), envJSON(t, "HydraServer", "heartbeat", nil)}})
	sock.push(Msg{Frames: [][]byte{[]byte("srv2"), envJSON(t, "HydraServer", "heartbeat", nil)}})
	sock.push(Msg{Frames: [][]byte{[]byte("srv2"), envJSON(t, "HydraServer", "status_update",
		map[string]any{"data": map[string]any{"state": "running"}})}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, time.Second) }()

	deadline := time.After(2 * time.Second)
	for sock.sentCount() == 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("expected the broadcast to reach the displaced server srv1")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.sent) != 1 || string(sock.sent[0].Frames[0]) != "srv1" {
		t.Fatalf("sent = %v, want exactly one message to displaced server srv1", sock.sent)
	}
}
