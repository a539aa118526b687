package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

type fakeSocket struct {
	id       string
	orgID    string
	channels map[string]bool
	mu       sync.Mutex
	received []types.Event
	failNext bool
}

func (s *fakeSocket) ID() string    { return s.id }
func (s *fakeSocket) OrgID() string { return s.orgID }
func (s *fakeSocket) HasChannel(channel string) bool { return s.channels[channel] }
func (s *fakeSocket) Send(_ context.Context, event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errTestSendFailed
	}
	s.received = append(s.received, event)
	return nil
}
func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

var errTestSendFailed = &testSendError{}

type testSendError struct{}

func (*testSendError) Error() string { return "send failed" }

type fakeDispatcher struct {
	sockets []LocalSocket
}

func (d *fakeDispatcher) SocketsForChannel(orgID, channel string) []LocalSocket {
	var out []LocalSocket
	for _, s := range d.sockets {
		fs := s.(*fakeSocket)
		if fs.orgID == orgID && fs.HasChannel(channel) {
			out = append(out, s)
		}
	}
	return out
}

func TestRouter_BroadcastDispatchesToOwnLocalSockets(t *testing.T) {
	ctx := context.Background()
	store := substrate.NewMemory()
	sock := &fakeSocket{id: "sock-1", orgID: "org-1", channels: map[string]bool{"org:org-1:general": true}}
	dispatcher := &fakeDispatcher{sockets: []LocalSocket{sock}}
	log := logging.New("router-test", "error", "json")

	r := New("node-a", store, dispatcher, nil, log, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	event := types.Event{ID: "evt-1", OrgID: "org-1", Channel: "org:org-1:general", Type: "msg.sent"}
	if err := r.Broadcast(ctx, "org-1", "org:org-1:general", event); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if sock.count() != 1 {
		t.Fatalf("expected 1 event delivered to local socket, got %d", sock.count())
	}
}

func TestRouter_CrossNodeDelivery(t *testing.T) {
	ctx := context.Background()
	store := substrate.NewMemory()
	log := logging.New("router-test", "error", "json")

	sockB := &fakeSocket{id: "sock-b", orgID: "org-42", channels: map[string]bool{"org:42:chat": true}}
	dispatcherA := &fakeDispatcher{}
	dispatcherB := &fakeDispatcher{sockets: []LocalSocket{sockB}}

	nodeA := New("node-a", store, dispatcherA, nil, log, nil)
	nodeB := New("node-b", store, dispatcherB, nil, log, nil)
	if err := nodeA.Start(ctx); err != nil {
		t.Fatalf("nodeA.Start failed: %v", err)
	}
	if err := nodeB.Start(ctx); err != nil {
		t.Fatalf("nodeB.Start failed: %v", err)
	}

	event := types.Event{ID: "evt-1", OrgID: "org-42", Channel: "org:42:chat", Type: "msg", Payload: []byte(`{"t":"hi"}`)}
	if err := nodeA.Broadcast(ctx, "org-42", "org:42:chat", event); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for sockB.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cross-node delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouter_DropsSelfEcho(t *testing.T) {
	ctx := context.Background()
	store := substrate.NewMemory()
	log := logging.New("router-test", "error", "json")

	sock := &fakeSocket{id: "sock-1", orgID: "org-1", channels: map[string]bool{"org:org-1:general": true}}
	dispatcher := &fakeDispatcher{sockets: []LocalSocket{sock}}
	r := New("node-a", store, dispatcher, nil, log, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// simulate receiving our own envelope over pubsub directly
	r.handleMessage(ctx, substrate.Message{Channel: "gateway:routing", Payload: mustJSON(Envelope{
		FromServerID: "node-a",
		OrgID:        "org-1",
		Channel:      "org:org-1:general",
		SentAt:       time.Now(),
	})})

	time.Sleep(20 * time.Millisecond)
	if sock.count() != 0 {
		t.Fatalf("expected self-echo to be dropped, got %d deliveries", sock.count())
	}
}

func TestRouter_DropsStaleEnvelope(t *testing.T) {
	ctx := context.Background()
	store := substrate.NewMemory()
	log := logging.New("router-test", "error", "json")

	sock := &fakeSocket{id: "sock-1", orgID: "org-1", channels: map[string]bool{"org:org-1:general": true}}
	dispatcher := &fakeDispatcher{sockets: []LocalSocket{sock}}
	r := New("node-a", store, dispatcher, nil, log, nil)
	r.skew = 10 * time.Millisecond

	r.handleMessage(ctx, substrate.Message{Channel: "gateway:routing", Payload: mustJSON(Envelope{
		FromServerID: "node-b",
		OrgID:        "org-1",
		Channel:      "org:org-1:general",
		SentAt:       time.Now().Add(-time.Hour),
	})})

	if sock.count() != 0 {
		t.Fatalf("expected stale envelope to be dropped, got %d deliveries", sock.count())
	}
}

func TestRouter_TargetedIgnoredByNonTarget(t *testing.T) {
	ctx := context.Background()
	store := substrate.NewMemory()
	log := logging.New("router-test", "error", "json")

	sock := &fakeSocket{id: "sock-1", orgID: "org-1", channels: map[string]bool{"org:org-1:general": true}}
	dispatcher := &fakeDispatcher{sockets: []LocalSocket{sock}}
	r := New("node-c", store, dispatcher, nil, log, nil)

	r.handleMessage(ctx, substrate.Message{Channel: "gateway:routing", Payload: mustJSON(Envelope{
		FromServerID: "node-b",
		ToServerIDs:  []string{"node-a"},
		OrgID:        "org-1",
		Channel:      "org:org-1:general",
		SentAt:       time.Now(),
	})})

	if sock.count() != 0 {
		t.Fatalf("expected targeted envelope addressed elsewhere to be ignored, got %d deliveries", sock.count())
	}
}

func mustJSON(env Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return b
}
