package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
)

type echoHandler struct {
	disconnected chan string
}

func (h *echoHandler) HandleFrame(_ context.Context, sock *Socket, frame ClientFrame) (*ServerFrame, error) {
	switch frame.Type {
	case FrameSubscribe:
		sock.Subscribe(frame.Channels...)
		f := SubscribedReply(frame.CorrelationID, frame.Channels)
		return &f, nil
	case FrameUnsubscribe:
		sock.Unsubscribe(frame.Channels...)
		f := UnsubscribedReply(frame.CorrelationID, frame.Channels)
		return &f, nil
	case FramePublish:
		f := AckReply(frame.CorrelationID, "evt-generated")
		return &f, nil
	}
	return nil, nil
}

func (h *echoHandler) OnDisconnect(_ *Socket, reason string) {
	if h.disconnected != nil {
		h.disconnected <- reason
	}
}

func newTestServer(t *testing.T, handler Handler) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	log := logging.New("transport-test", "error", "json")
	cfg := DefaultConfig()
	cfg.HeartbeatEvery = time.Hour // keep pings out of the way of assertions

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		sock := New(conn, "org-1", "user-1", cfg, log)
		go sock.WritePump()
		sock.ReadPump(context.Background(), handler)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestSocket_SubscribeRoundTrip(t *testing.T) {
	handler := &echoHandler{}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	req := ClientFrame{Type: FrameSubscribe, Channels: []string{"org:org-1:chat"}, CorrelationID: "c1"}
	body, _ := json.Marshal(req)
	if err := client.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp ServerFrame
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.Type != FrameSubscribed || resp.CorrelationID != "c1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSocket_PingPong(t *testing.T) {
	handler := &echoHandler{}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	body, _ := json.Marshal(ClientFrame{Type: FramePing, CorrelationID: "c2"})
	if err := client.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp ServerFrame
	json.Unmarshal(raw, &resp)
	if resp.Type != FramePong || resp.CorrelationID != "c2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSocket_PublishAckRoundTrip(t *testing.T) {
	handler := &echoHandler{}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	// The server-side Socket is not reachable from this test, so Send is
	// not exercised here; the test checks that a publish frame is
	// answered with an ack carrying an event id.
	body, _ := json.Marshal(ClientFrame{Type: FramePublish, Channel: "org:org-1:chat", CorrelationID: "c3"})
	client.WriteMessage(websocket.TextMessage, body)

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp ServerFrame
	json.Unmarshal(raw, &resp)
	if resp.Type != FrameAck || resp.EventID == "" {
		t.Fatalf("unexpected ack response: %+v", resp)
	}
}

func TestSocket_MalformedFrameReturnsError(t *testing.T) {
	handler := &echoHandler{}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	client.WriteMessage(websocket.TextMessage, []byte("not json"))

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp ServerFrame
	json.Unmarshal(raw, &resp)
	if resp.Type != FrameError || resp.Error == nil {
		t.Fatalf("expected error frame for malformed input, got %+v", resp)
	}
}

func TestSocket_ChannelTrackingAfterSubscribeUnsubscribe(t *testing.T) {
	handler := &echoHandler{}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	sub, _ := json.Marshal(ClientFrame{Type: FrameSubscribe, Channels: []string{"org:org-1:a", "org:org-1:b"}})
	client.WriteMessage(websocket.TextMessage, sub)
	client.ReadMessage()

	unsub, _ := json.Marshal(ClientFrame{Type: FrameUnsubscribe, Channels: []string{"org:org-1:a"}})
	client.WriteMessage(websocket.TextMessage, unsub)
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp ServerFrame
	json.Unmarshal(raw, &resp)
	if resp.Type != FrameUnsubscribed || len(resp.Channels) != 1 || resp.Channels[0] != "org:org-1:a" {
		t.Fatalf("unexpected unsubscribe response: %+v", resp)
	}
}

func TestSocket_DisconnectCallsOnDisconnect(t *testing.T) {
	handler := &echoHandler{disconnected: make(chan string, 1)}
	srv, url := newTestServer(t, handler)
	defer srv.Close()

	client := dial(t, url)
	client.Close()

	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected OnDisconnect to fire after client close")
	}
}
