// Package transport implements the persistent bidirectional framed
// WebSocket connection clients use to subscribe, publish, and receive
// events. One Socket owns one reader goroutine and one writer
// goroutine, grounded on the classic gorilla/websocket hub/client
// pump pattern: reads and writes never share a goroutine, and a slow
// client is disconnected rather than allowed to stall the node.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/types"
)

// Config controls socket timeouts and buffering.
type Config struct {
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	HeartbeatEvery time.Duration
	SendBuffer     int
	MaxPayload     int64
}

// DefaultConfig matches the spec's stated defaults: 120s idle timeout,
// 30s heartbeat interval, 256-message send buffer.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    120 * time.Second,
		WriteTimeout:   10 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		SendBuffer:     256,
		MaxPayload:     1 << 20,
	}
}

// Handler processes one inbound ClientFrame and returns the reply to
// send back, if any. Implemented by the node's orchestration layer
// (tenant enforcement + event stream + router), kept out of this
// package so transport stays a pure framing concern.
type Handler interface {
	HandleFrame(ctx context.Context, sock *Socket, frame ClientFrame) (*ServerFrame, error)
	OnDisconnect(sock *Socket, reason string)
}

// Socket is one client's live connection.
type Socket struct {
	id     string
	orgID  string
	userID string

	conn   *websocket.Conn
	send   chan []byte
	cfg    Config
	log    *logging.Logger
	closed chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	channels map[string]bool
}

// New wraps an accepted websocket connection as a Socket.
func New(conn *websocket.Conn, orgID, userID string, cfg Config, log *logging.Logger) *Socket {
	return &Socket{
		id:       uuid.New().String(),
		orgID:    orgID,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		cfg:      cfg,
		log:      log,
		closed:   make(chan struct{}),
		channels: make(map[string]bool),
	}
}

// ID implements router.LocalSocket.
func (s *Socket) ID() string { return s.id }

// OrgID implements router.LocalSocket.
func (s *Socket) OrgID() string { return s.orgID }

// UserID returns the authenticated user owning this socket.
func (s *Socket) UserID() string { return s.userID }

// HasChannel implements router.LocalSocket.
func (s *Socket) HasChannel(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

// Subscribe adds channels to this socket's subscription set.
func (s *Socket) Subscribe(channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = true
	}
}

// Unsubscribe removes channels from this socket's subscription set.
func (s *Socket) Unsubscribe(channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
}

// Channels returns a snapshot of the current subscription set.
func (s *Socket) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

// Send implements router.LocalSocket: it pushes a routed event onto
// the socket's outbound buffer. A full buffer marks the socket as too
// slow to keep up and it is closed rather than blocking the router.
func (s *Socket) Send(ctx context.Context, event types.Event) error {
	frame := EventPush(EventFrame{
		ID: event.ID, Type: event.Type, Channel: event.Channel,
		Payload: json.RawMessage(event.Payload), Timestamp: event.CreatedAt, Metadata: event.Metadata,
	})
	return s.enqueue(frame)
}

// WriteReply enqueues a direct reply to a client request.
func (s *Socket) WriteReply(frame ServerFrame) error {
	return s.enqueue(frame)
}

func (s *Socket) enqueue(frame ServerFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- body:
		return nil
	default:
		s.Close("send buffer full")
		return websocket.ErrCloseSent
	}
}

// Close closes the socket's underlying connection exactly once.
func (s *Socket) Close(reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// WritePump drains the send channel to the wire and sends periodic
// pings; it returns when the socket is closed.
func (s *Socket) WritePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer func() {
		ticker.Stop()
		s.Close("write pump exited")
	}()

	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads frames from the wire and dispatches them to handler
// until the connection errors out or is closed; it always calls
// handler.OnDisconnect exactly once on exit.
func (s *Socket) ReadPump(ctx context.Context, handler Handler) {
	defer func() {
		reason := "client disconnected"
		select {
		case <-s.closed:
			reason = ""
		default:
		}
		s.Close("read pump exited")
		handler.OnDisconnect(s, reason)
	}()

	s.conn.SetReadLimit(s.cfg.MaxPayload)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = s.WriteReply(ErrorReply("", "VAL_3001", "malformed frame"))
			continue
		}

		if frame.Type == FramePing {
			_ = s.WriteReply(reply(FramePong, frame.CorrelationID))
			continue
		}

		resp, err := handler.HandleFrame(ctx, s, frame)
		if err != nil {
			continue
		}
		if resp != nil {
			if writeErr := s.WriteReply(*resp); writeErr != nil {
				return
			}
		}
	}
}
