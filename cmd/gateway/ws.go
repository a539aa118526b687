package main

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/httputil"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/connmgr"
	"github.com/flowmesh-io/gateway/internal/eventstream"
	"github.com/flowmesh-io/gateway/internal/router"
	"github.com/flowmesh-io/gateway/internal/tenant"
	"github.com/flowmesh-io/gateway/internal/transport"
	"github.com/flowmesh-io/gateway/internal/types"
)

// socketDirectory is the node's local registry of live sockets, keyed by
// socket id. Resolving fan-out targets for an org/channel scans every
// socket registered on this node.
type socketDirectory struct {
	mu      sync.RWMutex
	sockets map[string]*transport.Socket
}

func newSocketDirectory() *socketDirectory {
	return &socketDirectory{sockets: make(map[string]*transport.Socket)}
}

func (d *socketDirectory) add(sock *transport.Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets[sock.ID()] = sock
}

func (d *socketDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sockets, id)
}

// SocketsForChannel implements router.LocalDispatcher.
func (d *socketDirectory) SocketsForChannel(orgID, channel string) []router.LocalSocket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []router.LocalSocket
	for _, s := range d.sockets {
		if s.OrgID() == orgID && s.HasChannel(channel) {
			out = append(out, s)
		}
	}
	return out
}

// gatewayHandler implements transport.Handler, wiring every inbound
// client frame through tenant enforcement, the durable event stream,
// and the cross-server router.
type gatewayHandler struct {
	enforcer  *tenant.Enforcer
	stream    *eventstream.Stream
	router    *router.Router
	connmgr   *connmgr.Manager
	directory *socketDirectory
	orgs      orgStore
	log       *logging.Logger

	mu         sync.RWMutex
	identities map[string]types.Identity
}

func newGatewayHandler(enforcer *tenant.Enforcer, stream *eventstream.Stream, r *router.Router, cm *connmgr.Manager, dir *socketDirectory, orgs orgStore, log *logging.Logger) *gatewayHandler {
	return &gatewayHandler{
		enforcer: enforcer, stream: stream, router: r, connmgr: cm, directory: dir, orgs: orgs, log: log,
		identities: make(map[string]types.Identity),
	}
}

func (h *gatewayHandler) bind(sock *transport.Socket, id types.Identity) {
	h.mu.Lock()
	h.identities[sock.ID()] = id
	h.mu.Unlock()
	h.directory.add(sock)
}

func (h *gatewayHandler) identityFor(sock *transport.Socket) types.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identities[sock.ID()]
}

func (h *gatewayHandler) orgLimits(ctx context.Context, orgID string) types.OrgLimits {
	org, err := h.orgs.Get(ctx, orgID)
	if err != nil {
		return types.DefaultOrgLimits()
	}
	return org.Limits
}

// HandleFrame implements transport.Handler.
func (h *gatewayHandler) HandleFrame(ctx context.Context, sock *transport.Socket, frame transport.ClientFrame) (*transport.ServerFrame, error) {
	id := h.identityFor(sock)
	ctx = logging.WithOrgID(ctx, id.OrgID)
	ctx = logging.WithUserID(ctx, id.UserID)

	if err := h.enforcer.CheckRateLimit(ctx, id, sock.ID()); err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply, nil
	}

	switch frame.Type {
	case transport.FrameSubscribe:
		return h.handleSubscribe(ctx, sock, frame, id), nil
	case transport.FrameUnsubscribe:
		return h.handleUnsubscribe(sock, frame), nil
	case transport.FramePublish:
		return h.handlePublish(ctx, sock, frame, id), nil
	default:
		reply := transport.ErrorReply(frame.CorrelationID, "VAL_3001", "unknown frame type")
		return &reply, nil
	}
}

func (h *gatewayHandler) handleSubscribe(ctx context.Context, sock *transport.Socket, frame transport.ClientFrame, id types.Identity) *transport.ServerFrame {
	for _, channel := range frame.Channels {
		if err := h.enforcer.AuthorizeChannel(ctx, id, channel); err != nil {
			reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
			return &reply
		}
	}
	if err := h.enforcer.AuthorizePermission(ctx, id, tenant.ActionSubscribe); err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply
	}
	sock.Subscribe(frame.Channels...)
	_ = h.connmgr.UpdateSessionChannels(ctx, sock.ID(), channelSet(sock.Channels()))
	reply := transport.SubscribedReply(frame.CorrelationID, frame.Channels)
	return &reply
}

func (h *gatewayHandler) handleUnsubscribe(sock *transport.Socket, frame transport.ClientFrame) *transport.ServerFrame {
	sock.Unsubscribe(frame.Channels...)
	reply := transport.UnsubscribedReply(frame.CorrelationID, frame.Channels)
	return &reply
}

func (h *gatewayHandler) handlePublish(ctx context.Context, sock *transport.Socket, frame transport.ClientFrame, id types.Identity) *transport.ServerFrame {
	if err := h.enforcer.AuthorizeChannel(ctx, id, frame.Channel); err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply
	}
	if err := h.enforcer.AuthorizePermission(ctx, id, tenant.ActionPublish); err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply
	}
	if err := h.enforcer.CheckQuota(ctx, id, h.orgLimits(ctx, id.OrgID)); err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply
	}

	metadata := map[string]string{"correlation_id": frame.CorrelationID}
	eventID, err := h.stream.Append(ctx, id.OrgID, frame.Channel, frame.EventType, frame.Payload, metadata)
	if err != nil {
		reply := transport.ErrorReply(frame.CorrelationID, string(svcerrors.GetCode(err)), err.Error())
		return &reply
	}

	event := types.Event{
		ID: eventID, OrgID: id.OrgID, Channel: frame.Channel, Type: frame.EventType,
		Payload: frame.Payload, SourceUserID: id.UserID, CorrelationID: frame.CorrelationID,
	}
	if err := h.router.Broadcast(ctx, id.OrgID, frame.Channel, event); err != nil {
		h.log.Warn(ctx, "event broadcast failed", map[string]interface{}{"error": err.Error()})
	}

	reply := transport.AckReply(frame.CorrelationID, eventID)
	return &reply
}

// OnDisconnect implements transport.Handler.
func (h *gatewayHandler) OnDisconnect(sock *transport.Socket, reason string) {
	ctx := context.Background()
	h.directory.remove(sock.ID())
	h.enforcer.DropConnectionLimiter(sock.ID())
	h.mu.Lock()
	delete(h.identities, sock.ID())
	h.mu.Unlock()
	if reason != "" {
		if err := h.connmgr.UnregisterSession(ctx, sock.ID(), reason); err != nil {
			h.log.Warn(ctx, "session unregister failed", map[string]interface{}{"session_id": sock.ID(), "error": err.Error()})
		}
	}
}

func channelSet(channels []string) map[string]bool {
	out := make(map[string]bool, len(channels))
	for _, c := range channels {
		out[c] = true
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connectHandler upgrades an authenticated request to a persistent
// framed WebSocket connection.
func connectHandler(extractor *cachedExtractor, handler *gatewayHandler, cm *connmgr.Manager, serverID string, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerOrQueryToken(r)
		if token == "" {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		id, err := extractor.FromToken(token)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		sock := transport.New(conn, id.OrgID, id.UserID, transport.DefaultConfig(), log)
		handler.bind(sock, id)

		session := types.Session{
			ID: sock.ID(), OrgID: id.OrgID, UserID: id.UserID, OwningServerID: serverID,
			SocketID: sock.ID(), ClientType: types.ClientTypeBrowser, Channels: map[string]bool{},
		}
		if err := cm.RegisterSession(r.Context(), session); err != nil {
			log.Warn(r.Context(), "session register failed", map[string]interface{}{"error": err.Error()})
		}

		go sock.WritePump()
		sock.ReadPump(context.Background(), handler)
	}
}

func bearerOrQueryToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
