// Package router fans a published event out to the right local sockets
// on the right gateway nodes, using the shared substrate's pubsub
// channel as the cross-server transport.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/infrastructure/metrics"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

// DefaultSkew is the maximum age an envelope may have before it is
// dropped as stale.
const DefaultSkew = 30 * time.Second

// DefaultDispatchTimeout bounds a single local socket's send so one slow
// socket cannot stall the fan-out of an envelope to the rest.
const DefaultDispatchTimeout = 2 * time.Second

const routingChannel = "gateway:routing"

// Envelope is the wire format exchanged over the shared pubsub channel.
type Envelope struct {
	MessageID    string      `json:"message_id"`
	FromServerID string      `json:"from_server_id"`
	ToServerIDs  []string    `json:"to_server_ids,omitempty"`
	OrgID        string      `json:"org_id"`
	Channel      string      `json:"channel"`
	Event        types.Event `json:"event"`
	SentAt       time.Time   `json:"sent_at"`
}

// LocalSocket is a single connected client on this node, addressable by
// the router's local dispatch step.
type LocalSocket interface {
	ID() string
	OrgID() string
	HasChannel(channel string) bool
	Send(ctx context.Context, event types.Event) error
}

// LocalDispatcher resolves the local sockets interested in an envelope.
type LocalDispatcher interface {
	SocketsForChannel(orgID, channel string) []LocalSocket
}

// Router is the cross-server event router for one gateway node.
type Router struct {
	serverID   string
	store      substrate.Substrate
	dispatcher LocalDispatcher
	userLookup func(ctx context.Context, userID string) (string, error)
	log        *logging.Logger
	metrics    *metrics.Metrics
	skew       time.Duration
	dispatchTO time.Duration
	sub        substrate.Subscription
}

// New constructs a Router for serverID. userLookup resolves a user id to
// its owning server id (typically connmgr.Manager.FindUserServer) for
// by-user addressing.
func New(serverID string, store substrate.Substrate, dispatcher LocalDispatcher, userLookup func(context.Context, string) (string, error), log *logging.Logger, m *metrics.Metrics) *Router {
	return &Router{
		serverID:   serverID,
		store:      store,
		dispatcher: dispatcher,
		userLookup: userLookup,
		log:        log,
		metrics:    m,
		skew:       DefaultSkew,
		dispatchTO: DefaultDispatchTimeout,
	}
}

// Start subscribes to the shared routing channel and dispatches incoming
// envelopes to local sockets until ctx is canceled. Call once per node
// at startup.
func (r *Router) Start(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, routingChannel)
	if err != nil {
		return svcerrors.Unavailable("routing channel subscribe", err)
	}
	r.sub = sub

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				r.handleMessage(ctx, msg)
			}
		}
	}()
	return nil
}

func (r *Router) handleMessage(ctx context.Context, msg substrate.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		r.log.Warn(ctx, "dropping unparseable routing envelope", map[string]interface{}{"error": err.Error()})
		return
	}

	if env.FromServerID == r.serverID {
		return // don't echo our own publish
	}
	if len(env.ToServerIDs) > 0 && !containsString(env.ToServerIDs, r.serverID) {
		return // targeted at a different subset of nodes
	}
	if time.Since(env.SentAt) > r.skew {
		if r.metrics != nil {
			r.metrics.RecordEventDropped(env.OrgID, "skew")
		}
		r.log.Warn(ctx, "dropping stale routing envelope", map[string]interface{}{
			"message_id": env.MessageID, "age": time.Since(env.SentAt).String(),
		})
		return
	}

	r.dispatchLocal(ctx, env)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// dispatchLocal fans an envelope out to every local socket subscribed to
// its channel, bounding each socket's send so a slow consumer cannot
// stall delivery to the rest.
func (r *Router) dispatchLocal(ctx context.Context, env Envelope) {
	sockets := r.dispatcher.SocketsForChannel(env.OrgID, env.Channel)
	if len(sockets) == 0 {
		return
	}

	errs := make([]error, len(sockets))
	done := make(chan struct{})
	remaining := len(sockets)

	for i, sock := range sockets {
		go func(i int, sock LocalSocket) {
			sockCtx, cancel := context.WithTimeout(ctx, r.dispatchTO)
			defer cancel()
			if err := sock.Send(sockCtx, env.Event); err != nil {
				errs[i] = fmt.Errorf("socket %s: %w", sock.ID(), err)
			}
			done <- struct{}{}
		}(i, sock)
	}
	for i := 0; i < remaining; i++ {
		<-done
	}

	if err := errors.Join(errs...); err != nil {
		r.log.Warn(ctx, "local dispatch had failures", map[string]interface{}{
			"channel": env.Channel, "org_id": env.OrgID, "error": err.Error(),
		})
	}
}

func (r *Router) publish(ctx context.Context, env Envelope) error {
	env.MessageID = uuid.New().String()
	env.FromServerID = r.serverID
	env.SentAt = time.Now()

	payload, err := json.Marshal(env)
	if err != nil {
		return svcerrors.Internal("envelope marshal", err).WithOrg(env.OrgID)
	}
	if err := r.store.Publish(ctx, routingChannel, payload); err != nil {
		return svcerrors.Unavailable("routing channel publish", err).WithOrg(env.OrgID)
	}
	// the publishing node also owns sockets that may be interested
	r.dispatchLocal(ctx, env)
	return nil
}

// Broadcast delivers event to every node (and this node's own matching
// local sockets).
func (r *Router) Broadcast(ctx context.Context, orgID, channel string, event types.Event) error {
	return r.publish(ctx, Envelope{OrgID: orgID, Channel: channel, Event: event})
}

// Targeted delivers event only to the given subset of node ids.
func (r *Router) Targeted(ctx context.Context, orgID, channel string, event types.Event, serverIDs []string) error {
	return r.publish(ctx, Envelope{OrgID: orgID, Channel: channel, Event: event, ToServerIDs: serverIDs})
}

// ByUser delivers event only to the node currently hosting userID's session.
func (r *Router) ByUser(ctx context.Context, orgID, channel string, event types.Event, userID string) error {
	serverID, err := r.userLookup(ctx, userID)
	if err != nil {
		return err
	}
	return r.Targeted(ctx, orgID, channel, event, []string{serverID})
}

// ByChannel is an alias for Broadcast: every node filters to its own
// sockets subscribed to the channel.
func (r *Router) ByChannel(ctx context.Context, orgID, channel string, event types.Event) error {
	return r.Broadcast(ctx, orgID, channel, event)
}
