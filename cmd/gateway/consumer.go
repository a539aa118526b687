package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/delivery"
	"github.com/flowmesh-io/gateway/internal/eventstream"
	"github.com/flowmesh-io/gateway/internal/substrate"
)

// deliveryConsumerGroup is the consumer group every gateway node reads
// event streams through to drive webhook delivery. Sharing one group
// name across nodes spreads a stream's backlog across whichever nodes
// are up, and lets a crashed node's unacked entries be reclaimed by
// another.
const deliveryConsumerGroup = "delivery-engine"

// streamConsumerPool discovers every org/channel event stream and keeps
// one consumer-group reader running per stream, handing each event to
// the delivery engine and acking once it's been enqueued. This is what
// actually drives webhook delivery for both the WebSocket publish path
// and the HTTP publish path, since both only append to the stream.
type streamConsumerPool struct {
	store     substrate.Substrate
	stream    *eventstream.Stream
	engine    *delivery.Engine
	endpoints endpointStore
	log       *logging.Logger
	consumer  string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newStreamConsumerPool(store substrate.Substrate, stream *eventstream.Stream, engine *delivery.Engine, endpoints endpointStore, log *logging.Logger, consumerName string) *streamConsumerPool {
	return &streamConsumerPool{
		store:     store,
		stream:    stream,
		engine:    engine,
		endpoints: endpoints,
		log:       log,
		consumer:  consumerName,
		running:   make(map[string]context.CancelFunc),
	}
}

// Run periodically scans the substrate for event streams and starts a
// worker for any not already being consumed by this node, until ctx is
// canceled.
func (p *streamConsumerPool) Run(ctx context.Context) {
	const discoveryInterval = 5 * time.Second
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	p.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			return
		case <-ticker.C:
			p.discover(ctx)
		}
	}
}

func (p *streamConsumerPool) discover(ctx context.Context) {
	keys, err := p.store.Keys(ctx, "events:*")
	if err != nil {
		p.log.Warn(ctx, "event stream discovery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, key := range keys {
		orgID, channel, ok := parseStreamKey(key)
		if !ok {
			continue
		}
		p.ensureWorker(ctx, orgID, channel)
	}
}

func (p *streamConsumerPool) ensureWorker(ctx context.Context, orgID, channel string) {
	key := orgID + "/" + channel
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[key]; ok {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.running[key] = cancel
	go p.consume(workerCtx, orgID, channel)
}

func (p *streamConsumerPool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.running {
		cancel()
	}
}

// consume runs the read-dispatch-ack loop for one org/channel stream
// until ctx is canceled.
func (p *streamConsumerPool) consume(ctx context.Context, orgID, channel string) {
	if err := p.stream.EnsureGroup(ctx, orgID, channel, deliveryConsumerGroup); err != nil {
		p.log.Warn(ctx, "consumer group setup failed", map[string]interface{}{
			"org_id": orgID, "channel": channel, "error": err.Error(),
		})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := p.stream.Consume(ctx, orgID, channel, deliveryConsumerGroup, p.consumer, 5*time.Second, 50)
		if err != nil {
			p.log.Warn(ctx, "stream consume failed", map[string]interface{}{
				"org_id": orgID, "channel": channel, "error": err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}
		if len(events) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		endpoints, err := p.endpoints.ListActiveByOrg(ctx, orgID)
		if err != nil {
			p.log.Warn(ctx, "endpoint lookup failed", map[string]interface{}{"org_id": orgID, "error": err.Error()})
			continue
		}

		for _, event := range events {
			p.engine.Dispatch(ctx, event, endpoints)
			if err := p.stream.Ack(ctx, orgID, channel, deliveryConsumerGroup, event.ID); err != nil {
				p.log.Warn(ctx, "stream ack failed", map[string]interface{}{
					"org_id": orgID, "channel": channel, "event_id": event.ID, "error": err.Error(),
				})
			}
		}
	}
}

// parseStreamKey extracts the org and channel from an "events:org:channel"
// substrate key.
func parseStreamKey(key string) (orgID, channel string, ok bool) {
	const prefix = "events:"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
