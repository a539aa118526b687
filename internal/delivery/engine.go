// Package delivery reliably delivers published events to every matching
// webhook DeliveryEndpoint with its declared retry, signing, and
// at-least-once / at-most-once / exactly-once semantics.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/infrastructure/metrics"
	"github.com/flowmesh-io/gateway/infrastructure/resilience"
	"github.com/flowmesh-io/gateway/infrastructure/security"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

// DefaultBackpressureThreshold is the per-endpoint queue depth beyond
// which new deliveries are shed rather than enqueued.
const DefaultBackpressureThreshold = 10000

// exactlyOnceDoneTTL bounds how long a "done" marker is kept; it must be at
// least the event stream's retention window so a replayed event cannot
// re-trigger delivery after the marker expires.
const exactlyOnceDoneTTL = 30 * 24 * time.Hour

type job struct {
	event      types.Event
	endpoint   types.DeliveryEndpoint
	deliveryID string
}

// ReceiptSink persists a DeliveryReceipt's terminal or in-flight state;
// typically backed by internal/storage for durability plus the
// substrate for active retry bookkeeping.
type ReceiptSink interface {
	SaveReceipt(ctx context.Context, receipt types.DeliveryReceipt) error
}

// AuditSink records a delivery-related audit event (e.g. backpressure).
type AuditSink interface {
	AuditAction(ctx context.Context, identity types.Identity, action, resource string)
}

// Engine is the delivery guarantee engine: one logical queue per
// endpoint, processed sequentially within an endpoint and in parallel
// across endpoints.
type Engine struct {
	store     substrate.Substrate
	log       *logging.Logger
	metrics   *metrics.Metrics
	client    *http.Client
	receipts  ReceiptSink
	threshold int

	mu       sync.Mutex
	queues   map[string]chan job
	breakers map[string]*resilience.CircuitBreaker
	wg       sync.WaitGroup
}

// New constructs a delivery Engine. client is the HTTP client used for
// webhook requests; callers typically configure its Timeout per the
// maximum endpoint timeout and override per-request via context.
func New(store substrate.Substrate, log *logging.Logger, m *metrics.Metrics, receipts ReceiptSink, client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		store:     store,
		log:       log,
		metrics:   m,
		client:    client,
		receipts:  receipts,
		threshold: DefaultBackpressureThreshold,
		queues:    make(map[string]chan job),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// RegisterEndpoint starts (if not already running) the dedicated worker
// goroutine for ep, consuming its queue sequentially so per-endpoint
// event-id ordering is preserved.
func (e *Engine) RegisterEndpoint(ctx context.Context, ep types.DeliveryEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queues[ep.ID]; ok {
		return
	}
	q := make(chan job, e.threshold)
	e.queues[ep.ID] = q
	e.breakers[ep.ID] = resilience.New(resilience.DefaultConfig())

	e.wg.Add(1)
	go e.runWorker(ctx, ep.ID, q)
}

func (e *Engine) runWorker(ctx context.Context, endpointID string, q chan job) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			e.process(ctx, j)
		}
	}
}

// Dispatch computes, for event, the set of endpoints whose filter
// matches, and enqueues one delivery job per matching endpoint. An
// endpoint whose queue is already at the backpressure threshold sheds
// the new job: the event still reaches every other endpoint.
func (e *Engine) Dispatch(ctx context.Context, event types.Event, endpoints []types.DeliveryEndpoint) {
	for _, ep := range endpoints {
		if !ep.Active {
			continue
		}
		if ep.OrgID != event.OrgID {
			continue
		}
		if !Matches(ep, event) {
			continue
		}
		e.enqueue(ctx, ep, event)
	}
}

func (e *Engine) enqueue(ctx context.Context, ep types.DeliveryEndpoint, event types.Event) {
	e.mu.Lock()
	q, ok := e.queues[ep.ID]
	e.mu.Unlock()
	if !ok {
		e.RegisterEndpoint(ctx, ep)
		e.mu.Lock()
		q = e.queues[ep.ID]
		e.mu.Unlock()
	}

	j := job{event: event, endpoint: ep, deliveryID: uuid.New().String()}
	select {
	case q <- j:
	default:
		if e.metrics != nil {
			e.metrics.RecordDeliveryBackpressure(ep.OrgID)
		}
		e.log.Warn(ctx, "delivery queue full, shedding", map[string]interface{}{
			"endpoint_id": ep.ID, "event_id": event.ID, "org_id": ep.OrgID,
		})
	}
}

func (e *Engine) exactlyOnceKey(eventID, endpointID string) string {
	return fmt.Sprintf("delivered:%s:%s", eventID, endpointID)
}

// process runs the full attempt schedule for one (event, endpoint) job
// according to the endpoint's declared semantics.
func (e *Engine) process(ctx context.Context, j job) {
	ep, event := j.endpoint, j.event
	receipt := types.DeliveryReceipt{
		ID: j.deliveryID, EventID: event.ID, EndpointID: ep.ID, OrgID: ep.OrgID,
		Status: types.DeliveryPending, FirstAttemptAt: time.Now(),
	}

	if ep.Semantics == types.SemanticsExactlyOnce {
		key := e.exactlyOnceKey(event.ID, ep.ID)
		current, _ := e.store.Get(ctx, key)
		if current == "done" {
			receipt.Status = types.DeliverySucceeded
			receipt.Reconciled = true
			e.save(ctx, receipt)
			return
		}
		ok, err := e.store.CompareAndSwap(ctx, key, "", "in-flight", ep.Timeout)
		if err != nil || !ok {
			// another worker holds it in-flight or a store error occurred;
			// defer rather than duplicate the attempt.
			return
		}
	}

	maxAttempts := 1
	if ep.Semantics == types.SemanticsAtLeastOnce || ep.Semantics == types.SemanticsExactlyOnce {
		maxAttempts = ep.RetryPolicy.MaxRetries + 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(NextDelay(ep.RetryPolicy, attempt-1))
		}

		receipt.Attempts = attempt
		receipt.LastAttemptAt = time.Now()
		code, duration, err := e.attempt(ctx, ep, event, j.deliveryID, attempt)
		receipt.ResponseCode = code
		receipt.ResponseTime = duration

		e.log.LogDelivery(ctx, ep.ID, event.ID, attempt, code, err)
		if e.metrics != nil {
			status := "failure"
			if err == nil {
				status = "success"
			}
			e.metrics.RecordDelivery(ep.OrgID, status, duration)
		}

		if err == nil {
			receipt.Status = types.DeliverySucceeded
			if ep.Semantics == types.SemanticsExactlyOnce {
				_ = e.store.Set(ctx, e.exactlyOnceKey(event.ID, ep.ID), "done", exactlyOnceDoneTTL)
			}
			e.save(ctx, receipt)
			return
		}
		receipt.Error = security.SanitizeError(err)

		if ep.Semantics == types.SemanticsAtMostOnce {
			receipt.Status = types.DeliveryFailed
			e.save(ctx, receipt)
			return
		}
	}

	receipt.Status = types.DeliveryDead
	if ep.Semantics == types.SemanticsExactlyOnce {
		_ = e.store.Delete(ctx, e.exactlyOnceKey(event.ID, ep.ID))
	}
	e.save(ctx, receipt)
}

func (e *Engine) save(ctx context.Context, receipt types.DeliveryReceipt) {
	if e.receipts == nil {
		return
	}
	if err := e.receipts.SaveReceipt(ctx, receipt); err != nil {
		e.log.Warn(ctx, "failed to persist delivery receipt", map[string]interface{}{
			"delivery_id": receipt.ID, "error": err.Error(),
		})
	}
}

// attempt performs a single HTTP delivery attempt through the
// endpoint's circuit breaker, returning the response status code (0 on
// transport failure), the attempt duration, and an error for any
// non-2xx outcome or transport failure.
func (e *Engine) attempt(ctx context.Context, ep types.DeliveryEndpoint, event types.Event, deliveryID string, attemptNum int) (int, time.Duration, error) {
	env, err := BuildEnvelope(event, deliveryID, attemptNum, ep.Secret)
	if err != nil {
		return 0, 0, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, 0, err
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}

	var statusCode int
	start := time.Now()

	e.mu.Lock()
	breaker := e.breakers[ep.ID]
	e.mu.Unlock()

	execErr := breaker.Execute(attemptCtx, func() error {
		req, err := http.NewRequestWithContext(attemptCtx, method, ep.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if env.Signature != "" {
			req.Header.Set("X-Webhook-Signature", env.Signature)
		}
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		if statusCode < 200 || statusCode > 299 {
			return fmt.Errorf("endpoint returned status %d", statusCode)
		}
		return nil
	})

	duration := time.Since(start)
	return statusCode, duration, execErr
}

// Shutdown waits (up to ctx's deadline) for in-flight attempts to
// complete. Workers mid-HTTP-request are allowed to finish or time out
// so exactly-once bookkeeping stays consistent.
func (e *Engine) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
