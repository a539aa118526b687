package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/infrastructure/metrics"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

type recordingSink struct {
	mu       sync.Mutex
	receipts []types.DeliveryReceipt
}

func (s *recordingSink) SaveReceipt(_ context.Context, r types.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func (s *recordingSink) at(i int) types.DeliveryReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[i]
}

func newTestEngine(t *testing.T, sink *recordingSink) (*Engine, *substrate.Memory) {
	t.Helper()
	store := substrate.NewMemory()
	log := logging.New("delivery-test", "error", "json")
	m := metrics.NewWithRegistry("gateway", prometheus.NewRegistry())
	eng := New(store, log, m, sink, &http.Client{Timeout: 2 * time.Second})
	return eng, store
}

func waitForReceipt(t *testing.T, sink *recordingSink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.len() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d receipts, got %d", want, sink.len())
}

func fastRetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxRetries: 3,
		Strategy:   types.BackoffFixed,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestEngine_AtMostOnceNoRetryOnFailure(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-1", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsAtMostOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-1", OrgID: "org-1", Type: "x", Channel: "org:org-1:chat", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	waitForReceipt(t, sink, 1)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 attempt for at-most-once, got %d", got)
	}
	if sink.at(0).Status != types.DeliveryFailed {
		t.Fatalf("expected failed status, got %v", sink.at(0).Status)
	}
}

func TestEngine_AtLeastOnceRetriesThenSucceeds(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-2", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsAtLeastOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-2", OrgID: "org-1", Type: "x", Channel: "org:org-1:chat", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	waitForReceipt(t, sink, 1)

	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", got)
	}
	if sink.at(0).Status != types.DeliverySucceeded {
		t.Fatalf("expected succeeded status, got %v", sink.at(0).Status)
	}
}

func TestEngine_AtLeastOnceExhaustsRetriesToDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-3", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsAtLeastOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-3", OrgID: "org-1", Type: "x", Channel: "org:org-1:chat", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	waitForReceipt(t, sink, 1)

	if sink.at(0).Status != types.DeliveryDead {
		t.Fatalf("expected dead status after exhausting retries, got %v", sink.at(0).Status)
	}
	if sink.at(0).Attempts != ep.RetryPolicy.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", ep.RetryPolicy.MaxRetries+1, sink.at(0).Attempts)
	}
}

func TestEngine_ExactlyOnceDedupesConcurrentDuplicates(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-4", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsExactlyOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-4", OrgID: "org-1", Type: "x", Channel: "org:org-1:chat", CreatedAt: time.Now()}

	// Simulate the same event landing twice in quick succession (e.g. a
	// stream replay racing the original delivery): the second job queues
	// behind the first on the endpoint's sequential worker and must see
	// the first job's "done" marker rather than dispatching a duplicate
	// request.
	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	time.Sleep(5 * time.Millisecond)
	eng.enqueue(ctx, ep, event)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt64(&calls) < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 HTTP attempt under exactly-once dedup, got %d", got)
	}
}

func TestEngine_ExactlyOnceReplayAfterSuccessSkipsRedelivery(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-5", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsExactlyOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-5", OrgID: "org-1", Type: "x", Channel: "org:org-1:chat", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	waitForReceipt(t, sink, 1)

	// Stream replay re-delivers the same event after it already succeeded.
	eng.enqueue(ctx, ep, event)
	waitForReceipt(t, sink, 2)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected no second HTTP attempt after done marker, got %d calls", got)
	}
	if !sink.at(1).Reconciled {
		t.Fatalf("expected replayed receipt to be marked reconciled")
	}
}

func TestEngine_BackpressureShedsBeyondThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	eng.threshold = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-6", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsAtMostOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}

	eng.RegisterEndpoint(ctx, ep)
	// Occupy the worker with a slow in-flight job, then flood past
	// the 1-slot queue; extra enqueues must be shed, never block.
	for i := 0; i < 5; i++ {
		event := types.Event{ID: "evt-flood", OrgID: "org-1", Type: "x", Channel: "c", CreatedAt: time.Now()}
		eng.enqueue(ctx, ep, event)
	}
	time.Sleep(300 * time.Millisecond)

	if sink.len() >= 5 {
		t.Fatalf("expected some deliveries to be shed under backpressure, got %d receipts", sink.len())
	}
}

func TestEngine_FilterExcludesNonMatchingEndpoint(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-7", OrgID: "org-1", URL: server.URL, Active: true,
		Semantics: types.SemanticsAtMostOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
		EventTypes: []string{"order.created"},
	}
	event := types.Event{ID: "evt-7", OrgID: "org-1", Type: "order.shipped", Channel: "c", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("expected non-matching event type to be filtered out, got %d calls", calls)
	}
}

func TestEngine_SignatureHeaderSentWhenSecretConfigured(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := types.DeliveryEndpoint{
		ID: "ep-8", OrgID: "org-1", URL: server.URL, Active: true, Secret: "shh",
		Semantics: types.SemanticsAtMostOnce, Timeout: time.Second, RetryPolicy: fastRetryPolicy(),
	}
	event := types.Event{ID: "evt-8", OrgID: "org-1", Type: "x", Channel: "c", CreatedAt: time.Now()}

	eng.Dispatch(ctx, event, []types.DeliveryEndpoint{ep})
	waitForReceipt(t, sink, 1)

	if gotHeader == "" {
		t.Fatalf("expected X-Webhook-Signature header to be set")
	}
}
