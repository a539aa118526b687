package main

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh-io/gateway/internal/storage"
	"github.com/flowmesh-io/gateway/internal/types"
)

// orgStore is the subset of organization persistence the gateway needs
// at the HTTP layer. storage.OrganizationRepo satisfies it directly; a
// memory-backed implementation lets the node run without a database for
// local development.
type orgStore interface {
	Create(ctx context.Context, org types.Organization) error
	Get(ctx context.Context, id string) (types.Organization, error)
	UpdateLimits(ctx context.Context, id string, limits types.OrgLimits) error
}

// endpointStore is the subset of delivery endpoint persistence the
// gateway needs. storage.EndpointRepo satisfies it directly.
type endpointStore interface {
	Create(ctx context.Context, ep types.DeliveryEndpoint) error
	Get(ctx context.Context, id string) (types.DeliveryEndpoint, error)
	ListActiveByOrg(ctx context.Context, orgID string) ([]types.DeliveryEndpoint, error)
	Deactivate(ctx context.Context, id string) error
}

// memOrgStore is an in-process orgStore used when no DATABASE_URL is
// configured, so the gateway still runs for local development and demos.
type memOrgStore struct {
	mu   sync.RWMutex
	orgs map[string]types.Organization
}

func newMemOrgStore() *memOrgStore {
	return &memOrgStore{orgs: make(map[string]types.Organization)}
}

func (s *memOrgStore) Create(_ context.Context, org types.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

func (s *memOrgStore) Get(_ context.Context, id string) (types.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return types.Organization{}, storage.ErrNotFound
	}
	return org, nil
}

func (s *memOrgStore) UpdateLimits(_ context.Context, id string, limits types.OrgLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return storage.ErrNotFound
	}
	org.Limits = limits
	s.orgs[id] = org
	return nil
}

// memEndpointStore is an in-process endpointStore, mirroring memOrgStore.
type memEndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]types.DeliveryEndpoint
}

func newMemEndpointStore() *memEndpointStore {
	return &memEndpointStore{endpoints: make(map[string]types.DeliveryEndpoint)}
}

func (s *memEndpointStore) Create(_ context.Context, ep types.DeliveryEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *memEndpointStore) Get(_ context.Context, id string) (types.DeliveryEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return types.DeliveryEndpoint{}, storage.ErrNotFound
	}
	return ep, nil
}

func (s *memEndpointStore) ListActiveByOrg(_ context.Context, orgID string) ([]types.DeliveryEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.DeliveryEndpoint, 0)
	for _, ep := range s.endpoints {
		if ep.OrgID == orgID && ep.Active {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *memEndpointStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return storage.ErrNotFound
	}
	ep.Active = false
	s.endpoints[id] = ep
	return nil
}

// memReceiptSink discards delivery receipts to a bounded in-memory ring
// when no database is configured, so the delivery engine always has a
// ReceiptSink to write through.
type memReceiptSink struct {
	mu       sync.Mutex
	receipts []types.DeliveryReceipt
	cap      int
}

func newMemReceiptSink(capacity int) *memReceiptSink {
	return &memReceiptSink{cap: capacity}
}

func (s *memReceiptSink) SaveReceipt(_ context.Context, receipt types.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, receipt)
	if len(s.receipts) > s.cap {
		s.receipts = s.receipts[len(s.receipts)-s.cap:]
	}
	return nil
}
