package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh-io/gateway/internal/types"
)

// EndpointRepo persists webhook delivery endpoints.
type EndpointRepo struct {
	db *sqlx.DB
}

// NewEndpointRepo constructs an EndpointRepo.
func NewEndpointRepo(db *sqlx.DB) *EndpointRepo {
	return &EndpointRepo{db: db}
}

type endpointRow struct {
	ID          string    `db:"id"`
	OrgID       string    `db:"org_id"`
	Name        string    `db:"name"`
	URL         string    `db:"url"`
	Method      string    `db:"method"`
	Headers     []byte    `db:"headers"`
	Secret      string    `db:"secret"`
	TimeoutMS   int64     `db:"timeout_ms"`
	RetryPolicy []byte    `db:"retry_policy"`
	Semantics   string    `db:"semantics"`
	EventTypes  []byte    `db:"event_types"`
	Channels    []byte    `db:"channels"`
	Filter      []byte    `db:"filter"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r endpointRow) toDomain() (types.DeliveryEndpoint, error) {
	ep := types.DeliveryEndpoint{
		ID: r.ID, OrgID: r.OrgID, Name: r.Name, URL: r.URL, Method: r.Method,
		Secret: r.Secret, Timeout: time.Duration(r.TimeoutMS) * time.Millisecond,
		Semantics: types.DeliverySemantics(r.Semantics), Active: r.Active,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &ep.Headers); err != nil {
			return types.DeliveryEndpoint{}, err
		}
	}
	if len(r.RetryPolicy) > 0 {
		if err := json.Unmarshal(r.RetryPolicy, &ep.RetryPolicy); err != nil {
			return types.DeliveryEndpoint{}, err
		}
	}
	if len(r.EventTypes) > 0 {
		if err := json.Unmarshal(r.EventTypes, &ep.EventTypes); err != nil {
			return types.DeliveryEndpoint{}, err
		}
	}
	if len(r.Channels) > 0 {
		if err := json.Unmarshal(r.Channels, &ep.Channels); err != nil {
			return types.DeliveryEndpoint{}, err
		}
	}
	if len(r.Filter) > 0 {
		var node types.FilterNode
		if err := json.Unmarshal(r.Filter, &node); err != nil {
			return types.DeliveryEndpoint{}, err
		}
		ep.Filter = &node
	}
	return ep, nil
}

func toRow(ep types.DeliveryEndpoint) (endpointRow, error) {
	headers, err := json.Marshal(ep.Headers)
	if err != nil {
		return endpointRow{}, err
	}
	retry, err := json.Marshal(ep.RetryPolicy)
	if err != nil {
		return endpointRow{}, err
	}
	eventTypes, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return endpointRow{}, err
	}
	channels, err := json.Marshal(ep.Channels)
	if err != nil {
		return endpointRow{}, err
	}
	var filter []byte
	if ep.Filter != nil {
		filter, err = json.Marshal(ep.Filter)
		if err != nil {
			return endpointRow{}, err
		}
	}
	return endpointRow{
		ID: ep.ID, OrgID: ep.OrgID, Name: ep.Name, URL: ep.URL, Method: ep.Method,
		Headers: headers, Secret: ep.Secret, TimeoutMS: ep.Timeout.Milliseconds(),
		RetryPolicy: retry, Semantics: string(ep.Semantics), EventTypes: eventTypes,
		Channels: channels, Filter: filter, Active: ep.Active,
		CreatedAt: ep.CreatedAt, UpdatedAt: ep.UpdatedAt,
	}, nil
}

// Create inserts a new delivery endpoint.
func (r *EndpointRepo) Create(ctx context.Context, ep types.DeliveryEndpoint) error {
	row, err := toRow(ep)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO delivery_endpoints
			(id, org_id, name, url, method, headers, secret, timeout_ms, retry_policy, semantics, event_types, channels, filter, active, created_at, updated_at)
		VALUES
			($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, row.ID, row.OrgID, row.Name, row.URL, row.Method, row.Headers, row.Secret, row.TimeoutMS,
		row.RetryPolicy, row.Semantics, row.EventTypes, row.Channels, row.Filter, row.Active, row.CreatedAt, row.UpdatedAt)
	return err
}

// Get fetches an endpoint by id.
func (r *EndpointRepo) Get(ctx context.Context, id string) (types.DeliveryEndpoint, error) {
	var row endpointRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, org_id, name, url, method, headers, secret, timeout_ms, retry_policy,
		       semantics, event_types, channels, filter, active, created_at, updated_at
		FROM delivery_endpoints WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DeliveryEndpoint{}, ErrNotFound
	}
	if err != nil {
		return types.DeliveryEndpoint{}, err
	}
	return row.toDomain()
}

// ListActiveByOrg returns every active endpoint for an org, used to
// compute the fan-out set for a published event.
func (r *EndpointRepo) ListActiveByOrg(ctx context.Context, orgID string) ([]types.DeliveryEndpoint, error) {
	var rows []endpointRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, org_id, name, url, method, headers, secret, timeout_ms, retry_policy,
		       semantics, event_types, channels, filter, active, created_at, updated_at
		FROM delivery_endpoints WHERE org_id = $1 AND active = true
	`, orgID); err != nil {
		return nil, err
	}
	out := make([]types.DeliveryEndpoint, 0, len(rows))
	for _, row := range rows {
		ep, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Deactivate soft-deletes an endpoint by setting active=false.
func (r *EndpointRepo) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE delivery_endpoints SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
