package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowmesh-io/gateway/internal/types"
)

// AuditRepo persists audit records for compliance and operator review.
type AuditRepo struct {
	db *sqlx.DB
}

// NewAuditRepo constructs an AuditRepo.
func NewAuditRepo(db *sqlx.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append stores a new audit record, assigning it an id if absent.
func (r *AuditRepo) Append(ctx context.Context, rec types.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	before, err := marshalOrNil(rec.Before)
	if err != nil {
		return err
	}
	after, err := marshalOrNil(rec.After)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, org_id, actor_id, action, resource, before, after, timestamp, severity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.OrgID, rec.ActorID, rec.Action, rec.Resource, before, after, rec.Timestamp, string(rec.Severity))
	return err
}

// ListByOrg returns the most recent audit records for an org, newest
// first, bounded by limit.
func (r *AuditRepo) ListByOrg(ctx context.Context, orgID string, limit int) ([]types.AuditRecord, error) {
	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, org_id, actor_id, action, resource, before, after, timestamp, severity
		FROM audit_records
		WHERE org_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, orgID, limit); err != nil {
		return nil, err
	}
	out := make([]types.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type auditRow struct {
	ID        string       `db:"id"`
	OrgID     string       `db:"org_id"`
	ActorID   string       `db:"actor_id"`
	Action    string       `db:"action"`
	Resource  string       `db:"resource"`
	Before    []byte       `db:"before"`
	After     []byte       `db:"after"`
	Timestamp sql.NullTime `db:"timestamp"`
	Severity  string       `db:"severity"`
}

func (row auditRow) toDomain() (types.AuditRecord, error) {
	rec := types.AuditRecord{
		ID: row.ID, OrgID: row.OrgID, ActorID: row.ActorID, Action: row.Action,
		Resource: row.Resource, Timestamp: row.Timestamp.Time, Severity: types.AuditSeverity(row.Severity),
	}
	if len(row.Before) > 0 {
		if err := json.Unmarshal(row.Before, &rec.Before); err != nil {
			return types.AuditRecord{}, err
		}
	}
	if len(row.After) > 0 {
		if err := json.Unmarshal(row.After, &rec.After); err != nil {
			return types.AuditRecord{}, err
		}
	}
	return rec, nil
}

func marshalOrNil(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
