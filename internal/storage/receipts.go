package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh-io/gateway/internal/types"
)

// ReceiptRepo persists delivery receipts; it implements
// delivery.ReceiptSink so the delivery engine can write through it
// directly.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs a ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// SaveReceipt upserts a delivery receipt, keyed by its id.
func (r *ReceiptRepo) SaveReceipt(ctx context.Context, receipt types.DeliveryReceipt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts
			(id, event_id, endpoint_id, org_id, status, attempts, first_attempt_at, last_attempt_at, response_code, error, reconciled)
		VALUES
			($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			response_code = EXCLUDED.response_code,
			error = EXCLUDED.error,
			reconciled = EXCLUDED.reconciled
	`, receipt.ID, receipt.EventID, receipt.EndpointID, receipt.OrgID, string(receipt.Status),
		receipt.Attempts, receipt.FirstAttemptAt, receipt.LastAttemptAt, nullableInt(receipt.ResponseCode),
		nullableString(receipt.Error), receipt.Reconciled)
	return err
}

// ListByEndpoint returns the most recent receipts for an endpoint,
// newest first, bounded by limit.
func (r *ReceiptRepo) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]types.DeliveryReceipt, error) {
	var rows []receiptRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, endpoint_id, org_id, status, attempts, first_attempt_at, last_attempt_at, response_code, error, reconciled
		FROM delivery_receipts
		WHERE endpoint_id = $1
		ORDER BY last_attempt_at DESC
		LIMIT $2
	`, endpointID, limit); err != nil {
		return nil, err
	}
	out := make([]types.DeliveryReceipt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type receiptRow struct {
	ID             string         `db:"id"`
	EventID        string         `db:"event_id"`
	EndpointID     string         `db:"endpoint_id"`
	OrgID          string         `db:"org_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	FirstAttemptAt sql.NullTime   `db:"first_attempt_at"`
	LastAttemptAt  sql.NullTime   `db:"last_attempt_at"`
	ResponseCode   sql.NullInt64  `db:"response_code"`
	Error          sql.NullString `db:"error"`
	Reconciled     bool           `db:"reconciled"`
}

func (row receiptRow) toDomain() types.DeliveryReceipt {
	return types.DeliveryReceipt{
		ID: row.ID, EventID: row.EventID, EndpointID: row.EndpointID, OrgID: row.OrgID,
		Status: types.DeliveryStatus(row.Status), Attempts: row.Attempts,
		FirstAttemptAt: row.FirstAttemptAt.Time, LastAttemptAt: row.LastAttemptAt.Time,
		ResponseCode: int(row.ResponseCode.Int64), Error: row.Error.String, Reconciled: row.Reconciled,
	}
}

func nullableInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
