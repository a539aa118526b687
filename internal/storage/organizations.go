package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh-io/gateway/internal/types"
)

// OrganizationRepo persists tenant records.
type OrganizationRepo struct {
	db *sqlx.DB
}

// NewOrganizationRepo constructs an OrganizationRepo.
func NewOrganizationRepo(db *sqlx.DB) *OrganizationRepo {
	return &OrganizationRepo{db: db}
}

type orgRow struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"`
	Limits    []byte    `db:"limits"`
	CreatedAt sql.NullTime `db:"created_at"`
}

func (r orgRow) toDomain() (types.Organization, error) {
	org := types.Organization{ID: r.ID, Slug: r.Slug, CreatedAt: r.CreatedAt.Time}
	if len(r.Limits) > 0 {
		if err := json.Unmarshal(r.Limits, &org.Limits); err != nil {
			return types.Organization{}, err
		}
	}
	return org, nil
}

// Create inserts a new organization.
func (r *OrganizationRepo) Create(ctx context.Context, org types.Organization) error {
	limits, err := json.Marshal(org.Limits)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, limits, created_at)
		VALUES ($1, $2, $3, $4)
	`, org.ID, org.Slug, limits, org.CreatedAt)
	return err
}

// Get fetches an organization by id.
func (r *OrganizationRepo) Get(ctx context.Context, id string) (types.Organization, error) {
	var row orgRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, slug, limits, created_at FROM organizations WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Organization{}, ErrNotFound
	}
	if err != nil {
		return types.Organization{}, err
	}
	return row.toDomain()
}

// UpdateLimits overwrites an organization's resource limits.
func (r *OrganizationRepo) UpdateLimits(ctx context.Context, id string, limits types.OrgLimits) error {
	body, err := json.Marshal(limits)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE organizations SET limits = $1 WHERE id = $2`, body, id)
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
