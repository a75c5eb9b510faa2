package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/database"
)

// DelegationRepository is the Postgres DelegationStore.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

var _ DelegationStore = (*DelegationRepository)(nil)

// CreateDelegation inserts a new delegation.
func (r *DelegationRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (tenant_id, approver_id, delegate_id,
		     start_date, end_date, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return r.db.QueryRow(ctx, query,
		d.TenantID,
		d.ApproverID,
		d.DelegateID,
		d.StartDate,
		d.EndDate,
		d.Reason,
		d.CreatedBy,
	).Scan(&d.ID, &d.CreatedAt)
}

// RevokeDelegation stamps revoked_at/revoked_by on an unrevoked delegation.
func (r *DelegationRepository) RevokeDelegation(ctx context.Context, tenantID, id, revokedBy string, at time.Time) error {
	query := `
		UPDATE approval_delegations
		SET revoked_at = $3,
		    revoked_by = $4
		WHERE id = $1 AND tenant_id = $2
		  AND revoked_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, tenantID, at, revokedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("delegation", id)
	}
	return err
}

// ListDelegations returns all delegations for a tenant, newest first.
func (r *DelegationRepository) ListDelegations(ctx context.Context, tenantID string) ([]*Delegation, error) {
	query := delegationSelect + ` WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	return scanDelegations(rows)
}

// ListActiveFor returns unrevoked delegations from approverID covering t,
// most recently created first so the resolver's overlap tiebreak is the
// first row.
func (r *DelegationRepository) ListActiveFor(ctx context.Context, tenantID, approverID string, t time.Time) ([]*Delegation, error) {
	query := delegationSelect + `
		WHERE tenant_id = $1
		  AND approver_id = $2
		  AND revoked_at IS NULL
		  AND start_date <= $3
		  AND end_date >= $3
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, tenantID, approverID, t)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list active delegations")
	}
	defer rows.Close()

	return scanDelegations(rows)
}

// ListActiveTo returns unrevoked delegations to delegateID covering t.
func (r *DelegationRepository) ListActiveTo(ctx context.Context, tenantID, delegateID string, t time.Time) ([]*Delegation, error) {
	query := delegationSelect + `
		WHERE tenant_id = $1
		  AND delegate_id = $2
		  AND revoked_at IS NULL
		  AND start_date <= $3
		  AND end_date >= $3
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, tenantID, delegateID, t)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list inbound delegations")
	}
	defer rows.Close()

	return scanDelegations(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const delegationSelect = `
	SELECT id, tenant_id, approver_id, delegate_id,
	       start_date, end_date, reason, created_by,
	       revoked_at, revoked_by, created_at
	FROM approval_delegations
`

func scanDelegations(rows pgx.Rows) ([]*Delegation, error) {
	var delegations []*Delegation
	for rows.Next() {
		d := &Delegation{}
		err := rows.Scan(
			&d.ID,
			&d.TenantID,
			&d.ApproverID,
			&d.DelegateID,
			&d.StartDate,
			&d.EndDate,
			&d.Reason,
			&d.CreatedBy,
			&d.RevokedAt,
			&d.RevokedBy,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}
