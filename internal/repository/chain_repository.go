package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/database"
)

// ChainRepository is the Postgres ChainStore. Chain + slot creation happens
// in one transaction; the three guarded updates rely on the row's previous
// status in the WHERE clause, so a lost race reads as zero rows.
type ChainRepository struct {
	db *database.DB
}

// NewChainRepository creates a new ChainRepository.
func NewChainRepository(db *database.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

var _ ChainStore = (*ChainRepository)(nil)

// CreateChain inserts the chain and its level-1 slots in one transaction.
// The partial unique index on active targets turns a concurrent duplicate
// submission into a constraint violation.
func (r *ChainRepository) CreateChain(ctx context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error {
	levelsJSON, err := json.Marshal(chain.Levels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain levels")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		chainQuery := `
			INSERT INTO approval_chains
			    (tenant_id, target_type, target_id, rule_id,
			     levels, rejection_policy, amount, status,
			     current_level, submitted_by, submitted_at)
			VALUES ($1, $2::approval_target_type, $3, $4,
			        $5, $6::approval_rejection_policy, $7, $8::approval_chain_status,
			        $9, $10, $11)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, chainQuery,
			chain.TenantID,
			chain.TargetType,
			chain.TargetID,
			chain.RuleID,
			levelsJSON,
			chain.RejectionPolicy,
			chain.Amount,
			chain.Status,
			chain.CurrentLevel,
			chain.SubmittedBy,
			chain.SubmittedAt,
		).Scan(&chain.ID, &chain.CreatedAt, &chain.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperrors.Conflict("an active approval chain already exists for this target")
			}
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval chain")
		}

		for _, slot := range slots {
			slot.ChainID = chain.ID
			slot.TenantID = chain.TenantID
			slot.TargetType = chain.TargetType
			slot.TargetID = chain.TargetID
			if err := insertSlot(ctx, tx, slot); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertSlots materializes slots for a newly activated level.
func (r *ChainRepository) InsertSlots(ctx context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, slot := range slots {
			slot.ChainID = chain.ID
			slot.TenantID = chain.TenantID
			slot.TargetType = chain.TargetType
			slot.TargetID = chain.TargetID
			if err := insertSlot(ctx, tx, slot); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSlot(ctx context.Context, tx pgx.Tx, slot *ApprovalSlot) error {
	query := `
		INSERT INTO approval_slots
		    (chain_id, tenant_id, target_type, target_id,
		     level, role, approver_id, status)
		VALUES ($1, $2, $3::approval_target_type, $4,
		        $5, $6, $7, $8::approval_slot_status)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		slot.ChainID,
		slot.TenantID,
		slot.TargetType,
		slot.TargetID,
		slot.Level,
		slot.Role,
		slot.ApproverID,
		slot.Status,
	).Scan(&slot.ID, &slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval slot")
	}
	return nil
}

// GetChain retrieves a chain by primary key.
func (r *ChainRepository) GetChain(ctx context.Context, tenantID, chainID string) (*ApprovalChain, error) {
	query := chainSelect + ` WHERE id = $1 AND tenant_id = $2`

	chain, err := scanChain(r.db.QueryRow(ctx, query, chainID, tenantID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_chain", chainID)
	}
	return chain, err
}

// GetActiveChainByTarget returns the pending chain for a target, or nil.
func (r *ChainRepository) GetActiveChainByTarget(ctx context.Context, tenantID, targetType, targetID string) (*ApprovalChain, error) {
	query := chainSelect + `
		WHERE tenant_id = $1
		  AND target_type = $2::approval_target_type
		  AND target_id = $3
		  AND status = 'pending'
	`

	chain, err := scanChain(r.db.QueryRow(ctx, query, tenantID, targetType, targetID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return chain, err
}

// ListChainsByTarget returns every chain for a target, oldest first.
func (r *ChainRepository) ListChainsByTarget(ctx context.Context, tenantID, targetType, targetID string) ([]*ApprovalChain, error) {
	query := chainSelect + `
		WHERE tenant_id = $1
		  AND target_type = $2::approval_target_type
		  AND target_id = $3
		ORDER BY submitted_at
	`

	rows, err := r.db.Query(ctx, query, tenantID, targetType, targetID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval chains")
	}
	defer rows.Close()

	var chains []*ApprovalChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval chain")
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

// GetSlot addresses a slot by chain, level and original assignee.
func (r *ChainRepository) GetSlot(ctx context.Context, tenantID, chainID string, level int, approverID string) (*ApprovalSlot, error) {
	query := slotSelect + `
		WHERE tenant_id = $1 AND chain_id = $2 AND level = $3 AND approver_id = $4
	`

	slot, err := scanSlot(r.db.QueryRow(ctx, query, tenantID, chainID, level, approverID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_slot", approverID)
	}
	return slot, err
}

// ListSlots returns all slots of a chain ordered by level then assignee.
func (r *ChainRepository) ListSlots(ctx context.Context, chainID string) ([]*ApprovalSlot, error) {
	query := slotSelect + ` WHERE chain_id = $1 ORDER BY level, approver_id`

	rows, err := r.db.Query(ctx, query, chainID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval slots")
	}
	defer rows.Close()

	return scanSlots(rows)
}

// ListPendingSlotsForApprovers returns pending slots of pending chains
// assigned to any of approverIDs.
func (r *ChainRepository) ListPendingSlotsForApprovers(ctx context.Context, tenantID string, approverIDs []string) ([]*ApprovalSlot, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT s.id, s.chain_id, s.tenant_id, s.target_type, s.target_id,
		       s.level, s.role, s.approver_id, s.status,
		       s.decided_by, s.comment, s.decided_at,
		       s.created_at, s.updated_at
		FROM approval_slots s
		JOIN approval_chains c ON c.id = s.chain_id
		WHERE s.tenant_id = $1
		  AND s.status = 'pending'
		  AND c.status = 'pending'
		  AND s.approver_id = ANY($2)
		ORDER BY s.created_at
	`

	rows, err := r.db.Query(ctx, query, tenantID, approverIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending slots")
	}
	defer rows.Close()

	return scanSlots(rows)
}

// DecideSlot moves a slot pending→status. The status guard in the WHERE
// clause makes concurrent double-decisions impossible: the loser sees false.
func (r *ChainRepository) DecideSlot(ctx context.Context, slotID, status, decidedBy string, comment *string, decidedAt time.Time) (bool, error) {
	query := `
		UPDATE approval_slots
		SET status     = $2::approval_slot_status,
		    decided_by = $3,
		    comment    = $4,
		    decided_at = $5,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, slotID, status, decidedBy, comment, decidedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to decide approval slot")
	}
	return true, nil
}

// SkipPendingSlots marks pending slots skipped, chain-wide when level is nil.
func (r *ChainRepository) SkipPendingSlots(ctx context.Context, chainID string, level *int) (int64, error) {
	query := `
		UPDATE approval_slots
		SET status     = 'skipped'::approval_slot_status,
		    updated_at = NOW()
		WHERE chain_id = $1
		  AND status = 'pending'
	`
	args := []any{chainID}
	if level != nil {
		query += ` AND level = $2`
		args = append(args, *level)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to skip pending slots")
	}
	return tag.RowsAffected(), nil
}

// ResolveChain moves a chain pending→status.
func (r *ChainRepository) ResolveChain(ctx context.Context, chainID, status string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE approval_chains
		SET status       = $2::approval_chain_status,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, chainID, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve approval chain")
	}
	return true, nil
}

// AdvanceLevel moves current_level fromLevel→toLevel. The guard makes the
// next-level materialization exactly-once under concurrent final approvals.
func (r *ChainRepository) AdvanceLevel(ctx context.Context, chainID string, fromLevel, toLevel int) (bool, error) {
	query := `
		UPDATE approval_chains
		SET current_level = $3,
		    updated_at    = NOW()
		WHERE id = $1
		  AND current_level = $2
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, chainID, fromLevel, toLevel).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to advance chain level")
	}
	return true, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const chainSelect = `
	SELECT id, tenant_id, target_type, target_id, rule_id,
	       levels, rejection_policy, amount, status,
	       current_level, submitted_by, submitted_at, completed_at,
	       created_at, updated_at
	FROM approval_chains
`

const slotSelect = `
	SELECT id, chain_id, tenant_id, target_type, target_id,
	       level, role, approver_id, status,
	       decided_by, comment, decided_at,
	       created_at, updated_at
	FROM approval_slots
`

func scanChain(row rowScanner) (*ApprovalChain, error) {
	chain := &ApprovalChain{}
	var levelsJSON []byte

	err := row.Scan(
		&chain.ID,
		&chain.TenantID,
		&chain.TargetType,
		&chain.TargetID,
		&chain.RuleID,
		&levelsJSON,
		&chain.RejectionPolicy,
		&chain.Amount,
		&chain.Status,
		&chain.CurrentLevel,
		&chain.SubmittedBy,
		&chain.SubmittedAt,
		&chain.CompletedAt,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &chain.Levels); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal chain levels")
	}
	return chain, nil
}

func scanSlot(row rowScanner) (*ApprovalSlot, error) {
	s := &ApprovalSlot{}
	err := row.Scan(
		&s.ID,
		&s.ChainID,
		&s.TenantID,
		&s.TargetType,
		&s.TargetID,
		&s.Level,
		&s.Role,
		&s.ApproverID,
		&s.Status,
		&s.DecidedBy,
		&s.Comment,
		&s.DecidedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanSlots(rows pgx.Rows) ([]*ApprovalSlot, error) {
	var slots []*ApprovalSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval slot")
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}
