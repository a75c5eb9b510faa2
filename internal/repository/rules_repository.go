package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/database"
)

// RulesRepository is the Postgres RuleStore. Level lists are stored as a
// JSONB array on the rule row.
type RulesRepository struct {
	db *database.DB
}

// NewRulesRepository creates a new RulesRepository.
func NewRulesRepository(db *database.DB) *RulesRepository {
	return &RulesRepository{db: db}
}

var _ RuleStore = (*RulesRepository)(nil)

// CreateRule inserts a new approval rule.
func (r *RulesRepository) CreateRule(ctx context.Context, rule *ApprovalRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal rule levels")
	}

	query := `
		INSERT INTO approval_rules
		    (tenant_id, target_type, name,
		     threshold_min, threshold_max, levels,
		     rejection_policy, escalate_after_hours, is_active)
		VALUES ($1, $2::approval_target_type, $3,
		        $4, $5, $6,
		        $7::approval_rejection_policy, $8, $9)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.TenantID,
		rule.TargetType,
		rule.Name,
		rule.ThresholdMin,
		rule.ThresholdMax,
		levelsJSON,
		rule.RejectionPolicy,
		rule.EscalateAfterHours,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// UpdateRule persists changes to an existing rule. Chains already started
// keep their frozen level snapshot regardless.
func (r *RulesRepository) UpdateRule(ctx context.Context, rule *ApprovalRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal rule levels")
	}

	query := `
		UPDATE approval_rules
		SET name                 = $3,
		    threshold_min        = $4,
		    threshold_max        = $5,
		    levels               = $6,
		    rejection_policy     = $7::approval_rejection_policy,
		    escalate_after_hours = $8,
		    is_active            = $9,
		    updated_at           = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		rule.ThresholdMin,
		rule.ThresholdMax,
		levelsJSON,
		rule.RejectionPolicy,
		rule.EscalateAfterHours,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	return err
}

// GetRule retrieves a rule by primary key.
func (r *RulesRepository) GetRule(ctx context.Context, tenantID, id string) (*ApprovalRule, error) {
	query := ruleSelect + ` WHERE id = $1 AND tenant_id = $2`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	return rule, err
}

// ListRules returns all rules for a tenant, optionally active only.
func (r *RulesRepository) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := ruleSelect + ` WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY target_type, threshold_min`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	return scanRules(rows)
}

// ListActiveRules returns active rules for one (tenant, target type).
func (r *RulesRepository) ListActiveRules(ctx context.Context, tenantID, targetType string) ([]*ApprovalRule, error) {
	query := ruleSelect + `
		WHERE tenant_id = $1
		  AND target_type = $2::approval_target_type
		  AND is_active
		ORDER BY threshold_min
	`

	rows, err := r.db.Query(ctx, query, tenantID, targetType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list active approval rules")
	}
	defer rows.Close()

	return scanRules(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const ruleSelect = `
	SELECT id, tenant_id, target_type, name,
	       threshold_min, threshold_max, levels,
	       rejection_policy, escalate_after_hours, is_active,
	       created_at, updated_at
	FROM approval_rules
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var levelsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.TargetType,
		&rule.Name,
		&rule.ThresholdMin,
		&rule.ThresholdMax,
		&levelsJSON,
		&rule.RejectionPolicy,
		&rule.EscalateAfterHours,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &rule.Levels); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal rule levels")
	}
	return rule, nil
}

func scanRules(rows pgx.Rows) ([]*ApprovalRule, error) {
	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
