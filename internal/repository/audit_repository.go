package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/database"
)

// AuditRepository appends and reads immutable approval audit log entries.
// Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ AuditLog = (*AuditRepository)(nil)

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approvals_audit_log
		    (tenant_id, target_type, target_id,
		     chain_id, slot_id, action, performed_by, metadata)
		VALUES ($1, $2::approval_target_type, $3,
		        $4, $5, $6, $7, $8)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.TenantID,
		entry.TargetType,
		entry.TargetID,
		entry.ChainID,
		entry.SlotID,
		entry.Action,
		entry.PerformedBy,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// ListByTarget returns the full audit trail for a target, oldest first.
func (r *AuditRepository) ListByTarget(ctx context.Context, tenantID, targetType, targetID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, tenant_id, target_type, target_id,
		       chain_id, slot_id, action, performed_by, performed_at,
		       metadata
		FROM approvals_audit_log
		WHERE tenant_id = $1
		  AND target_type = $2::approval_target_type
		  AND target_id = $3
		ORDER BY performed_at
	`

	rows, err := r.db.Query(ctx, query, tenantID, targetType, targetID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.TargetType,
			&entry.TargetID,
			&entry.ChainID,
			&entry.SlotID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
