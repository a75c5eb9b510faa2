package repository

import (
	"context"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/database"
)

// Schema is the engine's DDL, applied idempotently at startup.
const Schema = `
DO $$ BEGIN
    CREATE TYPE approval_target_type AS ENUM ('rfq', 'purchase_order', 'change_order', 'invoice', 'ncr');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
    CREATE TYPE approval_chain_status AS ENUM ('pending', 'approved', 'rejected');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
    CREATE TYPE approval_slot_status AS ENUM ('pending', 'approved', 'rejected', 'skipped');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
    CREATE TYPE approval_rejection_policy AS ENUM ('chain_fatal', 'level_local');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS approval_rules (
    id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id            TEXT NOT NULL,
    target_type          approval_target_type NOT NULL,
    name                 TEXT NOT NULL,
    threshold_min        BIGINT NOT NULL DEFAULT 0,
    threshold_max        BIGINT,
    levels               JSONB NOT NULL,
    rejection_policy     approval_rejection_policy NOT NULL DEFAULT 'chain_fatal',
    escalate_after_hours INTEGER,
    is_active            BOOLEAN NOT NULL DEFAULT TRUE,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_approval_rules_tenant_target
    ON approval_rules (tenant_id, target_type) WHERE is_active;

CREATE TABLE IF NOT EXISTS approval_chains (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id        TEXT NOT NULL,
    target_type      approval_target_type NOT NULL,
    target_id        TEXT NOT NULL,
    rule_id          UUID NOT NULL REFERENCES approval_rules (id),
    levels           JSONB NOT NULL,
    rejection_policy approval_rejection_policy NOT NULL DEFAULT 'chain_fatal',
    amount           BIGINT NOT NULL,
    status           approval_chain_status NOT NULL DEFAULT 'pending',
    current_level    INTEGER NOT NULL DEFAULT 1,
    submitted_by     TEXT NOT NULL,
    submitted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- At most one non-terminal chain per target.
CREATE UNIQUE INDEX IF NOT EXISTS uq_approval_chains_active_target
    ON approval_chains (tenant_id, target_type, target_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS approval_slots (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    chain_id    UUID NOT NULL REFERENCES approval_chains (id),
    tenant_id   TEXT NOT NULL,
    target_type approval_target_type NOT NULL,
    target_id   TEXT NOT NULL,
    level       INTEGER NOT NULL,
    role        TEXT NOT NULL,
    approver_id TEXT NOT NULL,
    status      approval_slot_status NOT NULL DEFAULT 'pending',
    decided_by  TEXT,
    comment     TEXT,
    decided_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (chain_id, level, approver_id)
);

CREATE INDEX IF NOT EXISTS idx_approval_slots_pending_approver
    ON approval_slots (tenant_id, approver_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS approval_delegations (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id   TEXT NOT NULL,
    approver_id TEXT NOT NULL,
    delegate_id TEXT NOT NULL,
    start_date  TIMESTAMPTZ NOT NULL,
    end_date    TIMESTAMPTZ NOT NULL,
    reason      TEXT,
    created_by  TEXT NOT NULL,
    revoked_at  TIMESTAMPTZ,
    revoked_by  TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (tenant_id, approver_id, delegate_id, start_date, end_date)
);

CREATE INDEX IF NOT EXISTS idx_approval_delegations_approver
    ON approval_delegations (tenant_id, approver_id);

CREATE TABLE IF NOT EXISTS approvals_audit_log (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id    TEXT NOT NULL,
    target_type  approval_target_type NOT NULL,
    target_id    TEXT NOT NULL,
    chain_id     UUID,
    slot_id      UUID,
    action       TEXT NOT NULL,
    performed_by TEXT NOT NULL,
    performed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    metadata     JSONB
);

CREATE INDEX IF NOT EXISTS idx_approvals_audit_target
    ON approvals_audit_log (tenant_id, target_type, target_id, performed_at);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}
