package repository

import "time"

// ── Domain types for the approval workflow engine ────────────────────────────

// Target types that can be gated behind an approval chain. The engine is
// generic over these; no per-type behavior exists anywhere below the caller.
const (
	TargetRFQ           = "rfq"
	TargetPurchaseOrder = "purchase_order"
	TargetChangeOrder   = "change_order"
	TargetInvoice       = "invoice"
	TargetNCR           = "ncr"
)

// ValidTargetType reports whether t is a known target type.
func ValidTargetType(t string) bool {
	switch t {
	case TargetRFQ, TargetPurchaseOrder, TargetChangeOrder, TargetInvoice, TargetNCR:
		return true
	}
	return false
}

// Rejection policies. ChainFatal halts the whole chain on any single
// rejection; LevelLocal voids only the rejected slot, failing the chain only
// when the level can no longer reach its quorum.
const (
	RejectionChainFatal = "chain_fatal"
	RejectionLevelLocal = "level_local"
)

// Chain statuses.
const (
	ChainPending  = "pending"
	ChainApproved = "approved"
	ChainRejected = "rejected"
)

// Slot statuses.
const (
	SlotPending  = "pending"
	SlotApproved = "approved"
	SlotRejected = "rejected"
	SlotSkipped  = "skipped"
)

// RuleLevel is one entry in a rule's ordered level list, stored as JSONB.
type RuleLevel struct {
	Level        int    `json:"level"`
	Role         string `json:"role"`
	MinApprovals int    `json:"min_approvals"`
}

// ApprovalRule is a versioned policy scoped to (tenant, target type) with a
// half-open amount range [ThresholdMin, ThresholdMax). A nil ThresholdMax
// means unbounded. Active rule ranges for the same (tenant, target type)
// must not overlap; the resolver fails closed if they do.
type ApprovalRule struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	TargetType         string      `json:"target_type"`
	Name               string      `json:"name"`
	ThresholdMin       int64       `json:"threshold_min"`
	ThresholdMax       *int64      `json:"threshold_max,omitempty"`
	Levels             []RuleLevel `json:"levels"`
	RejectionPolicy    string      `json:"rejection_policy"`
	EscalateAfterHours *int        `json:"escalate_after_hours,omitempty"` // escalation firing is an external scheduler's job
	IsActive           bool        `json:"is_active"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// ContainsAmount reports whether amount falls inside the rule's range.
func (r *ApprovalRule) ContainsAmount(amount int64) bool {
	if amount < r.ThresholdMin {
		return false
	}
	if r.ThresholdMax != nil && amount >= *r.ThresholdMax {
		return false
	}
	return true
}

// ApprovalChain is one run of the workflow for one (target type, target id).
// Levels is a frozen deep copy of the rule's levels at submission time, so
// later rule edits never affect a running chain. CurrentLevel exists only as
// the compare-and-swap guard for exactly-once level advancement; read-side
// projections derive the pending level from the slots themselves.
type ApprovalChain struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	TargetType      string      `json:"target_type"`
	TargetID        string      `json:"target_id"`
	RuleID          string      `json:"rule_id"`
	Levels          []RuleLevel `json:"levels"`
	RejectionPolicy string      `json:"rejection_policy"`
	Amount          int64       `json:"amount"`
	Status          string      `json:"status"` // pending | approved | rejected
	CurrentLevel    int         `json:"current_level"`
	SubmittedBy     string      `json:"submitted_by"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// LastLevel returns the highest level number in the frozen snapshot.
func (c *ApprovalChain) LastLevel() int {
	if len(c.Levels) == 0 {
		return 0
	}
	return c.Levels[len(c.Levels)-1].Level
}

// LevelAt returns the frozen level definition for levelNo, or nil.
func (c *ApprovalChain) LevelAt(levelNo int) *RuleLevel {
	for i := range c.Levels {
		if c.Levels[i].Level == levelNo {
			return &c.Levels[i]
		}
	}
	return nil
}

// ApprovalSlot is one decision opportunity: one eligible approver at one
// level of one chain. ApproverID is the slot's original assignee and never
// changes; DecidedBy records who actually acted, which differs from
// ApproverID when a delegate decided.
type ApprovalSlot struct {
	ID         string     `json:"id"`
	ChainID    string     `json:"chain_id"`
	TenantID   string     `json:"tenant_id"`
	TargetType string     `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Level      int        `json:"level"`
	Role       string     `json:"role"`
	ApproverID string     `json:"approver_id"`
	Status     string     `json:"status"` // pending | approved | rejected | skipped
	DecidedBy  *string    `json:"decided_by,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Delegation is a time-bounded substitution of decision authority from
// ApproverID to DelegateID, inclusive of both dates. It substitutes
// authority only: slots stay assigned to the original approver.
type Delegation struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	ApproverID string     `json:"approver_id"`
	DelegateID string     `json:"delegate_id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    time.Time  `json:"end_date"`
	Reason     *string    `json:"reason,omitempty"`
	CreatedBy  string     `json:"created_by"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  *string    `json:"revoked_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActiveOn reports whether the delegation covers the given instant.
func (d *Delegation) ActiveOn(t time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	return !t.Before(d.StartDate) && !t.After(d.EndDate)
}

// AuditEntry is one immutable record in the approvals audit log.
type AuditEntry struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	TargetType  string                 `json:"target_type"`
	TargetID    string                 `json:"target_id"`
	ChainID     *string                `json:"chain_id,omitempty"`
	SlotID      *string                `json:"slot_id,omitempty"`
	Action      string                 `json:"action"` // chain_started | approved | rejected | skipped | level_advanced | chain_approved | chain_rejected | delegation_ambiguous
	PerformedBy string                 `json:"performed_by"`
	PerformedAt time.Time              `json:"performed_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
