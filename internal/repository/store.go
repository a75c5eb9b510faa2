package repository

import (
	"context"
	"time"
)

// Store interfaces sit between the workflow services and the two backing
// implementations (Postgres for deployments, memory for tests and DB-less
// local runs). Every lookup is tenant-scoped.

// RuleStore holds versioned approval rules. It performs no matching logic;
// rule selection and ambiguity detection live in the service layer so both
// backends share them.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *ApprovalRule) error
	UpdateRule(ctx context.Context, rule *ApprovalRule) error
	GetRule(ctx context.Context, tenantID, id string) (*ApprovalRule, error)
	ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error)
	// ListActiveRules returns active rules for one (tenant, target type).
	ListActiveRules(ctx context.Context, tenantID, targetType string) ([]*ApprovalRule, error)
}

// ChainStore persists chains and their slots. The three compare-and-swap
// operations (DecideSlot, ResolveChain, AdvanceLevel) return false instead
// of an error when the guard fails, so callers can distinguish a lost race
// from a storage failure.
type ChainStore interface {
	// CreateChain inserts the chain and its initial slots in one transaction.
	CreateChain(ctx context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error
	GetChain(ctx context.Context, tenantID, chainID string) (*ApprovalChain, error)
	// GetActiveChainByTarget returns the non-terminal chain for a target,
	// or nil when none exists.
	GetActiveChainByTarget(ctx context.Context, tenantID, targetType, targetID string) (*ApprovalChain, error)
	// ListChainsByTarget returns every chain for a target, oldest first.
	ListChainsByTarget(ctx context.Context, tenantID, targetType, targetID string) ([]*ApprovalChain, error)

	// GetSlot addresses a slot by its chain, level and original assignee.
	GetSlot(ctx context.Context, tenantID, chainID string, level int, approverID string) (*ApprovalSlot, error)
	// ListSlots returns all slots of a chain ordered by level then assignee.
	ListSlots(ctx context.Context, chainID string) ([]*ApprovalSlot, error)
	// ListPendingSlotsForApprovers returns pending slots of pending chains
	// whose original assignee is one of approverIDs.
	ListPendingSlotsForApprovers(ctx context.Context, tenantID string, approverIDs []string) ([]*ApprovalSlot, error)
	// InsertSlots materializes additional slots on an existing chain.
	InsertSlots(ctx context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error

	// DecideSlot moves a slot pending→status, guarded by the slot still
	// being pending. Returns false when the guard fails.
	DecideSlot(ctx context.Context, slotID, status, decidedBy string, comment *string, decidedAt time.Time) (bool, error)
	// SkipPendingSlots marks pending slots skipped, chain-wide when level is
	// nil or within one level otherwise. Returns the number skipped.
	SkipPendingSlots(ctx context.Context, chainID string, level *int) (int64, error)
	// ResolveChain moves a chain pending→status, guarded by the chain still
	// being pending. Returns false when the guard fails.
	ResolveChain(ctx context.Context, chainID, status string, completedAt time.Time) (bool, error)
	// AdvanceLevel moves current_level fromLevel→toLevel, guarded by
	// current_level still being fromLevel. Returns false when the guard
	// fails; at most one concurrent caller observes true.
	AdvanceLevel(ctx context.Context, chainID string, fromLevel, toLevel int) (bool, error)
}

// DelegationStore persists time-bounded delegations of approval authority.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, d *Delegation) error
	RevokeDelegation(ctx context.Context, tenantID, id, revokedBy string, at time.Time) error
	ListDelegations(ctx context.Context, tenantID string) ([]*Delegation, error)
	// ListActiveFor returns unrevoked delegations FROM approverID covering t,
	// most recently created first.
	ListActiveFor(ctx context.Context, tenantID, approverID string, t time.Time) ([]*Delegation, error)
	// ListActiveTo returns unrevoked delegations TO delegateID covering t.
	ListActiveTo(ctx context.Context, tenantID, delegateID string, t time.Time) ([]*Delegation, error)
}

// AuditLog appends and reads immutable audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByTarget(ctx context.Context, tenantID, targetType, targetID string) ([]*AuditEntry, error)
}
