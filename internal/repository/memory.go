package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
)

// MemoryStore is a mutex-guarded implementation of every store interface.
// It backs the test suite and DB-less local runs, and preserves the same
// compare-and-swap semantics as the Postgres repositories: all guarded
// updates re-check the row's status under the lock.
type MemoryStore struct {
	mu          sync.Mutex
	rules       map[string]*ApprovalRule
	chains      map[string]*ApprovalChain
	slots       map[string]*ApprovalSlot
	delegations map[string]*Delegation
	audit       []*AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:       make(map[string]*ApprovalRule),
		chains:      make(map[string]*ApprovalChain),
		slots:       make(map[string]*ApprovalSlot),
		delegations: make(map[string]*Delegation),
	}
}

var (
	_ RuleStore       = (*MemoryStore)(nil)
	_ ChainStore      = (*MemoryStore)(nil)
	_ DelegationStore = (*MemoryStore)(nil)
	_ AuditLog        = (*MemoryStore)(nil)
)

// ── RuleStore ────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateRule(_ context.Context, rule *ApprovalRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, rule *ApprovalRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[rule.ID]
	if !ok || existing.TenantID != rule.TenantID {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, tenantID, id string) (*ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok || rule.TenantID != tenantID {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	return copyRule(rule), nil
}

func (m *MemoryStore) ListRules(_ context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rules []*ApprovalRule
	for _, rule := range m.rules {
		if rule.TenantID != tenantID {
			continue
		}
		if activeOnly && !rule.IsActive {
			continue
		}
		rules = append(rules, copyRule(rule))
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].TargetType != rules[j].TargetType {
			return rules[i].TargetType < rules[j].TargetType
		}
		return rules[i].ThresholdMin < rules[j].ThresholdMin
	})
	return rules, nil
}

func (m *MemoryStore) ListActiveRules(_ context.Context, tenantID, targetType string) ([]*ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rules []*ApprovalRule
	for _, rule := range m.rules {
		if rule.TenantID == tenantID && rule.TargetType == targetType && rule.IsActive {
			rules = append(rules, copyRule(rule))
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ThresholdMin < rules[j].ThresholdMin })
	return rules, nil
}

// ── ChainStore ───────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateChain(_ context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same guarantee as the partial unique index: one pending chain per target.
	for _, c := range m.chains {
		if c.TenantID == chain.TenantID && c.TargetType == chain.TargetType &&
			c.TargetID == chain.TargetID && c.Status == ChainPending {
			return apperrors.Conflict("an active approval chain already exists for this target")
		}
	}

	now := time.Now()
	chain.ID = uuid.NewString()
	chain.CreatedAt = now
	chain.UpdatedAt = now
	m.chains[chain.ID] = copyChain(chain)

	for _, slot := range slots {
		fillSlot(slot, chain, now)
		m.slots[slot.ID] = copySlot(slot)
	}
	return nil
}

func (m *MemoryStore) InsertSlots(_ context.Context, chain *ApprovalChain, slots []*ApprovalSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, slot := range slots {
		fillSlot(slot, chain, now)
		m.slots[slot.ID] = copySlot(slot)
	}
	return nil
}

func fillSlot(slot *ApprovalSlot, chain *ApprovalChain, now time.Time) {
	slot.ID = uuid.NewString()
	slot.ChainID = chain.ID
	slot.TenantID = chain.TenantID
	slot.TargetType = chain.TargetType
	slot.TargetID = chain.TargetID
	slot.CreatedAt = now
	slot.UpdatedAt = now
}

func (m *MemoryStore) GetChain(_ context.Context, tenantID, chainID string) (*ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok || chain.TenantID != tenantID {
		return nil, apperrors.NotFound("approval_chain", chainID)
	}
	return copyChain(chain), nil
}

func (m *MemoryStore) GetActiveChainByTarget(_ context.Context, tenantID, targetType, targetID string) (*ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chain := range m.chains {
		if chain.TenantID == tenantID && chain.TargetType == targetType &&
			chain.TargetID == targetID && chain.Status == ChainPending {
			return copyChain(chain), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListChainsByTarget(_ context.Context, tenantID, targetType, targetID string) ([]*ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chains []*ApprovalChain
	for _, chain := range m.chains {
		if chain.TenantID == tenantID && chain.TargetType == targetType && chain.TargetID == targetID {
			chains = append(chains, copyChain(chain))
		}
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].SubmittedAt.Before(chains[j].SubmittedAt) })
	return chains, nil
}

func (m *MemoryStore) GetSlot(_ context.Context, tenantID, chainID string, level int, approverID string) (*ApprovalSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, slot := range m.slots {
		if slot.TenantID == tenantID && slot.ChainID == chainID &&
			slot.Level == level && slot.ApproverID == approverID {
			return copySlot(slot), nil
		}
	}
	return nil, apperrors.NotFound("approval_slot", approverID)
}

func (m *MemoryStore) ListSlots(_ context.Context, chainID string) ([]*ApprovalSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var slots []*ApprovalSlot
	for _, slot := range m.slots {
		if slot.ChainID == chainID {
			slots = append(slots, copySlot(slot))
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Level != slots[j].Level {
			return slots[i].Level < slots[j].Level
		}
		return slots[i].ApproverID < slots[j].ApproverID
	})
	return slots, nil
}

func (m *MemoryStore) ListPendingSlotsForApprovers(_ context.Context, tenantID string, approverIDs []string) ([]*ApprovalSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]struct{}, len(approverIDs))
	for _, id := range approverIDs {
		wanted[id] = struct{}{}
	}

	var slots []*ApprovalSlot
	for _, slot := range m.slots {
		if slot.TenantID != tenantID || slot.Status != SlotPending {
			continue
		}
		if _, ok := wanted[slot.ApproverID]; !ok {
			continue
		}
		chain := m.chains[slot.ChainID]
		if chain == nil || chain.Status != ChainPending {
			continue
		}
		slots = append(slots, copySlot(slot))
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].CreatedAt.Before(slots[j].CreatedAt) })
	return slots, nil
}

func (m *MemoryStore) DecideSlot(_ context.Context, slotID, status, decidedBy string, comment *string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok || slot.Status != SlotPending {
		return false, nil
	}
	slot.Status = status
	slot.DecidedBy = &decidedBy
	slot.Comment = comment
	at := decidedAt
	slot.DecidedAt = &at
	slot.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SkipPendingSlots(_ context.Context, chainID string, level *int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var skipped int64
	for _, slot := range m.slots {
		if slot.ChainID != chainID || slot.Status != SlotPending {
			continue
		}
		if level != nil && slot.Level != *level {
			continue
		}
		slot.Status = SlotSkipped
		slot.UpdatedAt = time.Now()
		skipped++
	}
	return skipped, nil
}

func (m *MemoryStore) ResolveChain(_ context.Context, chainID, status string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok || chain.Status != ChainPending {
		return false, nil
	}
	chain.Status = status
	at := completedAt
	chain.CompletedAt = &at
	chain.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) AdvanceLevel(_ context.Context, chainID string, fromLevel, toLevel int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok || chain.Status != ChainPending || chain.CurrentLevel != fromLevel {
		return false, nil
	}
	chain.CurrentLevel = toLevel
	chain.UpdatedAt = time.Now()
	return true, nil
}

// ── DelegationStore ──────────────────────────────────────────────────────────

func (m *MemoryStore) CreateDelegation(_ context.Context, d *Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.ID = uuid.NewString()
	d.CreatedAt = time.Now()
	m.delegations[d.ID] = copyDelegation(d)
	return nil
}

func (m *MemoryStore) RevokeDelegation(_ context.Context, tenantID, id, revokedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.delegations[id]
	if !ok || d.TenantID != tenantID || d.RevokedAt != nil {
		return apperrors.NotFound("delegation", id)
	}
	t := at
	d.RevokedAt = &t
	d.RevokedBy = &revokedBy
	return nil
}

func (m *MemoryStore) ListDelegations(_ context.Context, tenantID string) ([]*Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delegations []*Delegation
	for _, d := range m.delegations {
		if d.TenantID == tenantID {
			delegations = append(delegations, copyDelegation(d))
		}
	}
	sort.Slice(delegations, func(i, j int) bool { return delegations[i].CreatedAt.After(delegations[j].CreatedAt) })
	return delegations, nil
}

func (m *MemoryStore) ListActiveFor(_ context.Context, tenantID, approverID string, t time.Time) ([]*Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delegations []*Delegation
	for _, d := range m.delegations {
		if d.TenantID == tenantID && d.ApproverID == approverID && d.ActiveOn(t) {
			delegations = append(delegations, copyDelegation(d))
		}
	}
	sort.Slice(delegations, func(i, j int) bool { return delegations[i].CreatedAt.After(delegations[j].CreatedAt) })
	return delegations, nil
}

func (m *MemoryStore) ListActiveTo(_ context.Context, tenantID, delegateID string, t time.Time) ([]*Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delegations []*Delegation
	for _, d := range m.delegations {
		if d.TenantID == tenantID && d.DelegateID == delegateID && d.ActiveOn(t) {
			delegations = append(delegations, copyDelegation(d))
		}
	}
	sort.Slice(delegations, func(i, j int) bool { return delegations[i].CreatedAt.After(delegations[j].CreatedAt) })
	return delegations, nil
}

// ── AuditLog ─────────────────────────────────────────────────────────────────

func (m *MemoryStore) Append(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.PerformedAt = time.Now()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListByTarget(_ context.Context, tenantID, targetType, targetID string) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*AuditEntry
	for _, e := range m.audit {
		if e.TenantID == tenantID && e.TargetType == targetType && e.TargetID == targetID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ── copy helpers ─────────────────────────────────────────────────────────────
// Reads return copies so callers never alias store-owned rows.

func copyRule(rule *ApprovalRule) *ApprovalRule {
	out := *rule
	out.Levels = append([]RuleLevel(nil), rule.Levels...)
	if rule.ThresholdMax != nil {
		v := *rule.ThresholdMax
		out.ThresholdMax = &v
	}
	if rule.EscalateAfterHours != nil {
		v := *rule.EscalateAfterHours
		out.EscalateAfterHours = &v
	}
	return &out
}

func copyChain(chain *ApprovalChain) *ApprovalChain {
	out := *chain
	out.Levels = append([]RuleLevel(nil), chain.Levels...)
	if chain.CompletedAt != nil {
		v := *chain.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func copySlot(slot *ApprovalSlot) *ApprovalSlot {
	out := *slot
	if slot.DecidedBy != nil {
		v := *slot.DecidedBy
		out.DecidedBy = &v
	}
	if slot.Comment != nil {
		v := *slot.Comment
		out.Comment = &v
	}
	if slot.DecidedAt != nil {
		v := *slot.DecidedAt
		out.DecidedAt = &v
	}
	return &out
}

func copyDelegation(d *Delegation) *Delegation {
	out := *d
	if d.Reason != nil {
		v := *d.Reason
		out.Reason = &v
	}
	if d.RevokedAt != nil {
		v := *d.RevokedAt
		out.RevokedAt = &v
	}
	if d.RevokedBy != nil {
		v := *d.RevokedBy
		out.RevokedBy = &v
	}
	return &out
}
