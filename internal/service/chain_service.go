package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Decisions accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ChainService materializes approval chains from rules and runs the
// per-slot decision state machine.
//
// Concurrency model: the only contended resource is a single slot row,
// decided with a compare-and-swap on its pending status. Everything
// aggregate (quorum counting, level advancement, terminal resolution) is
// recomputed from a read taken after the slot update commits and applied
// through further guarded updates, so concurrent "last approver" calls
// converge on exactly one advancement and one terminal event.
type ChainService struct {
	rules       *RuleService
	chains      repository.ChainStore
	delegations *DelegationService
	audit       repository.AuditLog
	directory   Directory
	notifier    Notifier
	log         *logger.Logger
}

// NewChainService creates a new ChainService.
func NewChainService(
	rules *RuleService,
	chains repository.ChainStore,
	delegations *DelegationService,
	audit repository.AuditLog,
	directory Directory,
	notifier Notifier,
	log *logger.Logger,
) *ChainService {
	return &ChainService{
		rules:       rules,
		chains:      chains,
		delegations: delegations,
		audit:       audit,
		directory:   directory,
		notifier:    notifier,
		log:         log,
	}
}

// StartChainRequest is the input to StartChain. Amount is in the caller's
// single comparison unit; the engine never converts currencies.
type StartChainRequest struct {
	TenantID    string
	TargetType  string
	TargetID    string
	Amount      int64
	SubmittedBy string
	RequestedAt time.Time
}

// ── ChainBuilder ─────────────────────────────────────────────────────────────

// StartChain resolves the applicable rule, freezes its levels and creates
// the chain with level-1 slots only. Later levels are materialized lazily
// when the preceding level is satisfied, so eligibility reflects role
// membership at the moment each level actually activates.
func (s *ChainService) StartChain(ctx context.Context, req StartChainRequest) (*repository.ApprovalChain, error) {
	if !repository.ValidTargetType(req.TargetType) {
		return nil, apperrors.InvalidInput("target_type", "unknown target type "+req.TargetType)
	}
	if req.TargetID == "" {
		return nil, apperrors.InvalidInput("target_id", "target id is required")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	active, err := s.chains.GetActiveChainByTarget(ctx, req.TenantID, req.TargetType, req.TargetID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.Conflict("an active approval chain already exists for this target")
	}

	rule, err := s.rules.FindApplicableRule(ctx, req.TenantID, req.TargetType, req.Amount)
	if err != nil {
		return nil, err
	}

	chain := &repository.ApprovalChain{
		TenantID:        req.TenantID,
		TargetType:      req.TargetType,
		TargetID:        req.TargetID,
		RuleID:          rule.ID,
		Levels:          rule.Levels,
		RejectionPolicy: rule.RejectionPolicy,
		Amount:          req.Amount,
		Status:          repository.ChainPending,
		CurrentLevel:    rule.Levels[0].Level,
		SubmittedBy:     req.SubmittedBy,
		SubmittedAt:     req.RequestedAt,
	}

	slots, err := s.buildLevelSlots(ctx, req.TenantID, &rule.Levels[0])
	if err != nil {
		return nil, err
	}

	if err := s.chains.CreateChain(ctx, chain, slots); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("chain_id", chain.ID).
		Str("tenant_id", chain.TenantID).
		Str("target_type", chain.TargetType).
		Str("target_id", chain.TargetID).
		Str("rule_id", chain.RuleID).
		Int("level_1_slots", len(slots)).
		Msg("Approval chain started")

	s.appendAudit(ctx, &repository.AuditEntry{
		TenantID:    chain.TenantID,
		TargetType:  chain.TargetType,
		TargetID:    chain.TargetID,
		ChainID:     &chain.ID,
		Action:      "chain_started",
		PerformedBy: req.SubmittedBy,
		Metadata: map[string]interface{}{
			"rule_id": chain.RuleID,
			"amount":  chain.Amount,
			"levels":  len(chain.Levels),
		},
	})

	s.notify(ctx, chain, EventChainStarted, req.SubmittedBy, s.effectiveRecipients(ctx, chain.TenantID, slots), map[string]interface{}{
		"level": chain.CurrentLevel,
	})

	return chain, nil
}

// buildLevelSlots resolves a level's role into one slot per eligible user.
// A role that resolves to nobody fails closed: a chain nobody could ever
// satisfy must not exist.
func (s *ChainService) buildLevelSlots(ctx context.Context, tenantID string, level *repository.RuleLevel) ([]*repository.ApprovalSlot, error) {
	users, err := s.directory.ResolveRole(ctx, tenantID, level.Role)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve approver role "+level.Role)
	}

	seen := make(map[string]struct{}, len(users))
	slots := make([]*repository.ApprovalSlot, 0, len(users))
	for _, userID := range users {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		slots = append(slots, &repository.ApprovalSlot{
			Level:      level.Level,
			Role:       level.Role,
			ApproverID: userID,
			Status:     repository.SlotPending,
		})
	}

	if len(slots) == 0 {
		return nil, apperrors.InvalidInput("role", fmt.Sprintf("no eligible approvers for role %q", level.Role))
	}
	if len(slots) < level.MinApprovals {
		return nil, apperrors.InvalidInput("role", fmt.Sprintf("role %q has %d members, level requires %d approvals", level.Role, len(slots), level.MinApprovals))
	}
	return slots, nil
}

// ── DecisionProcessor ────────────────────────────────────────────────────────

// DecideRequest is the input to Decide. SlotApproverID names the slot's
// original assignee; ActingUserID is whoever is calling, which may be that
// approver's delegate.
type DecideRequest struct {
	TenantID       string
	ChainID        string
	Level          int
	SlotApproverID string
	ActingUserID   string
	Decision       string
	Comment        *string
	DecidedAt      time.Time
}

// Decide applies one approve/reject decision to a pending slot and returns
// the chain state afterwards.
func (s *ChainService) Decide(ctx context.Context, req DecideRequest) (*repository.ApprovalChain, error) {
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, apperrors.InvalidInput("decision", "decision must be approve or reject")
	}
	if req.DecidedAt.IsZero() {
		req.DecidedAt = time.Now()
	}

	chain, err := s.chains.GetChain(ctx, req.TenantID, req.ChainID)
	if err != nil {
		return nil, err
	}
	if chain.Status != repository.ChainPending {
		return nil, apperrors.Conflict(fmt.Sprintf("chain is already resolved (status: %s)", chain.Status))
	}

	slot, err := s.chains.GetSlot(ctx, req.TenantID, req.ChainID, req.Level, req.SlotApproverID)
	if err != nil {
		return nil, err
	}
	if slot.Status != repository.SlotPending {
		return nil, apperrors.Conflict(fmt.Sprintf("slot is already decided (status: %s)", slot.Status))
	}

	// Delegation is resolved at decision time, not chain-start time, so a
	// delegation created after the chain began still takes effect.
	effective, ambiguous, err := s.delegations.EffectiveApprover(ctx, req.TenantID, slot.ApproverID, req.DecidedAt)
	if err != nil {
		return nil, err
	}
	if ambiguous {
		s.appendAudit(ctx, &repository.AuditEntry{
			TenantID:    chain.TenantID,
			TargetType:  chain.TargetType,
			TargetID:    chain.TargetID,
			ChainID:     &chain.ID,
			SlotID:      &slot.ID,
			Action:      "delegation_ambiguous",
			PerformedBy: req.ActingUserID,
			Metadata: map[string]interface{}{
				"approver_id": slot.ApproverID,
				"winner":      effective,
			},
		})
	}
	if req.ActingUserID != effective {
		return nil, apperrors.Unauthorized("user is not the effective approver for this slot")
	}

	status := repository.SlotApproved
	if req.Decision == DecisionReject {
		status = repository.SlotRejected
	}

	// The only write that can race: guarded by the slot still being pending.
	won, err := s.chains.DecideSlot(ctx, slot.ID, status, req.ActingUserID, req.Comment, req.DecidedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperrors.Conflict("slot is already decided")
	}

	meta := map[string]interface{}{
		"level":       slot.Level,
		"approver_id": slot.ApproverID,
	}
	if req.ActingUserID != slot.ApproverID {
		meta["decided_by_delegate"] = req.ActingUserID
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		TenantID:    chain.TenantID,
		TargetType:  chain.TargetType,
		TargetID:    chain.TargetID,
		ChainID:     &chain.ID,
		SlotID:      &slot.ID,
		Action:      status,
		PerformedBy: req.ActingUserID,
		Metadata:    meta,
	})

	if req.Decision == DecisionReject {
		if err := s.applyRejection(ctx, chain, slot, req); err != nil {
			return nil, err
		}
	} else {
		if err := s.applyApproval(ctx, chain, slot, req); err != nil {
			return nil, err
		}
	}

	return s.chains.GetChain(ctx, req.TenantID, req.ChainID)
}

// applyRejection handles post-decision consequences of a rejected slot.
func (s *ChainService) applyRejection(ctx context.Context, chain *repository.ApprovalChain, slot *repository.ApprovalSlot, req DecideRequest) error {
	if chain.RejectionPolicy == repository.RejectionLevelLocal {
		// The rejected slot is void, the level may still reach quorum.
		slots, err := s.chains.ListSlots(ctx, chain.ID)
		if err != nil {
			return err
		}
		approved, pending := countLevel(slots, slot.Level)
		min := minApprovalsAt(chain, slot.Level)
		if approved+pending >= min {
			return nil
		}
		// Quorum is mathematically out of reach: the chain fails as a whole.
	}

	return s.failChain(ctx, chain, req.ActingUserID, map[string]interface{}{
		"level":       slot.Level,
		"rejected_by": req.ActingUserID,
	})
}

// failChain skips every pending slot across the chain and resolves it
// rejected. Safe under races: the terminal event fires only for the caller
// whose guarded resolve succeeds.
func (s *ChainService) failChain(ctx context.Context, chain *repository.ApprovalChain, actorID string, meta map[string]interface{}) error {
	if _, err := s.chains.SkipPendingSlots(ctx, chain.ID, nil); err != nil {
		return err
	}
	resolved, err := s.chains.ResolveChain(ctx, chain.ID, repository.ChainRejected, time.Now())
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}

	s.log.Info().
		Str("chain_id", chain.ID).
		Str("target_type", chain.TargetType).
		Str("target_id", chain.TargetID).
		Msg("Approval chain rejected")

	s.appendAudit(ctx, &repository.AuditEntry{
		TenantID:    chain.TenantID,
		TargetType:  chain.TargetType,
		TargetID:    chain.TargetID,
		ChainID:     &chain.ID,
		Action:      "chain_rejected",
		PerformedBy: actorID,
		Metadata:    meta,
	})
	s.notify(ctx, chain, EventChainRejected, actorID, []string{chain.SubmittedBy}, meta)
	return nil
}

// applyApproval recomputes level satisfaction from a consistent read taken
// after the slot update committed, then advances or resolves the chain.
func (s *ChainService) applyApproval(ctx context.Context, chain *repository.ApprovalChain, slot *repository.ApprovalSlot, req DecideRequest) error {
	slots, err := s.chains.ListSlots(ctx, chain.ID)
	if err != nil {
		return err
	}
	approved, _ := countLevel(slots, slot.Level)
	if approved < minApprovalsAt(chain, slot.Level) {
		// Level not yet satisfied; nothing further.
		return nil
	}

	// Quorum reached: remaining votes at this level are unnecessary.
	level := slot.Level
	if _, err := s.chains.SkipPendingSlots(ctx, chain.ID, &level); err != nil {
		return err
	}

	if slot.Level == chain.LastLevel() {
		resolved, err := s.chains.ResolveChain(ctx, chain.ID, repository.ChainApproved, time.Now())
		if err != nil {
			return err
		}
		if !resolved {
			return nil
		}

		s.log.Info().
			Str("chain_id", chain.ID).
			Str("target_type", chain.TargetType).
			Str("target_id", chain.TargetID).
			Msg("Approval chain approved")

		s.appendAudit(ctx, &repository.AuditEntry{
			TenantID:    chain.TenantID,
			TargetType:  chain.TargetType,
			TargetID:    chain.TargetID,
			ChainID:     &chain.ID,
			Action:      "chain_approved",
			PerformedBy: req.ActingUserID,
			Metadata:    map[string]interface{}{"final_level": slot.Level},
		})
		s.notify(ctx, chain, EventChainApproved, req.ActingUserID, []string{chain.SubmittedBy}, nil)
		return nil
	}

	return s.advanceLevel(ctx, chain, slot.Level, req.ActingUserID)
}

// advanceLevel materializes the next level exactly once. The current-level
// guard arbitrates concurrent final approvals: only the winner resolves the
// role into slots; losers return quietly.
func (s *ChainService) advanceLevel(ctx context.Context, chain *repository.ApprovalChain, fromLevel int, actorID string) error {
	next := nextLevelAfter(chain, fromLevel)
	if next == nil {
		return nil
	}

	won, err := s.chains.AdvanceLevel(ctx, chain.ID, fromLevel, next.Level)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	// Role membership is resolved now, not at submission time.
	slots, err := s.buildLevelSlots(ctx, chain.TenantID, next)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeInvalidInput) {
			// Nobody can ever act on the new level; the chain is dead.
			s.log.Error().
				Str("chain_id", chain.ID).
				Int("level", next.Level).
				Str("role", next.Role).
				Msg("Next level has no eligible approvers; rejecting chain")
			return s.failChain(ctx, chain, actorID, map[string]interface{}{
				"level":  next.Level,
				"reason": "no eligible approvers for role " + next.Role,
			})
		}
		return err
	}

	if err := s.chains.InsertSlots(ctx, chain, slots); err != nil {
		return err
	}

	s.log.Info().
		Str("chain_id", chain.ID).
		Int("from_level", fromLevel).
		Int("to_level", next.Level).
		Int("slots", len(slots)).
		Msg("Approval chain advanced to next level")

	s.appendAudit(ctx, &repository.AuditEntry{
		TenantID:    chain.TenantID,
		TargetType:  chain.TargetType,
		TargetID:    chain.TargetID,
		ChainID:     &chain.ID,
		Action:      "level_advanced",
		PerformedBy: actorID,
		Metadata: map[string]interface{}{
			"from_level": fromLevel,
			"to_level":   next.Level,
			"slots":      len(slots),
		},
	})
	s.notify(ctx, chain, EventLevelAdvanced, actorID, s.effectiveRecipients(ctx, chain.TenantID, slots), map[string]interface{}{
		"level": next.Level,
	})
	return nil
}

// ── ChainQuery ───────────────────────────────────────────────────────────────

// PendingApproversFor returns the delegation-resolved users who can act on
// the chain right now, so a UI shows the true current decision-makers.
func (s *ChainService) PendingApproversFor(ctx context.Context, tenantID, chainID string) ([]string, error) {
	chain, err := s.chains.GetChain(ctx, tenantID, chainID)
	if err != nil {
		return nil, err
	}
	slots, err := s.chains.ListSlots(ctx, chain.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]struct{})
	var approvers []string
	for _, slot := range slots {
		if slot.Status != repository.SlotPending {
			continue
		}
		effective, _, err := s.delegations.EffectiveApprover(ctx, tenantID, slot.ApproverID, now)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[effective]; dup {
			continue
		}
		seen[effective] = struct{}{}
		approvers = append(approvers, effective)
	}
	sort.Strings(approvers)
	return approvers, nil
}

// ChainHistory pairs a chain with its slots for audit-trail views.
type ChainHistory struct {
	Chain *repository.ApprovalChain  `json:"chain"`
	Slots []*repository.ApprovalSlot `json:"slots"`
}

// HistoryFor returns every chain ever run for a target, oldest first,
// including superseded chains from prior rejected submissions.
func (s *ChainService) HistoryFor(ctx context.Context, tenantID, targetType, targetID string) ([]*ChainHistory, error) {
	if !repository.ValidTargetType(targetType) {
		return nil, apperrors.InvalidInput("target_type", "unknown target type "+targetType)
	}

	chains, err := s.chains.ListChainsByTarget(ctx, tenantID, targetType, targetID)
	if err != nil {
		return nil, err
	}

	history := make([]*ChainHistory, 0, len(chains))
	for _, chain := range chains {
		slots, err := s.chains.ListSlots(ctx, chain.ID)
		if err != nil {
			return nil, err
		}
		history = append(history, &ChainHistory{Chain: chain, Slots: slots})
	}
	return history, nil
}

// PendingForUser returns the slots userID can act on right now: their own
// slots unless delegated away, plus slots delegated in to them.
func (s *ChainService) PendingForUser(ctx context.Context, tenantID, userID string) ([]*repository.ApprovalSlot, error) {
	now := time.Now()

	delegators, err := s.delegations.DelegatorsOf(ctx, tenantID, userID, now)
	if err != nil {
		return nil, err
	}
	candidates := append(delegators, userID)

	slots, err := s.chains.ListPendingSlotsForApprovers(ctx, tenantID, candidates)
	if err != nil {
		return nil, err
	}

	var actionable []*repository.ApprovalSlot
	for _, slot := range slots {
		effective, _, err := s.delegations.EffectiveApprover(ctx, tenantID, slot.ApproverID, now)
		if err != nil {
			return nil, err
		}
		if effective == userID {
			actionable = append(actionable, slot)
		}
	}
	return actionable, nil
}

// AuditTrailFor returns the append-only audit entries for a target.
func (s *ChainService) AuditTrailFor(ctx context.Context, tenantID, targetType, targetID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByTarget(ctx, tenantID, targetType, targetID)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func countLevel(slots []*repository.ApprovalSlot, level int) (approved, pending int) {
	for _, slot := range slots {
		if slot.Level != level {
			continue
		}
		switch slot.Status {
		case repository.SlotApproved:
			approved++
		case repository.SlotPending:
			pending++
		}
	}
	return approved, pending
}

func minApprovalsAt(chain *repository.ApprovalChain, level int) int {
	if lvl := chain.LevelAt(level); lvl != nil {
		return lvl.MinApprovals
	}
	return 1
}

func nextLevelAfter(chain *repository.ApprovalChain, level int) *repository.RuleLevel {
	for i := range chain.Levels {
		if chain.Levels[i].Level > level {
			return &chain.Levels[i]
		}
	}
	return nil
}

// effectiveRecipients resolves slot assignees through delegation for
// notification delivery. Best effort: resolution failures fall back to the
// original assignee.
func (s *ChainService) effectiveRecipients(ctx context.Context, tenantID string, slots []*repository.ApprovalSlot) []string {
	now := time.Now()
	seen := make(map[string]struct{}, len(slots))
	var recipients []string
	for _, slot := range slots {
		effective, _, err := s.delegations.EffectiveApprover(ctx, tenantID, slot.ApproverID, now)
		if err != nil {
			effective = slot.ApproverID
		}
		if _, dup := seen[effective]; dup {
			continue
		}
		seen[effective] = struct{}{}
		recipients = append(recipients, effective)
	}
	return recipients
}

// appendAudit writes an audit entry and warns on failure; audit writes never
// fail the decision path.
func (s *ChainService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("target_id", entry.TargetID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

// notify publishes an event; delivery failures are the notifier's problem.
func (s *ChainService) notify(ctx context.Context, chain *repository.ApprovalChain, eventType, actorID string, recipients []string, payload map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, Event{
		Type:       eventType,
		TenantID:   chain.TenantID,
		ActorID:    actorID,
		Recipients: recipients,
		TargetType: chain.TargetType,
		TargetID:   chain.TargetID,
		ChainID:    chain.ID,
		Payload:    payload,
	})
}
