package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// DelegationService owns delegation lifecycle and effective-approver
// resolution. A delegation substitutes decision-making authority without
// reassigning the slot: the chain keeps the original approver, and the
// record of who decided carries the delegate.
type DelegationService struct {
	delegations repository.DelegationStore
	log         *logger.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(delegations repository.DelegationStore, log *logger.Logger) *DelegationService {
	return &DelegationService{delegations: delegations, log: log}
}

// EffectiveApprover resolves who may decide a slot assigned to approverID at
// onDate. With no active delegation it is the approver; with one it is the
// delegate (delegate-exclusive: the delegator loses authority for the
// window). Overlapping delegations are a configuration anomaly: the most
// recently created one wins and ambiguous=true is reported so the caller can
// audit it — a human is waiting on a decision, so availability beats strict
// consistency here.
func (s *DelegationService) EffectiveApprover(ctx context.Context, tenantID, approverID string, onDate time.Time) (effective string, ambiguous bool, err error) {
	active, err := s.delegations.ListActiveFor(ctx, tenantID, approverID, onDate)
	if err != nil {
		return "", false, err
	}

	switch len(active) {
	case 0:
		return approverID, false, nil
	case 1:
		return active[0].DelegateID, false, nil
	default:
		// ListActiveFor orders most recently created first.
		s.log.Warn().
			Str("tenant_id", tenantID).
			Str("approver_id", approverID).
			Int("overlapping", len(active)).
			Str("winner", active[0].DelegateID).
			Msg("Overlapping delegations; using most recently created")
		return active[0].DelegateID, true, nil
	}
}

// DelegatorsOf returns the approvers who currently delegate to delegateID.
func (s *DelegationService) DelegatorsOf(ctx context.Context, tenantID, delegateID string, onDate time.Time) ([]string, error) {
	inbound, err := s.delegations.ListActiveTo(ctx, tenantID, delegateID, onDate)
	if err != nil {
		return nil, err
	}
	approvers := make([]string, 0, len(inbound))
	for _, d := range inbound {
		approvers = append(approvers, d.ApproverID)
	}
	return approvers, nil
}

// CreateDelegation validates and persists a new delegation.
func (s *DelegationService) CreateDelegation(ctx context.Context, d *repository.Delegation) error {
	if d.TenantID == "" {
		return apperrors.InvalidInput("tenant_id", "tenant is required")
	}
	if d.ApproverID == "" || d.DelegateID == "" {
		return apperrors.InvalidInput("approver_id", "approver and delegate are required")
	}
	if d.ApproverID == d.DelegateID {
		return apperrors.InvalidInput("delegate_id", "cannot delegate to oneself")
	}
	if d.EndDate.Before(d.StartDate) {
		return apperrors.InvalidInput("end_date", "end date precedes start date")
	}

	// Write-time overlap check. The resolver tolerates overlaps that slip
	// through anyway (most-recent-wins), so this is a guard, not a crutch.
	existing, err := s.delegations.ListDelegations(ctx, d.TenantID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ApproverID != d.ApproverID || other.RevokedAt != nil {
			continue
		}
		if !d.StartDate.After(other.EndDate) && !d.EndDate.Before(other.StartDate) {
			return apperrors.Conflict("delegation period overlaps an existing delegation for this approver")
		}
	}

	if err := s.delegations.CreateDelegation(ctx, d); err != nil {
		return err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("tenant_id", d.TenantID).
		Str("approver_id", d.ApproverID).
		Str("delegate_id", d.DelegateID).
		Time("start_date", d.StartDate).
		Time("end_date", d.EndDate).
		Msg("Delegation created")
	return nil
}

// RevokeDelegation ends a delegation early.
func (s *DelegationService) RevokeDelegation(ctx context.Context, tenantID, id, revokedBy string) error {
	if err := s.delegations.RevokeDelegation(ctx, tenantID, id, revokedBy, time.Now()); err != nil {
		return err
	}
	s.log.Info().
		Str("delegation_id", id).
		Str("tenant_id", tenantID).
		Str("revoked_by", revokedBy).
		Msg("Delegation revoked")
	return nil
}

// ListDelegations lists a tenant's delegations.
func (s *DelegationService) ListDelegations(ctx context.Context, tenantID string) ([]*repository.Delegation, error) {
	return s.delegations.ListDelegations(ctx, tenantID)
}
