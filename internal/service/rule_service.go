package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// RuleService owns approval rule lifecycle and the applicable-rule lookup.
// Write paths reject overlapping active ranges; the read path still fails
// closed if overlapping rows exist anyway (e.g. written before the check).
type RuleService struct {
	rules repository.RuleStore
	log   *logger.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules repository.RuleStore, log *logger.Logger) *RuleService {
	return &RuleService{rules: rules, log: log}
}

// FindApplicableRule returns the single active rule whose amount range
// contains amount for (tenant, target type).
//
// Zero matches yield NOT_FOUND: whether that means auto-approve or block is
// the caller's policy, not the engine's. More than one match means the
// non-overlap invariant was violated upstream; the engine must not guess,
// so it yields AMBIGUOUS.
func (s *RuleService) FindApplicableRule(ctx context.Context, tenantID, targetType string, amount int64) (*repository.ApprovalRule, error) {
	if !repository.ValidTargetType(targetType) {
		return nil, apperrors.InvalidInput("target_type", "unknown target type "+targetType)
	}

	rules, err := s.rules.ListActiveRules(ctx, tenantID, targetType)
	if err != nil {
		return nil, err
	}

	var matched []*repository.ApprovalRule
	for _, rule := range rules {
		if rule.ContainsAmount(amount) {
			matched = append(matched, rule)
		}
	}

	switch len(matched) {
	case 0:
		return nil, apperrors.NotFound("approval_rule",
			fmt.Sprintf("%s/%s amount=%d", tenantID, targetType, amount))
	case 1:
		rule := matched[0]
		// Hand back a frozen copy of the levels so the chain snapshot is
		// decoupled from any later edits to the stored rule.
		rule.Levels = append([]repository.RuleLevel(nil), rule.Levels...)
		return rule, nil
	default:
		s.log.Error().
			Str("tenant_id", tenantID).
			Str("target_type", targetType).
			Int64("amount", amount).
			Int("matched", len(matched)).
			Msg("Overlapping active approval rules; failing closed")
		return nil, apperrors.Ambiguous("multiple active approval rules match this amount")
	}
}

// CreateRule validates and persists a new rule.
func (s *RuleService) CreateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if err := s.validateRule(ctx, rule, ""); err != nil {
		return err
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("tenant_id", rule.TenantID).
		Str("target_type", rule.TargetType).
		Int("levels", len(rule.Levels)).
		Msg("Approval rule created")
	return nil
}

// UpdateRule validates and persists changes to an existing rule. Running
// chains keep their frozen snapshot and are unaffected.
func (s *RuleService) UpdateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if err := s.validateRule(ctx, rule, rule.ID); err != nil {
		return err
	}
	return s.rules.UpdateRule(ctx, rule)
}

// DeactivateRule flips a rule inactive.
func (s *RuleService) DeactivateRule(ctx context.Context, tenantID, id string) error {
	rule, err := s.rules.GetRule(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !rule.IsActive {
		return nil
	}
	rule.IsActive = false
	return s.rules.UpdateRule(ctx, rule)
}

// GetRule retrieves one rule.
func (s *RuleService) GetRule(ctx context.Context, tenantID, id string) (*repository.ApprovalRule, error) {
	return s.rules.GetRule(ctx, tenantID, id)
}

// ListRules lists a tenant's rules.
func (s *RuleService) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	return s.rules.ListRules(ctx, tenantID, activeOnly)
}

// validateRule checks rule shape and the non-overlap invariant against the
// tenant's other active rules. excludeID skips the rule itself on update.
func (s *RuleService) validateRule(ctx context.Context, rule *repository.ApprovalRule, excludeID string) error {
	if rule.TenantID == "" {
		return apperrors.InvalidInput("tenant_id", "tenant is required")
	}
	if !repository.ValidTargetType(rule.TargetType) {
		return apperrors.InvalidInput("target_type", "unknown target type "+rule.TargetType)
	}
	if rule.Name == "" {
		return apperrors.InvalidInput("name", "rule name is required")
	}
	if rule.ThresholdMax != nil && *rule.ThresholdMax <= rule.ThresholdMin {
		return apperrors.InvalidInput("threshold_max", "threshold_max must exceed threshold_min")
	}
	if len(rule.Levels) == 0 {
		return apperrors.InvalidInput("levels", "at least one level is required")
	}

	switch rule.RejectionPolicy {
	case "":
		rule.RejectionPolicy = repository.RejectionChainFatal
	case repository.RejectionChainFatal, repository.RejectionLevelLocal:
	default:
		return apperrors.InvalidInput("rejection_policy", "unknown rejection policy "+rule.RejectionPolicy)
	}

	// Levels are 1-based, strictly increasing, no gaps.
	for i := range rule.Levels {
		lvl := &rule.Levels[i]
		if lvl.Level != i+1 {
			return apperrors.InvalidInput("levels", fmt.Sprintf("level numbers must be 1..n without gaps, got %d at position %d", lvl.Level, i))
		}
		if lvl.Role == "" {
			return apperrors.InvalidInput("levels", fmt.Sprintf("level %d: role is required", lvl.Level))
		}
		if lvl.MinApprovals == 0 {
			lvl.MinApprovals = 1
		}
		if lvl.MinApprovals < 1 {
			return apperrors.InvalidInput("levels", fmt.Sprintf("level %d: min_approvals must be at least 1", lvl.Level))
		}
	}

	if !rule.IsActive {
		return nil
	}

	existing, err := s.rules.ListActiveRules(ctx, rule.TenantID, rule.TargetType)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == excludeID {
			continue
		}
		if rangesOverlap(rule, other) {
			return apperrors.Conflict(fmt.Sprintf("amount range overlaps active rule %q", other.Name))
		}
	}
	return nil
}

// rangesOverlap reports whether two half-open ranges intersect. A nil max
// means unbounded.
func rangesOverlap(a, b *repository.ApprovalRule) bool {
	if a.ThresholdMax != nil && *a.ThresholdMax <= b.ThresholdMin {
		return false
	}
	if b.ThresholdMax != nil && *b.ThresholdMax <= a.ThresholdMin {
		return false
	}
	return true
}
