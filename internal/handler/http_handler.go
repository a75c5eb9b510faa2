package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// HTTPHandler exposes the approvals engine over HTTP.
type HTTPHandler struct {
	chains      *service.ChainService
	rules       *service.RuleService
	delegations *service.DelegationService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	chains *service.ChainService,
	rules *service.RuleService,
	delegations *service.DelegationService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		chains:      chains,
		rules:       rules,
		delegations: delegations,
		log:         log,
	}
}

// Routes registers all endpoints on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/chains/start", h.StartChain)
	mux.HandleFunc("/api/v1/chains/decide", h.Decide)
	mux.HandleFunc("/api/v1/chains/pending-approvers", h.PendingApprovers)
	mux.HandleFunc("/api/v1/chains/history", h.History)
	mux.HandleFunc("/api/v1/chains/audit", h.AuditTrail)
	mux.HandleFunc("/api/v1/approvals/inbox", h.Inbox)

	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRules(w, r)
		case http.MethodPost:
			h.CreateRule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/rules/get", h.GetRule)
	mux.HandleFunc("/api/v1/rules/update", h.UpdateRule)
	mux.HandleFunc("/api/v1/rules/deactivate", h.DeactivateRule)

	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListDelegations(w, r)
		case http.MethodPost:
			h.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/revoke", h.RevokeDelegation)
}

// ── chains ───────────────────────────────────────────────────────────────────

// StartChainRequest is the JSON body for StartChain.
type StartChainRequest struct {
	TenantID    string `json:"tenant_id"`
	TargetType  string `json:"target_type"`
	TargetID    string `json:"target_id"`
	Amount      int64  `json:"amount"`
	SubmittedBy string `json:"submitted_by"`
}

// StartChain submits a target for approval.
func (h *HTTPHandler) StartChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	chain, err := h.chains.StartChain(r.Context(), service.StartChainRequest{
		TenantID:    req.TenantID,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		Amount:      req.Amount,
		SubmittedBy: req.SubmittedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, chain)
}

// DecideRequest is the JSON body for Decide.
type DecideRequest struct {
	TenantID       string  `json:"tenant_id"`
	ChainID        string  `json:"chain_id"`
	Level          int     `json:"level"`
	SlotApproverID string  `json:"slot_approver_id"`
	ActingUserID   string  `json:"acting_user_id"`
	Decision       string  `json:"decision"`
	Comment        *string `json:"comment,omitempty"`
}

// Decide records an approve/reject decision on a pending slot.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	chain, err := h.chains.Decide(r.Context(), service.DecideRequest{
		TenantID:       req.TenantID,
		ChainID:        req.ChainID,
		Level:          req.Level,
		SlotApproverID: req.SlotApproverID,
		ActingUserID:   req.ActingUserID,
		Decision:       req.Decision,
		Comment:        req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// PendingApprovers returns the delegation-resolved users who can act now.
func (h *HTTPHandler) PendingApprovers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	chainID := r.URL.Query().Get("chain_id")
	if tenantID == "" || chainID == "" {
		http.Error(w, "tenant_id and chain_id are required", http.StatusBadRequest)
		return
	}

	approvers, err := h.chains.PendingApproversFor(r.Context(), tenantID, chainID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvers": approvers})
}

// History returns all chains and slots ever run for a target.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	targetType := r.URL.Query().Get("target_type")
	targetID := r.URL.Query().Get("target_id")
	if tenantID == "" || targetType == "" || targetID == "" {
		http.Error(w, "tenant_id, target_type and target_id are required", http.StatusBadRequest)
		return
	}

	history, err := h.chains.HistoryFor(r.Context(), tenantID, targetType, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// AuditTrail returns the append-only audit entries for a target.
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	targetType := r.URL.Query().Get("target_type")
	targetID := r.URL.Query().Get("target_id")
	if tenantID == "" || targetType == "" || targetID == "" {
		http.Error(w, "tenant_id, target_type and target_id are required", http.StatusBadRequest)
		return
	}

	entries, err := h.chains.AuditTrailFor(r.Context(), tenantID, targetType, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Inbox returns the pending slots a user can act on right now.
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		http.Error(w, "tenant_id and user_id are required", http.StatusBadRequest)
		return
	}

	slots, err := h.chains.PendingForUser(r.Context(), tenantID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

// ── rules ────────────────────────────────────────────────────────────────────

// RuleRequest is the JSON body for rule create/update.
type RuleRequest struct {
	ID                 string                 `json:"id,omitempty"`
	TenantID           string                 `json:"tenant_id"`
	TargetType         string                 `json:"target_type"`
	Name               string                 `json:"name"`
	ThresholdMin       int64                  `json:"threshold_min"`
	ThresholdMax       *int64                 `json:"threshold_max,omitempty"`
	Levels             []repository.RuleLevel `json:"levels"`
	RejectionPolicy    string                 `json:"rejection_policy,omitempty"`
	EscalateAfterHours *int                   `json:"escalate_after_hours,omitempty"`
	IsActive           *bool                  `json:"is_active,omitempty"`
}

func (req *RuleRequest) toRule() *repository.ApprovalRule {
	rule := &repository.ApprovalRule{
		ID:                 req.ID,
		TenantID:           req.TenantID,
		TargetType:         req.TargetType,
		Name:               req.Name,
		ThresholdMin:       req.ThresholdMin,
		ThresholdMax:       req.ThresholdMax,
		Levels:             req.Levels,
		RejectionPolicy:    req.RejectionPolicy,
		EscalateAfterHours: req.EscalateAfterHours,
		IsActive:           true,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	return rule
}

// CreateRule creates an approval rule.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule := req.toRule()
	if err := h.rules.CreateRule(r.Context(), rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule updates an approval rule.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	rule := req.toRule()
	if err := h.rules.UpdateRule(r.Context(), rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule flips a rule inactive.
func (h *HTTPHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	id := r.URL.Query().Get("id")
	if tenantID == "" || id == "" {
		http.Error(w, "tenant_id and id are required", http.StatusBadRequest)
		return
	}

	if err := h.rules.DeactivateRule(r.Context(), tenantID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRule retrieves one rule.
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	id := r.URL.Query().Get("id")
	if tenantID == "" || id == "" {
		http.Error(w, "tenant_id and id are required", http.StatusBadRequest)
		return
	}

	rule, err := h.rules.GetRule(r.Context(), tenantID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// ListRules lists a tenant's rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))

	rules, err := h.rules.ListRules(r.Context(), tenantID, activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// ── delegations ──────────────────────────────────────────────────────────────

// DelegationRequest is the JSON body for delegation creation.
type DelegationRequest struct {
	TenantID   string  `json:"tenant_id"`
	ApproverID string  `json:"approver_id"`
	DelegateID string  `json:"delegate_id"`
	StartDate  string  `json:"start_date"` // RFC 3339
	EndDate    string  `json:"end_date"`   // RFC 3339, inclusive
	Reason     *string `json:"reason,omitempty"`
	CreatedBy  string  `json:"created_by"`
}

// CreateDelegation creates a delegation of approval authority.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req DelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	start, err := parseRFC3339(req.StartDate)
	if err != nil {
		http.Error(w, "start_date must be RFC 3339", http.StatusBadRequest)
		return
	}
	end, err := parseRFC3339(req.EndDate)
	if err != nil {
		http.Error(w, "end_date must be RFC 3339", http.StatusBadRequest)
		return
	}

	d := &repository.Delegation{
		TenantID:   req.TenantID,
		ApproverID: req.ApproverID,
		DelegateID: req.DelegateID,
		StartDate:  start,
		EndDate:    end,
		Reason:     req.Reason,
		CreatedBy:  req.CreatedBy,
	}
	if err := h.delegations.CreateDelegation(r.Context(), d); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// RevokeDelegation ends a delegation early.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	id := r.URL.Query().Get("id")
	revokedBy := r.URL.Query().Get("revoked_by")
	if tenantID == "" || id == "" || revokedBy == "" {
		http.Error(w, "tenant_id, id and revoked_by are required", http.StatusBadRequest)
		return
	}

	if err := h.delegations.RevokeDelegation(r.Context(), tenantID, id, revokedBy); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDelegations lists a tenant's delegations.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	delegations, err := h.delegations.ListDelegations(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"delegations": delegations})
}

// ── helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{Code: apperrors.CodeOf(err), Message: err.Error()})
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}
