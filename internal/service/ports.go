package service

import "context"

// Directory resolves an approver role into the set of users currently
// holding it for a tenant. The engine treats the returned identities as
// opaque; membership is the directory's problem.
type Directory interface {
	ResolveRole(ctx context.Context, tenantID, role string) ([]string, error)
}

// Event is the payload handed to the notification port on every chain
// state transition.
type Event struct {
	Type       string                 `json:"event_type"`
	TenantID   string                 `json:"tenant_id"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	ChainID    string                 `json:"chain_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Event types emitted by the chain service.
const (
	EventChainStarted  = "chain_started"
	EventLevelAdvanced = "level_advanced"
	EventChainApproved = "chain_approved"
	EventChainRejected = "chain_rejected"
)

// Notifier delivers events to the outside world. Implementations are
// fire-and-forget: a failed delivery never rolls back a recorded decision,
// so Publish returns nothing.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}
