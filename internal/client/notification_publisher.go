package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/service"
)

// NotificationPublisher publishes approval chain events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: chain_started, level_advanced, chain_approved, chain_rejected
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt a recorded decision.
// Delivery retries belong to the notifications service, not here.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing (local development).
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// Publish sends one approval event. Fire-and-forget.
func (p *NotificationPublisher) Publish(_ context.Context, event service.Event) {
	if p.conn == nil {
		p.log.Debug().Str("event_type", event.Type).Msg("notification: publisher disabled, dropping event")
		return
	}
	if len(event.Recipients) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.Type).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("chain_id", event.ChainID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("chain_id", event.ChainID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
