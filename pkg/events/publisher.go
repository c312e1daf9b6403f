// Package events publishes membership events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	// ExchangeName is the topic exchange membership events are published to
	ExchangeName = "tiergate.membership.events"

	// RoutingKeyTierChanged is used for TierChangedMessage
	RoutingKeyTierChanged = "membership.tier_changed"
)

// Publisher sends serialized events to a broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// TierChangedMessage is the wire form of membership.TierChange.
type TierChangedMessage struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	UserID         string    `json:"userId"`
	PreviousTier   string    `json:"previousTier"`
	NewTier        string    `json:"newTier"`
	Source         string    `json:"source"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
}

// NewTierChangedMessage builds the message for change with a fresh id.
func NewTierChangedMessage(change membership.TierChange) TierChangedMessage {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return TierChangedMessage{
		ID:             uuid.NewString(),
		Type:           RoutingKeyTierChanged,
		OccurredAt:     at,
		UserID:         change.UserID,
		PreviousTier:   change.PreviousTier.String(),
		NewTier:        change.NewTier.String(),
		Source:         change.Source,
		SubscriptionID: change.SubscriptionID,
	}
}

// TierChangeHandler returns a membership.TierChangeHandler that publishes
// every change through pub.
func TierChangeHandler(pub Publisher) membership.TierChangeHandler {
	return func(ctx context.Context, change membership.TierChange) error {
		payload, err := json.Marshal(NewTierChangedMessage(change))
		if err != nil {
			return fmt.Errorf("marshal tier change: %w", err)
		}
		return pub.Publish(ctx, RoutingKeyTierChanged, payload)
	}
}

// NoopPublisher is a no-op publisher for testing/development.
type NoopPublisher struct {
	logger membership.Logger
}

// NewNoopPublisher creates a publisher that only logs.
func NewNoopPublisher(logger membership.Logger) *NoopPublisher {
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	return &NoopPublisher{logger: logger}
}

// Publish logs the message but doesn't actually publish.
func (p *NoopPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("noop publish",
		membership.Field{Key: "routing_key", Value: routingKey},
		membership.Field{Key: "size", Value: len(payload)})
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error {
	return nil
}
