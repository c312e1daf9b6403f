package razorpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		Subscription struct {
			Entity *subscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity *paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type subscriptionEntity struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentEndAt *int64 `json:"current_end_at"`
	Notes        notes  `json:"notes"`
}

type paymentEntity struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	Notes          notes  `json:"notes"`
}

// notes is Razorpay's free-form key/value map. The API serializes an empty
// map as [] so both shapes are accepted.
type notes map[string]any

func (n *notes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*n = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*n = m
	return nil
}

func (n notes) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := n[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (n notes) correlation() membership.Correlation {
	return membership.Correlation{
		UserID:   strings.TrimSpace(n.str("userId")),
		Email:    membership.NormalizeEmail(n.str("email", "app_user_email", "user_email")),
		TierHint: strings.ToUpper(strings.TrimSpace(n.str("tier"))),
	}
}

// ParseEvent classifies an authenticated Razorpay webhook body.
// Only call it after VerifySignature succeeded.
func ParseEvent(body []byte) (membership.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	sub := env.Payload.Subscription.Entity
	pay := env.Payload.Payment.Entity

	var n notes
	if sub != nil {
		n = sub.Notes
	}
	if len(n) == 0 && pay != nil {
		n = pay.Notes
	}
	corr := n.correlation()

	switch env.Event {
	case membership.EventSubscriptionActivated,
		membership.EventSubscriptionResumed,
		membership.EventSubscriptionPaused,
		membership.EventSubscriptionCancelled,
		membership.EventSubscriptionCompleted,
		membership.EventSubscriptionHalted:
		if sub == nil || sub.ID == "" {
			return &membership.Unrecognized{Type: env.Event, Reason: "no subscription entity"}, nil
		}
		status := strings.TrimSpace(sub.Status)
		if status == "" {
			status = strings.TrimPrefix(env.Event, "subscription.")
		}
		ev := &membership.LifecycleEvent{
			Type:           env.Event,
			ExternalID:     sub.ID,
			ProviderStatus: status,
			Correlation:    corr,
		}
		if sub.CurrentEndAt != nil && *sub.CurrentEndAt > 0 {
			end := time.Unix(*sub.CurrentEndAt, 0).UTC()
			ev.PeriodEnd = &end
		}
		return ev, nil

	case membership.EventPaymentCaptured, membership.EventPaymentFailed:
		if pay == nil || pay.ID == "" {
			return &membership.Unrecognized{Type: env.Event, Reason: "no payment entity"}, nil
		}
		return &membership.PaymentEvent{
			Type:          env.Event,
			PaymentID:     pay.ID,
			OrderID:       pay.OrderID,
			ExternalSubID: pay.SubscriptionID,
			Succeeded:     env.Event == membership.EventPaymentCaptured,
			Correlation:   corr,
		}, nil

	default:
		return &membership.Unrecognized{Type: env.Event}, nil
	}
}
