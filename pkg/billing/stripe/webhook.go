package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

// SignatureHeader carries Stripe's timestamped signature.
const SignatureHeader = "Stripe-Signature"

// Stripe event types handled by the provider.
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionResumed  = "customer.subscription.resumed"
	EventSubscriptionPaused   = "customer.subscription.paused"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentPaid   = "invoice.payment_succeeded"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

const statusCanceled = "canceled"

func verifyRequest(body []byte, header http.Header, secret string) error {
	if err := webhook.ValidatePayload(body, header.Get(SignatureHeader), secret); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}

// periodFields reads the billing period end from either the subscription
// (older API versions) or its items (2025-03-31 and later).
type periodFields struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (f periodFields) end() *time.Time {
	var unix int64
	for _, item := range f.Items.Data {
		if item.CurrentPeriodEnd > unix {
			unix = item.CurrentPeriodEnd
		}
	}
	if unix == 0 {
		unix = f.CurrentPeriodEnd
	}
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t
}

// invoiceObject is decoded by hand: the subscription reference moved under
// parent.subscription_details in newer API versions.
type invoiceObject struct {
	ID            string            `json:"id"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  json.RawMessage   `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage  `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// expandableID returns the id of a field that is either a string or an
// expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func correlationFrom(metadata map[string]string, email string) membership.Correlation {
	if e := metadata["email"]; e != "" {
		email = e
	}
	return membership.Correlation{
		UserID:   strings.TrimSpace(metadata["user_id"]),
		Email:    membership.NormalizeEmail(email),
		TierHint: strings.ToUpper(strings.TrimSpace(metadata["tier"])),
	}
}

// ParseEvent classifies an authenticated Stripe webhook body.
func (p *Provider) ParseEvent(body []byte) (membership.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	eventType := string(event.Type)

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionResumed,
		EventSubscriptionPaused, EventSubscriptionDeleted:
		return p.parseSubscription(eventType, raw)
	case EventInvoicePaymentPaid, EventInvoicePaymentFailed:
		return parseInvoice(eventType, raw)
	default:
		return &membership.Unrecognized{Type: eventType}, nil
	}
}

func (p *Provider) parseSubscription(eventType string, raw json.RawMessage) (membership.Event, error) {
	if len(raw) == 0 {
		return &membership.Unrecognized{Type: eventType, Reason: "no subscription object"}, nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.ID == "" {
		return &membership.Unrecognized{Type: eventType, Reason: "no subscription object"}, nil
	}

	var period periodFields
	_ = json.Unmarshal(raw, &period)

	status := string(sub.Status)
	if eventType == EventSubscriptionDeleted {
		status = statusCanceled
	}

	corr := correlationFrom(sub.Metadata, "")
	if corr.TierHint == "" {
		corr.TierHint = p.tierFromItems(&sub).String()
	}

	return &membership.LifecycleEvent{
		Type:           eventType,
		ExternalID:     sub.ID,
		ProviderStatus: status,
		Correlation:    corr,
		PeriodEnd:      period.end(),
	}, nil
}

// tierFromItems picks the highest tier any subscription item's price or
// product maps to.
func (p *Provider) tierFromItems(sub *stripe.Subscription) membership.Tier {
	best := membership.TierNone
	if sub.Items == nil {
		return best
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier := p.MapPriceToTier(item.Price.ID)
		if tier == membership.TierNone && item.Price.Product != nil {
			tier = p.MapPriceToTier(item.Price.Product.ID)
		}
		if tierRank(tier) > tierRank(best) {
			best = tier
		}
	}
	return best
}

func tierRank(t membership.Tier) int {
	switch t {
	case membership.TierPro:
		return 2
	case membership.TierBasic:
		return 1
	default:
		return 0
	}
}

func parseInvoice(eventType string, raw json.RawMessage) (membership.Event, error) {
	var inv invoiceObject
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
	}
	if inv.ID == "" {
		return &membership.Unrecognized{Type: eventType, Reason: "no invoice object"}, nil
	}

	subID := expandableID(inv.Subscription)
	metadata := inv.Metadata
	if details := inv.Parent.SubscriptionDetails; subID == "" || len(metadata) == 0 {
		if subID == "" {
			subID = expandableID(details.Subscription)
		}
		if len(metadata) == 0 {
			metadata = details.Metadata
		}
	}

	return &membership.PaymentEvent{
		Type:          eventType,
		PaymentID:     inv.ID,
		ExternalSubID: subID,
		Succeeded:     eventType == EventInvoicePaymentPaid,
		Correlation:   correlationFrom(metadata, inv.CustomerEmail),
	}, nil
}
