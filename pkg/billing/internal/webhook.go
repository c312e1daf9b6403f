package internal

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

// VerifyFunc authenticates a raw webhook body against the request headers.
type VerifyFunc func(body []byte, header http.Header, secret string) error

// ParseFunc classifies an authenticated webhook body.
type ParseFunc func(body []byte) (membership.Event, error)

// WebhookPipeline is the provider-agnostic webhook handler: read, verify,
// classify, reconcile, respond. Only authentication failures produce 4xx;
// anything after a valid signature is acknowledged with 200 so the
// provider does not retry.
type WebhookPipeline struct {
	Provider string
	Secret   string
	Verify   VerifyFunc
	Parse    ParseFunc
	Applier  billing.EventApplier
	Metrics  billing.Metrics
	Logger   membership.Logger
	MaxBody  int64
}

// Handler returns the pipeline wrapped in the per-IP rate limiter when one
// is configured.
func (p *WebhookPipeline) Handler(rl billing.RateLimitConfig) http.Handler {
	if rl.Requests <= 0 || rl.Window <= 0 {
		return p
	}
	limiter := NewRateLimiter(rl.Requests, rl.Window)
	return limiter.Middleware(p, func(r *http.Request) {
		p.Metrics.RecordWebhookError(p.Provider, "rate_limited")
		p.Logger.Warn("webhook rate limited",
			membership.Field{Key: "provider", Value: p.Provider},
			membership.Field{Key: "ip", Value: GetClientIP(r)})
	})
}

func (p *WebhookPipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = WriteJSON(w, http.StatusMethodNotAllowed, billing.ErrorResponse{Error: "method not allowed"})
		return
	}

	body, err := ReadBodyStrict(w, r, p.MaxBody)
	if err != nil {
		p.Metrics.RecordWebhookError(p.Provider, "invalid_body")
		if errors.Is(err, ErrPayloadTooLarge) {
			_ = WriteJSON(w, http.StatusRequestEntityTooLarge, billing.ErrorResponse{Error: "payload too large"})
			return
		}
		_ = WriteJSON(w, http.StatusBadRequest, billing.ErrorResponse{Error: "empty or unreadable body"})
		return
	}

	if p.Secret == "" {
		p.Metrics.RecordWebhookError(p.Provider, "not_configured")
		p.Logger.Error("webhook secret not configured",
			membership.Field{Key: "provider", Value: p.Provider})
		_ = WriteJSON(w, http.StatusBadRequest, billing.ErrorResponse{Error: "webhook not configured"})
		return
	}

	if err := p.Verify(body, r.Header, p.Secret); err != nil {
		p.Metrics.RecordWebhookError(p.Provider, "auth_failed")
		p.Logger.Warn("webhook signature rejected",
			membership.Field{Key: "provider", Value: p.Provider},
			membership.Field{Key: "ip", Value: GetClientIP(r)})
		_ = WriteJSON(w, http.StatusBadRequest, billing.ErrorResponse{Error: "invalid signature"})
		return
	}

	event, err := p.Parse(body)
	if err != nil {
		p.Metrics.RecordWebhookError(p.Provider, "invalid_payload")
		p.Logger.Warn("webhook payload rejected",
			membership.Field{Key: "provider", Value: p.Provider},
			membership.Field{Key: "error", Value: err})
		_ = WriteJSON(w, http.StatusOK, billing.WebhookResponse{OK: true, Error: "invalid payload"})
		return
	}

	eventType := event.EventType()
	defer func() {
		p.Metrics.RecordWebhookProcessingDuration(p.Provider, eventType, time.Since(startTime))
	}()

	outcome, err := p.Applier.Apply(r.Context(), event)
	if err != nil {
		p.Metrics.RecordWebhookEvent(p.Provider, eventType, "error")
		p.Metrics.RecordWebhookError(p.Provider, "processing_error")
		p.Logger.Error("webhook processing failed",
			membership.Field{Key: "provider", Value: p.Provider},
			membership.Field{Key: "event", Value: eventType},
			membership.Field{Key: "error", Value: err})
		_ = WriteJSON(w, http.StatusOK, billing.WebhookResponse{OK: true, Error: err.Error()})
		return
	}

	if u, ok := event.(*membership.Unrecognized); ok {
		p.Metrics.RecordWebhookEvent(p.Provider, eventType, "ignored")
		if u.Reason != "" {
			_ = WriteJSON(w, http.StatusOK, billing.WebhookResponse{OK: true, Note: u.Reason})
			return
		}
		_ = WriteJSON(w, http.StatusOK, billing.WebhookResponse{OK: true, Ignored: eventType})
		return
	}

	p.Metrics.RecordWebhookEvent(p.Provider, eventType, "handled")
	if outcome != nil {
		if outcome.UserID == "" && !outcome.Ignored {
			p.Metrics.RecordUnresolvedUser(p.Provider, eventType)
		}
		if outcome.TierChanged {
			p.Metrics.RecordTierChange(p.Provider, outcome.PreviousTier.String(), outcome.NewTier.String())
		}
	}

	_ = WriteJSON(w, http.StatusOK, billing.WebhookResponse{OK: true, Handled: eventType})
}
