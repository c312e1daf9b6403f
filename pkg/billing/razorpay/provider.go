package razorpay

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	providerName             = "razorpay"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Razorpay-specific options
type Config struct {
	billing.Config

	// SuccessURL is where CallbackHandler redirects after checkout
	// (e.g. "https://app.example.com/membership/success")
	SuccessURL string
}

// Provider implements billing.Provider for Razorpay subscriptions.
type Provider struct {
	config  Config
	handler http.Handler
}

// NewProvider creates a new Razorpay billing provider. A missing webhook
// secret is not fatal here; the webhook rejects every request until one is set.
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.WithDefaults()
	if config.RateLimit.Requests == 0 {
		config.RateLimit = billing.RateLimitConfig{
			Requests: defaultRateLimitRequests,
			Window:   defaultRateLimitWindow,
		}
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		config.Logger.Warn("razorpay webhook secret not set, all webhooks will be rejected")
	}

	pipeline := &internal.WebhookPipeline{
		Provider: providerName,
		Secret:   secret,
		Verify:   verifyRequest,
		Parse:    ParseEvent,
		Applier:  config.Reconciler,
		Metrics:  config.Metrics,
		Logger:   config.Logger,
		MaxBody:  config.MaxBodyBytes,
	}

	return &Provider{
		config:  config,
		handler: pipeline.Handler(config.RateLimit),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Razorpay webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// CallbackHandler returns the checkout return handler. It forwards the
// payment id, subscription id and signature query parameters to SuccessURL
// with a 302. No state is changed; the webhook is the source of truth.
func (p *Provider) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dest, err := url.Parse(p.config.SuccessURL)
		if err != nil || p.config.SuccessURL == "" {
			p.config.Logger.Error("razorpay success url not configured",
				membership.Field{Key: "success_url", Value: p.config.SuccessURL})
			_ = internal.WriteJSON(w, http.StatusInternalServerError, billing.ErrorResponse{Error: "callback not configured"})
			return
		}

		in := r.URL.Query()
		out := dest.Query()
		for from, to := range map[string]string{
			"razorpay_payment_id":      "paymentId",
			"razorpay_subscription_id": "subscriptionId",
			"razorpay_signature":       "sig",
		} {
			if v := in.Get(from); v != "" {
				out.Set(to, v)
			}
		}
		dest.RawQuery = out.Encode()

		http.Redirect(w, r, dest.String(), http.StatusFound)
	})
}
