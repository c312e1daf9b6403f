package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/tiergate/internal/auth"
	mwhttp "github.com/mihaimyh/tiergate/middleware/http"
	"github.com/mihaimyh/tiergate/pkg/api"
	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/razorpay"
	"github.com/mihaimyh/tiergate/pkg/billing/revenuecat"
	"github.com/mihaimyh/tiergate/pkg/billing/stripe"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

// routes is everything newRouter mounts.
type routes struct {
	razorpay   *razorpay.Provider
	stripe     *stripe.Provider
	revenuecat *revenuecat.Provider
	api        *api.Handler
	auth       *auth.Manager
}

func (a *app) buildRoutes(catalog api.PostCatalog, conversations api.ConversationStore) (*routes, error) {
	rl := billing.RateLimitConfig{
		Requests: a.cfg.RateLimit.Requests,
		Window:   a.cfg.RateLimit.Window,
	}
	base := billing.Config{
		Reconciler: a.reconciler,
		RateLimit:  rl,
		Metrics:    a.billingMetrics,
		Logger:     a.log,
	}

	rzpConfig := razorpay.Config{Config: base, SuccessURL: a.cfg.Razorpay.SuccessURL}
	rzpConfig.WebhookSecret = a.cfg.Razorpay.WebhookSecret
	rzp, err := razorpay.NewProvider(rzpConfig)
	if err != nil {
		return nil, err
	}

	tierMapping := make(map[string]membership.Tier, len(a.cfg.Stripe.TierMapping))
	for id, tier := range a.cfg.Stripe.TierMapping {
		tierMapping[id] = membership.NormalizeTier(tier)
	}
	stripeConfig := stripe.Config{Config: base, TierMapping: tierMapping}
	stripeConfig.WebhookSecret = a.cfg.Stripe.WebhookSecret
	stp, err := stripe.NewProvider(stripeConfig)
	if err != nil {
		return nil, err
	}

	rcMapping := make(map[string]membership.Tier, len(a.cfg.RevenueCat.TierMapping))
	for id, tier := range a.cfg.RevenueCat.TierMapping {
		rcMapping[id] = membership.NormalizeTier(tier)
	}
	rcConfig := revenuecat.Config{Config: base, TierMapping: rcMapping, AcceptHMAC: a.cfg.RevenueCat.AcceptHMAC}
	rcConfig.WebhookSecret = a.cfg.RevenueCat.WebhookSecret
	rc, err := revenuecat.NewProvider(rcConfig)
	if err != nil {
		return nil, err
	}

	var creator billing.SubscriptionCreator
	if a.cfg.Razorpay.KeyID != "" {
		clientConfig := razorpay.ClientConfig{
			Config:  base,
			BaseURL: a.cfg.Razorpay.BaseURL,
			Plans:   a.settings,
		}
		clientConfig.APIKey = a.cfg.Razorpay.KeyID
		clientConfig.APISecret = a.cfg.Razorpay.KeySecret
		client, err := razorpay.NewClient(clientConfig)
		if err != nil {
			return nil, err
		}
		creator = client
	} else {
		a.logger.Warn().Msg("razorpay api keys not set, subscription creation disabled")
	}

	tokens, err := auth.NewManager(a.cfg.JWT.Secret, a.cfg.JWT.Issuer, a.cfg.JWT.TTL)
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Users:         a.reconciler.Storage(),
		GetUserID:     mwhttp.FromContext(mwhttp.UserIDKey),
		GetPathParam:  chi.URLParam,
		Settings:      a.settings,
		Posts:         catalog,
		Conversations: conversations,
		Subscriptions: creator,
		OnTierChange:  a.onTierChange,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
	if err != nil {
		return nil, err
	}

	return &routes{razorpay: rzp, stripe: stp, revenuecat: rc, api: handler, auth: tokens}, nil
}

func (a *app) newRouter(rt *routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	// webhooks authenticate by signature, never by bearer token
	r.Route("/webhooks", func(r chi.Router) {
		r.Handle("/razorpay", rt.razorpay.WebhookHandler())
		r.Handle("/stripe", rt.stripe.WebhookHandler())
		r.Handle("/revenuecat", rt.revenuecat.WebhookHandler())
	})
	r.Get("/billing/razorpay/callback", rt.razorpay.CallbackHandler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(rt.auth.Middleware)

		r.Get("/me/membership", rt.api.GetMembership)
		r.Get("/posts", rt.api.ListPosts)
		r.Post("/subscriptions", rt.api.CreateSubscription)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/conversation", rt.api.GetConversation)
			r.Get("/messages", rt.api.ListMessages)
			r.Post("/messages", rt.api.PostMessage)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/settings", rt.api.GetSettings)
			r.Put("/settings", rt.api.UpdateSettings)
			r.Patch("/users/{id}", rt.api.PatchUser)
		})

		// tier-gated checks for clients that only need a yes/no
		r.Route("/access", func(r chi.Router) {
			for _, level := range []membership.AccessLevel{membership.AccessFree, membership.AccessBasic, membership.AccessPro} {
				gate := mwhttp.Middleware(mwhttp.Config{
					Users:       a.reconciler.Storage(),
					GetUserID:   mwhttp.FromContext(mwhttp.UserIDKey),
					Requirement: level,
					Metrics:     a.metrics,
				})
				r.With(gate).Get("/"+string(level), accessGranted)
			}
		})
	})

	return r
}

func accessGranted(w http.ResponseWriter, r *http.Request) {
	subject, _ := mwhttp.SubjectFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":   true,
		"tier": subject.Tier,
		"role": subject.Role,
	})
}

func requestLogger(a *app) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			a.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
