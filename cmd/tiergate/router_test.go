package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiergate/internal/config"
	"github.com/mihaimyh/tiergate/pkg/api"
	"github.com/mihaimyh/tiergate/pkg/billing/razorpay"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
	testWebhookSecret = "whsec_test"
)

func testConfig() *config.Config {
	return &config.Config{
		App:     config.AppConfig{Name: "tiergate", Environment: "test"},
		Server:  config.ServerConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second, ShutdownTimeout: time.Second},
		Storage: config.StorageConfig{Driver: "memory", CircuitBreaker: true},
		Razorpay: config.RazorpayConfig{
			WebhookSecret: testWebhookSecret,
			SuccessURL:    "https://app.example.com/membership/success",
		},
		JWT:       config.JWTConfig{Secret: testJWTSecret, Issuer: "tiergate", TTL: time.Hour},
		RateLimit: config.RateLimitConfig{Requests: 1000, Window: time.Minute},
		Metrics:   config.MetricsConfig{Enabled: true, Namespace: "tiergate_test"},
		Reconcile: config.ReconcileConfig{BatchSize: 10},
	}
}

type server struct {
	app     *app
	handler http.Handler
	routes  *routes
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	a, err := newApp(ctx, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.settings.Load(ctx))

	rt, err := a.buildRoutes(api.NewMemoryCatalog(), api.NewMemoryConversations())
	require.NoError(t, err)

	for _, u := range []*membership.User{
		{ID: "admin", Email: "admin@example.com", Role: membership.RoleAdmin, IsActive: true},
		{ID: "alice", Email: "alice@example.com", IsActive: true},
	} {
		require.NoError(t, a.storage.CreateUser(ctx, u))
	}
	return &server{app: a, handler: a.newRouter(rt), routes: rt}
}

func (s *server) do(t *testing.T, method, path, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		token, err := s.routes.auth.Issue(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) webhook(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", strings.NewReader(body))
	req.Header.Set(razorpay.SignatureHeader, razorpay.Sign([]byte(body), testWebhookSecret))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_WebhookUpgradesAccess(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/access/PRO", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// correlated by email only
	body := `{"event":"subscription.activated","payload":{"subscription":{"entity":{"id":"sub_9","status":"active",` +
		`"notes":{"email":"Alice@Example.com","tier":"pro"}}}}}`
	rec = s.webhook(t, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "subscription.activated", out["handled"])

	rec = s.do(t, http.MethodGet, "/api/access/PRO", "alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tier":"PRO"`)

	rec = s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tiergate_test_billing_webhook_events_total")
}

func TestRouter_WebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", strings.NewReader(`{"event":"x"}`))
	req.Header.Set(razorpay.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/webhooks/razorpay", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_Authentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/me/membership", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me/membership", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/me/membership", "alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// FREE is open to anonymous callers
	rec = s.do(t, http.MethodGet, "/api/access/FREE", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/access/BASIC", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_AdminRoutesUseChiParams(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPatch, "/api/admin/users/alice", "admin", `{"tier":"BASIC"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := s.app.storage.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, membership.TierBasic, u.Tier)

	rec = s.do(t, http.MethodPatch, "/api/admin/users/admin", "alice", `{"tier":"PRO"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// no api keys configured
	rec = s.do(t, http.MethodPost, "/api/subscriptions", "alice", `{"tier":"PRO"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_RazorpayCallback(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/billing/razorpay/callback?razorpay_payment_id=pay_1&razorpay_subscription_id=sub_1", "", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://app.example.com/membership/success?"))
	assert.Contains(t, loc, "paymentId=pay_1")
	assert.Contains(t, loc, "subscriptionId=sub_1")
}

func TestApp_MigrateAndReconcile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", SQLitePath: ":memory:"}

	a, err := newApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	applied, err := a.Migrate(ctx)
	require.NoError(t, err)
	assert.True(t, applied)

	// ledger row arrives before the user exists
	_, err = a.storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID:       "sub_late",
		Tier:             membership.TierBasic,
		Status:           "active",
		CorrelationEmail: "late@example.com",
	})
	require.NoError(t, err)
	require.NoError(t, a.storage.CreateUser(ctx, &membership.User{ID: "late", Email: "late@example.com", IsActive: true}))

	report, err := a.reconciler.ReconcileUnresolved(ctx, cfg.Reconcile.BatchSize)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Linked)

	u, err := a.storage.GetUser(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, membership.TierBasic, u.Tier)
}

func TestOpenStorage_UnknownDriver(t *testing.T) {
	_, _, err := openStorage(context.Background(), config.StorageConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestRootCmd_Wiring(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "reconcile", "user"} {
		assert.True(t, names[want], want)
	}
}

func TestApp_UserCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", SQLitePath: ":memory:", Cache: "memory", CacheTTL: time.Minute}

	a, err := newApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.storage.CreateUser(ctx, &membership.User{ID: "u1", IsActive: true}))
	require.NoError(t, a.reconciler.Storage().SetUserTier(ctx, "u1", membership.TierPro))

	u, err := a.durable.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)

	u, err = a.storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)

	applied, err := a.Migrate(ctx)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRouter_RevenueCatWithoutSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat",
		strings.NewReader(`{"event":{"type":"INITIAL_PURCHASE","app_user_id":"alice"}}`))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
