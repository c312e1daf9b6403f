package membership_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiergate/pkg/membership"
	"github.com/mihaimyh/tiergate/storage/memory"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, store membership.Storage, opts ...func(*membership.Config)) *membership.Reconciler {
	t.Helper()
	config := membership.DefaultConfig()
	config.Now = func() time.Time { return fixedNow }
	for _, opt := range opts {
		opt(&config)
	}
	r, err := membership.NewReconciler(store, config)
	require.NoError(t, err)
	return r
}

func seedUser(t *testing.T, store membership.Storage, id, email string, tier membership.Tier) {
	t.Helper()
	require.NoError(t, store.CreateUser(context.Background(), &membership.User{
		ID: id, Email: email, Role: membership.RoleUser, Tier: tier, IsActive: true,
	}))
}

func userTier(t *testing.T, store membership.Storage, id string) membership.Tier {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Tier
}

func lifecycle(eventType, subID, status, userID, tier string) *membership.LifecycleEvent {
	return &membership.LifecycleEvent{
		Type:           eventType,
		ExternalID:     subID,
		ProviderStatus: status,
		Correlation:    membership.Correlation{UserID: userID, TierHint: tier},
	}
}

func TestNewReconciler_RequiresStorage(t *testing.T) {
	_, err := membership.NewReconciler(nil, membership.Config{})
	assert.ErrorIs(t, err, membership.ErrStorageUnavailable)
}

func TestReconciler_ActivateDuplicateCancel(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	a := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "BASIC")
	out, err := r.Apply(ctx, a)
	require.NoError(t, err)
	assert.True(t, out.TierChanged)
	assert.Equal(t, membership.TierBasic, userTier(t, store, "u1"))

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, membership.TierBasic, sub.Tier)
	assert.Equal(t, "active", sub.Status)

	// Redelivery is a no-op
	out, err = r.Apply(ctx, a)
	require.NoError(t, err)
	assert.False(t, out.TierChanged)
	assert.Equal(t, membership.TierBasic, userTier(t, store, "u1"))

	c := lifecycle(membership.EventSubscriptionCancelled, "sub_1", "cancelled", "u1", "BASIC")
	out, err = r.Apply(ctx, c)
	require.NoError(t, err)
	assert.True(t, out.TierChanged)
	assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))

	sub, err = store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sub.Status)
}

func TestReconciler_OrderIndependenceForTerminalEvents(t *testing.T) {
	orders := map[string][]*membership.LifecycleEvent{
		"activated_then_cancelled": {
			lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "PRO"),
			lifecycle(membership.EventSubscriptionCancelled, "sub_1", "cancelled", "u1", "PRO"),
		},
		"cancelled_then_activated": {
			lifecycle(membership.EventSubscriptionCancelled, "sub_1", "cancelled", "u1", "PRO"),
			lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "PRO"),
		},
	}

	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			store := memory.New()
			seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
			r := newTestReconciler(t, store)
			for _, e := range events {
				_, err := r.Apply(context.Background(), e)
				require.NoError(t, err)
			}
			assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))
		})
	}
}

func TestReconciler_LateCapturedPaymentAfterCancelDoesNotGrant(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, lifecycle(membership.EventSubscriptionCancelled, "sub_1", "cancelled", "u1", "PRO"))
	require.NoError(t, err)

	_, err = r.Apply(ctx, &membership.PaymentEvent{
		Type:          membership.EventPaymentCaptured,
		PaymentID:     "pay_1",
		ExternalSubID: "sub_1",
		Succeeded:     true,
		Correlation:   membership.Correlation{UserID: "u1", TierHint: "PRO"},
	})
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))
}

func TestReconciler_PausePreservesTier(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierPro)
	r := newTestReconciler(t, store)

	out, err := r.Apply(context.Background(), lifecycle(membership.EventSubscriptionPaused, "sub_1", "paused", "u1", "BASIC"))
	require.NoError(t, err)
	assert.False(t, out.TierChanged)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))
}

func TestReconciler_MissingHintGrantsNone(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierBasic)
	r := newTestReconciler(t, store)

	_, err := r.Apply(context.Background(), lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", ""))
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))

	sub, err := store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, sub.Tier)
}

func TestReconciler_UnresolvedUserWritesLedgerOnly(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	e := lifecycle(membership.EventSubscriptionActivated, "sub_9", "active", "ghost", "PRO")
	e.Correlation.Email = "nobody@example.com"
	out, err := r.Apply(ctx, e)
	require.NoError(t, err)
	assert.Empty(t, out.UserID)
	assert.Equal(t, "user not resolved", out.Note)

	sub, err := store.GetSubscription(ctx, "sub_9")
	require.NoError(t, err)
	assert.Empty(t, sub.UserID)
	assert.Equal(t, "ghost", sub.CorrelationUserID)
	assert.Equal(t, "nobody@example.com", sub.CorrelationEmail)
	assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))
}

func TestReconciler_EmailFallbackIsCaseInsensitive(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "member@example.com", membership.TierNone)
	r := newTestReconciler(t, store)

	e := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "", "PRO")
	e.Correlation.Email = "Member@Example.com"
	out, err := r.Apply(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))
}

func TestReconciler_UserIDNeverClearedByLaterEvent(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "BASIC"))
	require.NoError(t, err)

	// Later event without correlation data
	_, err = r.Apply(ctx, lifecycle(membership.EventSubscriptionHalted, "sub_1", "halted", "", "BASIC"))
	require.NoError(t, err)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, "halted", sub.Status)
	// The unresolved halted event does not touch the user.
	assert.Equal(t, membership.TierBasic, userTier(t, store, "u1"))
}

func TestReconciler_PeriodEndOnlyWhenPresent(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	end := time.Unix(1767225600, 0).UTC()

	e := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "", "PRO")
	e.PeriodEnd = &end
	_, err := r.Apply(ctx, e)
	require.NoError(t, err)

	_, err = r.Apply(ctx, lifecycle(membership.EventSubscriptionPaused, "sub_1", "paused", "", "PRO"))
	require.NoError(t, err)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, end.Equal(*sub.CurrentPeriodEnd))
}

func TestReconciler_PaymentCapturedSetsTierWithoutLedgerRow(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)

	out, err := r.Apply(context.Background(), &membership.PaymentEvent{
		Type:          membership.EventPaymentCaptured,
		PaymentID:     "pay_1",
		ExternalSubID: "sub_new",
		Succeeded:     true,
		Correlation:   membership.Correlation{UserID: "u1", TierHint: "PRO"},
	})
	require.NoError(t, err)
	assert.Equal(t, "subscription not in ledger", out.Note)
	assert.True(t, out.TierChanged)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))

	_, err = store.GetSubscription(context.Background(), "sub_new")
	assert.ErrorIs(t, err, membership.ErrSubscriptionNotFound)
}

func TestReconciler_PaymentCapturedUpdatesLedger(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, err := store.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID: "sub_1", Tier: membership.TierBasic, Status: "authenticated",
	})
	require.NoError(t, err)

	_, err = r.Apply(ctx, &membership.PaymentEvent{
		Type:          membership.EventPaymentCaptured,
		PaymentID:     "pay_1",
		OrderID:       "order_1",
		ExternalSubID: "sub_1",
		Succeeded:     true,
		Correlation:   membership.Correlation{Email: "U1@example.com", TierHint: "BASIC"},
	})
	require.NoError(t, err)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, membership.StatusActive, sub.Status)
	assert.Equal(t, membership.PaymentStatusPaid, sub.LastPaymentStatus)
	assert.Equal(t, "pay_1", sub.LastPaymentID)
	assert.Equal(t, membership.TierBasic, userTier(t, store, "u1"))
}

func TestReconciler_PaymentFailedNeverChangesTier(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierPro)
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, err := store.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_1", Tier: membership.TierPro, Status: "active"})
	require.NoError(t, err)

	out, err := r.Apply(ctx, &membership.PaymentEvent{
		Type:          membership.EventPaymentFailed,
		PaymentID:     "pay_2",
		ExternalSubID: "sub_1",
		Correlation:   membership.Correlation{UserID: "u1", TierHint: "BASIC"},
	})
	require.NoError(t, err)
	assert.False(t, out.TierChanged)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, membership.PaymentStatusFailed, sub.LastPaymentStatus)
	assert.Equal(t, "active", sub.Status)
}

func TestReconciler_PaymentWithoutSubscriptionIsIgnored(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, store)

	out, err := r.Apply(context.Background(), &membership.PaymentEvent{
		Type:        membership.EventPaymentCaptured,
		PaymentID:   "pay_1",
		Succeeded:   true,
		Correlation: membership.Correlation{UserID: "u1", TierHint: "PRO"},
	})
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, membership.TierNone, userTier(t, store, "u1"))
}

func TestReconciler_UnrecognizedIsIgnored(t *testing.T) {
	r := newTestReconciler(t, memory.New())
	out, err := r.Apply(context.Background(), &membership.Unrecognized{Type: "order.paid"})
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, membership.KindUnrecognized, out.Kind)
}

func TestReconciler_LifecycleWithoutIDIsInvalid(t *testing.T) {
	r := newTestReconciler(t, memory.New())
	_, err := r.Apply(context.Background(), lifecycle(membership.EventSubscriptionActivated, "", "active", "u1", "PRO"))
	assert.ErrorIs(t, err, membership.ErrInvalidEvent)
}

type recordingMetrics struct {
	membership.NoopMetrics
	mu          sync.Mutex
	reconciles  []string
	tierChanges int
}

func (m *recordingMetrics) RecordReconcile(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, kind+":"+outcome)
}

func (m *recordingMetrics) RecordTierChange(from, to membership.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierChanges++
}

func TestReconciler_OnTierChangeAndMetrics(t *testing.T) {
	store := memory.New()
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)
	metrics := &recordingMetrics{}
	var changes []membership.TierChange

	r := newTestReconciler(t, store, func(c *membership.Config) {
		c.Metrics = metrics
		c.OnTierChange = func(_ context.Context, change membership.TierChange) error {
			changes = append(changes, change)
			return errors.New("broker down")
		}
	})
	ctx := context.Background()
	e := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "PRO")

	_, err := r.Apply(ctx, e)
	require.NoError(t, err, "handler errors must not fail the reconcile")
	_, err = r.Apply(ctx, e)
	require.NoError(t, err)
	_, err = r.Apply(ctx, lifecycle(membership.EventSubscriptionActivated, "sub_2", "active", "ghost", "PRO"))
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, membership.TierChange{
		UserID:         "u1",
		PreviousTier:   membership.TierNone,
		NewTier:        membership.TierPro,
		Source:         membership.EventSubscriptionActivated,
		SubscriptionID: "sub_1",
		At:             fixedNow,
	}, changes[0])

	assert.Equal(t, 1, metrics.tierChanges)
	assert.Equal(t, []string{"lifecycle:applied", "lifecycle:applied", "lifecycle:unresolved"}, metrics.reconciles)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))
}

// FailingStorage wraps a storage and fails on specific operations
type FailingStorage struct {
	membership.Storage
	failUpsert  bool
	failSetTier bool
	failGetUser bool
}

func (f *FailingStorage) UpsertSubscription(ctx context.Context, req *membership.SubscriptionUpsert) (*membership.Subscription, error) {
	if f.failUpsert {
		return nil, errors.New("storage unavailable")
	}
	return f.Storage.UpsertSubscription(ctx, req)
}

func (f *FailingStorage) SetUserTier(ctx context.Context, userID string, tier membership.Tier) error {
	if f.failSetTier {
		return errors.New("storage unavailable")
	}
	return f.Storage.SetUserTier(ctx, userID, tier)
}

func (f *FailingStorage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	if f.failGetUser {
		return nil, errors.New("storage unavailable")
	}
	return f.Storage.GetUser(ctx, userID)
}

func TestReconciler_StorageFailuresAreReturned(t *testing.T) {
	ctx := context.Background()
	e := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "PRO")

	t.Run("upsert", func(t *testing.T) {
		base := memory.New()
		seedUser(t, base, "u1", "u1@example.com", membership.TierNone)
		r := newTestReconciler(t, &FailingStorage{Storage: base, failUpsert: true})
		_, err := r.Apply(ctx, e)
		assert.Error(t, err)
		assert.Equal(t, membership.TierNone, userTier(t, base, "u1"))
	})

	t.Run("set tier", func(t *testing.T) {
		base := memory.New()
		seedUser(t, base, "u1", "u1@example.com", membership.TierNone)
		r := newTestReconciler(t, &FailingStorage{Storage: base, failSetTier: true})
		_, err := r.Apply(ctx, e)
		assert.Error(t, err)
	})

	t.Run("user lookup", func(t *testing.T) {
		base := memory.New()
		r := newTestReconciler(t, &FailingStorage{Storage: base, failGetUser: true})
		_, err := r.Apply(ctx, e)
		assert.Error(t, err)
		_, err = base.GetSubscription(ctx, "sub_1")
		assert.ErrorIs(t, err, membership.ErrSubscriptionNotFound)
	})
}

func TestReconciler_CircuitBreakerOpensOnRepeatedFailures(t *testing.T) {
	base := memory.New()
	seedUser(t, base, "u1", "u1@example.com", membership.TierNone)
	r := newTestReconciler(t, &FailingStorage{Storage: base, failGetUser: true}, func(c *membership.Config) {
		c.CircuitBreakerConfig = &membership.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Hour}
	})
	ctx := context.Background()
	e := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "u1", "PRO")

	_, err := r.Apply(ctx, e)
	assert.Error(t, err)
	_, err = r.Apply(ctx, e)
	assert.Error(t, err)
	_, err = r.Apply(ctx, e)
	assert.ErrorIs(t, err, membership.ErrCircuitOpen)
}

func TestReconciler_ReconcileUnresolved(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store)
	ctx := context.Background()

	// Events arrive before the account exists
	early := lifecycle(membership.EventSubscriptionActivated, "sub_1", "active", "", "PRO")
	early.Correlation.Email = "late@example.com"
	_, err := r.Apply(ctx, early)
	require.NoError(t, err)
	_, err = r.Apply(ctx, lifecycle(membership.EventSubscriptionActivated, "sub_2", "active", "still-missing", "BASIC"))
	require.NoError(t, err)
	_, err = r.Apply(ctx, lifecycle(membership.EventSubscriptionCancelled, "sub_3", "cancelled", "u3", "BASIC"))
	require.NoError(t, err)

	seedUser(t, store, "u1", "Late@Example.com", membership.TierNone)
	seedUser(t, store, "u3", "u3@example.com", membership.TierBasic)

	report, err := r.ReconcileUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Linked)
	assert.Equal(t, 0, report.Failed)

	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))
	assert.Equal(t, membership.TierNone, userTier(t, store, "u3"))

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)

	rows, err := store.ListUnresolvedSubscriptions(ctx, membership.ListCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sub_2", rows[0].ExternalID)
}

func TestReconciler_ReconcileUnresolvedPagesPastOrphans(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"ghost_0", "ghost_1", "ghost_2"} {
		_, err := store.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
			ExternalID:        id,
			Tier:              membership.TierPro,
			Status:            "active",
			CorrelationUserID: "deleted-user",
			Now:               base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := store.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID:        "sub_1",
		Tier:              membership.TierPro,
		Status:            "active",
		CorrelationUserID: "u1",
		Now:               base.Add(time.Minute),
	})
	require.NoError(t, err)
	seedUser(t, store, "u1", "u1@example.com", membership.TierNone)

	report, err := r.ReconcileUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Linked)
	assert.Equal(t, membership.TierPro, userTier(t, store, "u1"))

	report, err = r.ReconcileUnresolved(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 0, report.Linked)
}

// cancelAfterList applies a cancellation to every listed row before the
// caller gets to link it.
type cancelAfterList struct {
	membership.Storage
}

func (s *cancelAfterList) ListUnresolvedSubscriptions(ctx context.Context, after membership.ListCursor, limit int) ([]*membership.Subscription, error) {
	rows, err := s.Storage.ListUnresolvedSubscriptions(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, err := s.Storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
			ExternalID: row.ExternalID,
			Tier:       row.Tier,
			Status:     "cancelled",
		}); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func TestReconciler_ReconcileUsesStoredStatus(t *testing.T) {
	base := memory.New()
	r := newTestReconciler(t, &cancelAfterList{Storage: base})
	ctx := context.Background()

	_, err := base.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID:        "sub_1",
		Tier:              membership.TierPro,
		Status:            "active",
		CorrelationUserID: "u1",
	})
	require.NoError(t, err)
	seedUser(t, base, "u1", "u1@example.com", membership.TierNone)

	report, err := r.ReconcileUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Linked)

	sub, err := base.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sub.Status)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, membership.TierNone, userTier(t, base, "u1"))
}
