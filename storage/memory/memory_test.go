package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

func TestStorage_CreateAndGetUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "  Alice@Example.COM ", IsActive: true}))

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, membership.TierNone, u.Tier)
	assert.Equal(t, membership.RoleUser, u.Role)

	byEmail, err := storage.FindUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	err = storage.CreateUser(ctx, &membership.User{ID: "u2", Email: "alice@example.com"})
	assert.ErrorIs(t, err, membership.ErrUserExists)
	err = storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "other@example.com"})
	assert.ErrorIs(t, err, membership.ErrUserExists)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()
	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "a@b.c"}))

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	u.Tier = membership.TierPro

	again, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, again.Tier)
}

func TestStorage_SetUserTierAndUpdateUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	assert.ErrorIs(t, storage.SetUserTier(ctx, "missing", membership.TierPro), membership.ErrUserNotFound)

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "a@b.c", IsActive: true}))
	require.NoError(t, storage.SetUserTier(ctx, "u1", membership.TierBasic))

	role := membership.RoleCreator
	inactive := false
	u, err := storage.UpdateUser(ctx, "u1", membership.UserPatch{Role: &role, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, membership.RoleCreator, u.Role)
	assert.False(t, u.IsActive)
	assert.Equal(t, membership.TierBasic, u.Tier)

	_, err = storage.UpdateUser(ctx, "missing", membership.UserPatch{Role: &role})
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
}

func TestStorage_DeleteUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "A@x.io"}))
	require.NoError(t, storage.DeleteUser(ctx, "u1"))
	require.NoError(t, storage.DeleteUser(ctx, "u1"))

	_, err := storage.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
	_, err = storage.FindUserByEmail(ctx, "a@x.io")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u2", Email: "a@x.io"}))
}

func TestStorage_UpsertSubscription(t *testing.T) {
	storage := New()
	ctx := context.Background()
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sub, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID:       "sub_1",
		Tier:             membership.TierBasic,
		Status:           "active",
		UserID:           "u1",
		CurrentPeriodEnd: &end,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)

	// Empty user id and nil period end never clear stored values
	sub, err = storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID: "sub_1",
		Tier:       membership.TierBasic,
		Status:     "cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, "cancelled", sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, end.Equal(*sub.CurrentPeriodEnd))

	_, err = storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{})
	assert.Error(t, err)
}

func TestStorage_UpsertSubscription_Concurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
				ExternalID: "sub_1",
				Tier:       membership.TierPro,
				Status:     "active",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := storage.ListUnresolvedSubscriptions(ctx, membership.ListCursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStorage_RecordPayment(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub, err := storage.RecordPayment(ctx, &membership.PaymentRecord{ExternalID: "sub_1", PaymentID: "pay_1", Succeeded: true})
	require.NoError(t, err)
	assert.Nil(t, sub)

	_, err = storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_1", Tier: membership.TierPro, Status: "authenticated"})
	require.NoError(t, err)

	sub, err = storage.RecordPayment(ctx, &membership.PaymentRecord{
		ExternalID: "sub_1", PaymentID: "pay_1", OrderID: "order_1", Succeeded: true, UserID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sub)

	sub, err = storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, sub.Status)
	assert.Equal(t, membership.PaymentStatusPaid, sub.LastPaymentStatus)
	assert.Equal(t, "pay_1", sub.LastPaymentID)
	assert.Equal(t, "order_1", sub.LastOrderID)
	assert.Equal(t, "u1", sub.UserID)
	assert.NotNil(t, sub.LastPaymentAt)

	sub, err = storage.RecordPayment(ctx, &membership.PaymentRecord{ExternalID: "sub_1", PaymentID: "pay_2"})
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, membership.PaymentStatusFailed, sub.LastPaymentStatus)
	assert.Equal(t, membership.StatusActive, sub.Status)
}

func TestStorage_TerminalStatusIsSticky(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_1", Tier: membership.TierPro, Status: "cancelled"})
	require.NoError(t, err)

	sub, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_1", Tier: membership.TierPro, Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sub.Status)

	sub, err = storage.RecordPayment(ctx, &membership.PaymentRecord{ExternalID: "sub_1", PaymentID: "pay_1", Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sub.Status)

	sub, err = storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_1", Tier: membership.TierPro, Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, "completed", sub.Status)
}

func TestStorage_ListUnresolvedSubscriptions(t *testing.T) {
	storage := New()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"sub_c", "sub_a", "sub_b"} {
		_, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
			ExternalID: id,
			Status:     "active",
			Now:        base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{ExternalID: "sub_linked", Status: "active", UserID: "u1"})
	require.NoError(t, err)

	rows, err := storage.ListUnresolvedSubscriptions(ctx, membership.ListCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "sub_c", rows[0].ExternalID)
	assert.Equal(t, "sub_a", rows[1].ExternalID)

	rows, err = storage.ListUnresolvedSubscriptions(ctx, membership.CursorAfter(rows[1]), 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sub_b", rows[0].ExternalID)
}

func TestStorage_Settings(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSettings(ctx)
	assert.ErrorIs(t, err, membership.ErrSettingsNotFound)

	require.NoError(t, storage.SaveSettings(ctx, &membership.TierSettings{
		BasicPrice: 500, ProPrice: 900, Currency: " usd ", BasicPlanID: " plan_b ",
	}))
	s, err := storage.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), s.BasicPrice)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, "plan_b", s.BasicPlanID)
	assert.False(t, s.UpdatedAt.IsZero())
}
