package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiergate/pkg/membership"
	"github.com/mihaimyh/tiergate/storage/memory"
)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("negative ttl", func(t *testing.T) {
		_, err := New(Config{Hot: memory.New(), Cold: memory.New(), TTL: -time.Second})
		assert.Error(t, err)
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetUser_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.CreateUser(ctx, &membership.User{
		ID: "user1", Email: "a@example.com", Tier: membership.TierPro, IsActive: true,
	}))

	t.Run("hot miss falls back to cold", func(t *testing.T) {
		_, err := hot.GetUser(ctx, "user1")
		require.ErrorIs(t, err, membership.ErrUserNotFound)

		u, err := storage.GetUser(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, membership.TierPro, u.Tier)
	})

	t.Run("populates hot", func(t *testing.T) {
		u, err := hot.GetUser(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, membership.TierPro, u.Tier)

		u, err = hot.FindUserByEmail(ctx, "A@example.com")
		require.NoError(t, err)
		assert.Equal(t, "user1", u.ID)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := storage.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, membership.ErrUserNotFound)
	})
}

func TestStorage_FindUserByEmail_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.CreateUser(ctx, &membership.User{ID: "user1", Email: "b@example.com"}))

	u, err := storage.FindUserByEmail(ctx, "B@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "user1", u.ID)

	_, err = hot.GetUser(ctx, "user1")
	assert.NoError(t, err)
}

// --- Write-Through Strategy Tests ---

func TestStorage_SetUserTier_WriteThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "user1", IsActive: true}))
	require.NoError(t, storage.SetUserTier(ctx, "user1", membership.TierBasic))

	for name, store := range map[string]membership.UserStore{"hot": hot, "cold": cold} {
		u, err := store.GetUser(ctx, "user1")
		require.NoError(t, err, name)
		assert.Equal(t, membership.TierBasic, u.Tier, name)
	}

	// a stale hot copy is overwritten on the next write
	require.NoError(t, hot.SetUserTier(ctx, "user1", membership.TierPro))
	require.NoError(t, storage.SetUserTier(ctx, "user1", membership.TierNone))
	u, err := hot.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)
}

func TestStorage_UpdateUser_WriteThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	// exists only in cold
	require.NoError(t, cold.CreateUser(ctx, &membership.User{ID: "user1", IsActive: true}))

	role := membership.RoleCreator
	active := false
	u, err := storage.UpdateUser(ctx, "user1", membership.UserPatch{Role: &role, IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, membership.RoleCreator, u.Role)

	hotUser, err := hot.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, membership.RoleCreator, hotUser.Role)
	assert.False(t, hotUser.IsActive)
}

type failingUsers struct {
	membership.UserStore
}

func (failingUsers) CreateUser(context.Context, *membership.User) error {
	return errors.New("hot unavailable")
}

func (failingUsers) GetUser(context.Context, string) (*membership.User, error) {
	return nil, errors.New("hot unavailable")
}

func (failingUsers) DeleteUser(context.Context, string) error {
	return nil
}

func TestStorage_HotFailure(t *testing.T) {
	cold := memory.New()
	var reported []error
	storage, err := New(Config{
		Hot:          failingUsers{},
		Cold:         cold,
		ErrorHandler: func(err error) { reported = append(reported, err) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "user1"}))
	require.NoError(t, storage.SetUserTier(ctx, "user1", membership.TierPro))

	u, err := storage.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)
	assert.Len(t, reported, 3)
}

// flakyHot is a memory cache whose updates and deletes can be made to fail.
type flakyHot struct {
	*memory.Storage
	failUpdates int
	failDeletes bool
}

func (f *flakyHot) UpdateUser(ctx context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	if f.failUpdates > 0 {
		f.failUpdates--
		return nil, errors.New("hot write timeout")
	}
	return f.Storage.UpdateUser(ctx, userID, patch)
}

func (f *flakyHot) DeleteUser(ctx context.Context, userID string) error {
	if f.failDeletes {
		return errors.New("hot delete timeout")
	}
	return f.Storage.DeleteUser(ctx, userID)
}

func TestStorage_FailedMirrorEvictsStaleCopy(t *testing.T) {
	hot := &flakyHot{Storage: memory.New()}
	cold := memory.New()
	var reported []error
	storage, err := New(Config{
		Hot:          hot,
		Cold:         cold,
		ErrorHandler: func(err error) { reported = append(reported, err) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Tier: membership.TierPro, IsActive: true}))
	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)

	hot.failUpdates = 1
	require.NoError(t, storage.SetUserTier(ctx, "u1", membership.TierNone))
	assert.Len(t, reported, 1)

	_, err = hot.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)

	u, err = storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)

	u, err = hot.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)
}

func TestStorage_FailedEvictionStillBypassesHot(t *testing.T) {
	hot := &flakyHot{Storage: memory.New()}
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "u1@example.com", Tier: membership.TierPro}))

	hot.failUpdates = 10
	hot.failDeletes = true
	require.NoError(t, storage.SetUserTier(ctx, "u1", membership.TierNone))

	stale, err := hot.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, stale.Tier)

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)

	u, err = storage.FindUserByEmail(ctx, "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)
}

func TestStorage_TTLBoundsReplicaStaleness(t *testing.T) {
	cold := memory.New()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	replicaA, err := New(Config{Hot: memory.New(), Cold: cold, TTL: time.Minute, Now: clock})
	require.NoError(t, err)
	replicaB, err := New(Config{Hot: memory.New(), Cold: cold, TTL: time.Minute, Now: clock})
	require.NoError(t, err)

	require.NoError(t, cold.CreateUser(ctx, &membership.User{ID: "u1", Tier: membership.TierPro}))
	for _, r := range []*Storage{replicaA, replicaB} {
		u, err := r.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, membership.TierPro, u.Tier)
	}

	require.NoError(t, replicaA.SetUserTier(ctx, "u1", membership.TierNone))

	u, err := replicaB.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)

	now = now.Add(2 * time.Minute)
	u, err = replicaB.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierNone, u.Tier)
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	err = storage.SetUserTier(ctx, "missing", membership.TierPro)
	assert.ErrorIs(t, err, membership.ErrUserNotFound)

	_, err = hot.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
}

// --- Cold-Only Strategy Tests ---

func TestStorage_LedgerAndSettings_ColdOnly(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.UpsertSubscription(ctx, &membership.SubscriptionUpsert{
		ExternalID: "sub_1", Tier: membership.TierBasic, Status: "active",
	})
	require.NoError(t, err)

	_, err = cold.GetSubscription(ctx, "sub_1")
	assert.NoError(t, err)
	_, err = hot.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, membership.ErrSubscriptionNotFound)

	settings := membership.DefaultTierSettings()
	require.NoError(t, storage.SaveSettings(ctx, &settings))
	_, err = hot.GetSettings(ctx)
	assert.ErrorIs(t, err, membership.ErrSettingsNotFound)
}

func TestStorage_WithReconciler(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, &membership.User{ID: "u1", Email: "c@example.com", IsActive: true}))

	rec, err := membership.NewReconciler(storage, membership.DefaultConfig())
	require.NoError(t, err)

	_, err = rec.Apply(ctx, &membership.LifecycleEvent{
		Type:           "subscription.activated",
		ExternalID:     "sub_1",
		ProviderStatus: "active",
		Correlation:    membership.Correlation{Email: "c@example.com", TierHint: "PRO"},
	})
	require.NoError(t, err)

	u, err := hot.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.TierPro, u.Tier)
}
