// Package redis provides a Redis implementation of the membership.Storage interface.
// User creation runs as a Lua script and ledger writes use optimistic WATCH transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// ErrConflict is returned when a WATCH transaction keeps losing the race
// after MaxRetries attempts.
var ErrConflict = errors.New("redis: too many concurrent writers")

// Storage implements membership.Storage using Redis
type Storage struct {
	client     redis.UniversalClient
	config     Config
	createUser *redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiergate:").
	// With Redis Cluster use a hash tag such as "{tiergate}:" so the
	// user, email and ledger keys share a slot.
	KeyPrefix string

	// MaxRetries is the maximum number of WATCH attempts per write (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "tiergate:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiergate:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	return &Storage{
		client:     client,
		config:     config,
		createUser: createUserScript,
	}, nil
}

// createUserScript stores a user unless its id or email is taken.
// KEYS: user key, email index key. ARGV: user json, user id ("" without email).
var createUserScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	if ARGV[2] ~= '' then
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return 0
		end
		redis.call('SET', KEYS[2], ARGV[2])
	end
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
`)

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// CreateUser implements membership.UserStore
func (s *Storage) CreateUser(ctx context.Context, user *membership.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	u := *user
	u.Email = membership.NormalizeEmail(u.Email)
	if u.Tier == "" {
		u.Tier = membership.TierNone
	}
	if u.Role == "" {
		u.Role = membership.RoleUser
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	data, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	indexed := ""
	if u.Email != "" {
		indexed = u.ID
	}
	created, err := s.createUser.Run(ctx, s.client,
		[]string{s.userKey(u.ID), s.emailKey(u.Email)}, string(data), indexed).Int()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if created == 0 {
		return membership.ErrUserExists
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	return s.loadUser(ctx, s.client, s.userKey(userID))
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	email = membership.NormalizeEmail(email)
	if email == "" {
		return nil, membership.ErrUserNotFound
	}
	id, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if err == redis.Nil {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return s.GetUser(ctx, id)
}

// SetUserTier implements membership.UserStore
func (s *Storage) SetUserTier(ctx context.Context, userID string, tier membership.Tier) error {
	_, err := s.modifyUser(ctx, userID, func(u *membership.User) {
		u.Tier = tier
	})
	return err
}

// UpdateUser implements membership.UserStore
func (s *Storage) UpdateUser(ctx context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	return s.modifyUser(ctx, userID, func(u *membership.User) {
		*u = patch.Apply(*u)
	})
}

func (s *Storage) modifyUser(ctx context.Context, userID string, fn func(*membership.User)) (*membership.User, error) {
	key := s.userKey(userID)
	var out *membership.User
	err := s.watch(ctx, func(tx *redis.Tx) error {
		u, err := s.loadUser(ctx, tx, key)
		if err != nil {
			return err
		}
		fn(u)
		u.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		out = u
		return nil
	}, key)
	return out, err
}

// DeleteUser removes a user and its email index entry. Deleting a missing
// user is not an error.
func (s *Storage) DeleteUser(ctx context.Context, userID string) error {
	key := s.userKey(userID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		u, err := s.loadUser(ctx, tx, key)
		if errors.Is(err, membership.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if u.Email != "" {
				pipe.Del(ctx, s.emailKey(u.Email))
			}
			return nil
		})
		return err
	}, key)
}

func (s *Storage) loadUser(ctx context.Context, g getter, key string) (*membership.User, error) {
	data, err := g.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var u membership.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

// UpsertSubscription implements membership.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, req *membership.SubscriptionUpsert) (*membership.Subscription, error) {
	if req == nil || req.ExternalID == "" {
		return nil, fmt.Errorf("invalid subscription upsert")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := s.subscriptionKey(req.ExternalID)
	var out *membership.Subscription
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := s.loadSubscription(ctx, tx, key)
		if errors.Is(err, membership.ErrSubscriptionNotFound) {
			sub = &membership.Subscription{ExternalID: req.ExternalID, CreatedAt: now}
		} else if err != nil {
			return err
		}

		sub.Tier = req.Tier
		sub.Status = membership.MergeStatus(sub.Status, req.Status)
		if req.UserID != "" {
			sub.UserID = req.UserID
		}
		if req.CurrentPeriodEnd != nil {
			end := *req.CurrentPeriodEnd
			sub.CurrentPeriodEnd = &end
		}
		if req.CorrelationUserID != "" {
			sub.CorrelationUserID = req.CorrelationUserID
		}
		if req.CorrelationEmail != "" {
			sub.CorrelationEmail = req.CorrelationEmail
		}
		sub.UpdatedAt = now

		if err := s.saveSubscription(ctx, tx, key, sub); err != nil {
			return err
		}
		out = sub
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordPayment implements membership.SubscriptionStore
func (s *Storage) RecordPayment(ctx context.Context, req *membership.PaymentRecord) (*membership.Subscription, error) {
	if req == nil || req.ExternalID == "" {
		return nil, nil
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	key := s.subscriptionKey(req.ExternalID)
	var out *membership.Subscription
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := s.loadSubscription(ctx, tx, key)
		if errors.Is(err, membership.ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		sub.LastPaymentID = req.PaymentID
		sub.LastOrderID = req.OrderID
		sub.LastPaymentStatus = req.Status()
		sub.LastPaymentAt = &at
		if req.Succeeded {
			sub.Status = membership.MergeStatus(sub.Status, membership.StatusActive)
		}
		if req.UserID != "" {
			sub.UserID = req.UserID
		}
		sub.UpdatedAt = at

		if err := s.saveSubscription(ctx, tx, key, sub); err != nil {
			return err
		}
		out = sub
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubscription implements membership.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*membership.Subscription, error) {
	return s.loadSubscription(ctx, s.client, s.subscriptionKey(externalID))
}

// ListUnresolvedSubscriptions implements membership.SubscriptionStore.
// The unresolved index is a sorted set scored by creation time in
// milliseconds; equal scores fall back to member order, which is the
// external id.
func (s *Storage) ListUnresolvedSubscriptions(ctx context.Context, after membership.ListCursor, limit int) ([]*membership.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	lower := "-inf"
	var afterScore float64
	if !after.IsZero() {
		afterScore = unresolvedScore(after.CreatedAt)
		lower = strconv.FormatFloat(afterScore, 'f', -1, 64)
	}

	out := make([]*membership.Subscription, 0, limit)
	for offset := int64(0); ; {
		batch, err := s.client.ZRangeByScoreWithScores(ctx, s.unresolvedKey(), &redis.ZRangeBy{
			Min:    lower,
			Max:    "+inf",
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list unresolved subscriptions: %w", err)
		}

		for _, z := range batch {
			id, _ := z.Member.(string)
			if !after.IsZero() && z.Score == afterScore && id <= after.ExternalID {
				continue
			}
			sub, err := s.GetSubscription(ctx, id)
			if errors.Is(err, membership.ErrSubscriptionNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, sub)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(batch) < limit {
			return out, nil
		}
		offset += int64(len(batch))
	}
}

func unresolvedScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *Storage) loadSubscription(ctx context.Context, g getter, key string) (*membership.Subscription, error) {
	data, err := g.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, membership.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub membership.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// saveSubscription writes the row and keeps the unresolved index in step
// inside one MULTI block.
func (s *Storage) saveSubscription(ctx context.Context, tx *redis.Tx, key string, sub *membership.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		if sub.UserID == "" {
			pipe.ZAdd(ctx, s.unresolvedKey(), redis.Z{
				Score:  unresolvedScore(sub.CreatedAt),
				Member: sub.ExternalID,
			})
		} else {
			pipe.ZRem(ctx, s.unresolvedKey(), sub.ExternalID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSettings implements membership.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (*membership.TierSettings, error) {
	data, err := s.client.Get(ctx, s.settingsKey()).Bytes()
	if err == redis.Nil {
		return nil, membership.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var settings membership.TierSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings implements membership.SettingsStore
func (s *Storage) SaveSettings(ctx context.Context, settings *membership.TierSettings) error {
	if settings == nil {
		return membership.ErrInvalidSettings
	}

	stored := settings.Normalize()
	stored.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.client.Set(ctx, s.settingsKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// watch runs fn in an optimistic transaction over keys, retrying when
// another writer touched them first.
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// userKey generates the Redis key for a user record
func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

// emailKey generates the Redis key of the email -> user id index
func (s *Storage) emailKey(email string) string {
	return fmt.Sprintf("%suser_email:%s", s.config.KeyPrefix, email)
}

// subscriptionKey generates the Redis key for a ledger row
func (s *Storage) subscriptionKey(externalID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, externalID)
}

func (s *Storage) unresolvedKey() string {
	return s.config.KeyPrefix + "sub_unresolved"
}

func (s *Storage) settingsKey() string {
	return s.config.KeyPrefix + "settings"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
