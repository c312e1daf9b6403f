// Package memory provides an in-memory implementation of the membership.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// Storage implements membership.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*membership.User
	emails        map[string]string // lower-cased email -> user id
	subscriptions map[string]*membership.Subscription
	settings      *membership.TierSettings
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*membership.User),
		emails:        make(map[string]string),
		subscriptions: make(map[string]*membership.Subscription),
	}
}

// CreateUser implements membership.UserStore
func (s *Storage) CreateUser(_ context.Context, user *membership.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	email := membership.NormalizeEmail(user.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return membership.ErrUserExists
	}
	if _, ok := s.emails[email]; ok && email != "" {
		return membership.ErrUserExists
	}

	// Store a copy to prevent external mutations
	u := *user
	u.Email = email
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
	s.users[u.ID] = &u
	if email != "" {
		s.emails[email] = u.ID
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(_ context.Context, userID string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[membership.NormalizeEmail(email)]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	userCopy := *s.users[id]
	return &userCopy, nil
}

// SetUserTier implements membership.UserStore
func (s *Storage) SetUserTier(_ context.Context, userID string, tier membership.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return membership.ErrUserNotFound
	}
	u.Tier = tier
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateUser implements membership.UserStore
func (s *Storage) UpdateUser(_ context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	updated := patch.Apply(*u)
	updated.UpdatedAt = time.Now().UTC()
	*u = updated

	userCopy := updated
	return &userCopy, nil
}

// DeleteUser removes a user and its email index entry. Deleting a missing
// user is not an error.
func (s *Storage) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	if u.Email != "" && s.emails[u.Email] == userID {
		delete(s.emails, u.Email)
	}
	delete(s.users, userID)
	return nil
}

// UpsertSubscription implements membership.SubscriptionStore.
// The whole read-modify-write runs under the write lock.
func (s *Storage) UpsertSubscription(_ context.Context, req *membership.SubscriptionUpsert) (*membership.Subscription, error) {
	if req == nil || req.ExternalID == "" {
		return nil, fmt.Errorf("invalid subscription upsert")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[req.ExternalID]
	if !ok {
		sub = &membership.Subscription{
			ExternalID: req.ExternalID,
			CreatedAt:  now,
		}
		s.subscriptions[req.ExternalID] = sub
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

	return copySubscription(sub), nil
}

// RecordPayment implements membership.SubscriptionStore
func (s *Storage) RecordPayment(_ context.Context, req *membership.PaymentRecord) (*membership.Subscription, error) {
	if req == nil || req.ExternalID == "" {
		return nil, nil
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[req.ExternalID]
	if !ok {
		return nil, nil
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
	return copySubscription(sub), nil
}

// GetSubscription implements membership.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, externalID string) (*membership.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, membership.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// ListUnresolvedSubscriptions implements membership.SubscriptionStore
func (s *Storage) ListUnresolvedSubscriptions(_ context.Context, after membership.ListCursor, limit int) ([]*membership.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*membership.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == "" && !after.Passed(sub) {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExternalID < out[j].ExternalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSettings implements membership.SettingsStore
func (s *Storage) GetSettings(_ context.Context) (*membership.TierSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, membership.ErrSettingsNotFound
	}
	settingsCopy := *s.settings
	return &settingsCopy, nil
}

// SaveSettings implements membership.SettingsStore
func (s *Storage) SaveSettings(_ context.Context, settings *membership.TierSettings) error {
	if settings == nil {
		return membership.ErrInvalidSettings
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := settings.Normalize()
	stored.UpdatedAt = time.Now().UTC()
	s.settings = &stored
	return nil
}

func copySubscription(sub *membership.Subscription) *membership.Subscription {
	c := *sub
	if sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		c.CurrentPeriodEnd = &end
	}
	if sub.LastPaymentAt != nil {
		at := *sub.LastPaymentAt
		c.LastPaymentAt = &at
	}
	return &c
}
