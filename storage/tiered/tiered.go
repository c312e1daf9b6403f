// Package tiered provides a Hot/Cold storage adapter that serves user reads
// from fast storage (Hot) while a durable store (Cold) stays the source of
// truth for every write.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// HotStore is a user cache that can drop entries it can no longer vouch for.
type HotStore interface {
	membership.UserStore

	// DeleteUser removes the user. Deleting a missing user is not an error.
	DeleteUser(ctx context.Context, userID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot holds mirrored users for the access gate (e.g., Redis, Memory)
	Hot HotStore

	// Cold is the persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold membership.Storage

	// TTL bounds how long a Hot copy is served after this process last
	// synced it from Cold. Zero keeps synced copies until a write replaces
	// or evicts them, which is only safe with a single writer process.
	TTL time.Duration

	// ErrorHandler is called when mirroring to Hot fails. The Cold write has
	// already succeeded at that point, so the caller still sees success.
	ErrorHandler func(error)

	// Now is the clock used for TTL checks (default: time.Now)
	Now func() time.Time
}

// Storage implements membership.Storage over two backends:
// - Read-Through: users (Hot → Cold → populate Hot)
// - Write-Through: user writes (Cold → Hot, evicting Hot on failure)
// - Cold-Only: the subscription ledger and settings
//
// Hot copies are only served while this process knows them to be fresh:
// a failed mirror forgets the user locally and evicts it from Hot.
type Storage struct {
	membership.SubscriptionStore
	membership.SettingsStore

	hot  HotStore
	cold membership.Storage
	conf Config

	mu     sync.Mutex
	synced map[string]time.Time // user id -> last successful mirror
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.TTL < 0 {
		return nil, errors.New("tiered storage: ttl must not be negative")
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(error) {}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{
		SubscriptionStore: config.Cold,
		SettingsStore:     config.Cold,
		hot:               config.Hot,
		cold:              config.Cold,
		conf:              config,
		synced:            make(map[string]time.Time),
	}, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements membership.UserStore with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	// 1. Try Hot, but only a copy this process has vouched for
	if s.fresh(userID) {
		if u, err := s.hot.GetUser(ctx, userID); err == nil {
			return u, nil
		}
	}

	// 2. Try Cold (Source of Truth)
	u, err := s.cold.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.mirror(ctx, u)
	return u, nil
}

// FindUserByEmail implements membership.UserStore with read-through strategy.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	u, err := s.hot.FindUserByEmail(ctx, email)
	if err == nil && s.fresh(u.ID) {
		return u, nil
	}

	u, err = s.cold.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, u)
	return u, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Tier changes must be durable first and visible to the gate right after.

// CreateUser implements membership.UserStore with write-through strategy.
func (s *Storage) CreateUser(ctx context.Context, user *membership.User) error {
	if err := s.cold.CreateUser(ctx, user); err != nil {
		return err
	}
	s.mirror(ctx, user)
	return nil
}

// SetUserTier implements membership.UserStore with write-through strategy.
func (s *Storage) SetUserTier(ctx context.Context, userID string, tier membership.Tier) error {
	s.forget(userID)
	if err := s.cold.SetUserTier(ctx, userID, tier); err != nil {
		return err
	}
	s.refresh(ctx, userID)
	return nil
}

// UpdateUser implements membership.UserStore with write-through strategy.
func (s *Storage) UpdateUser(ctx context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	s.forget(userID)
	u, err := s.cold.UpdateUser(ctx, userID, patch)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, u)
	return u, nil
}

// refresh copies the Cold row for userID into Hot
func (s *Storage) refresh(ctx context.Context, userID string) {
	u, err := s.cold.GetUser(ctx, userID)
	if err != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered refresh %s: %w", userID, err))
		s.evict(ctx, userID)
		return
	}
	s.mirror(ctx, u)
}

// mirror makes the Hot copy of u match. Users are created on first sight
// and patched afterwards; id and email never change once stored. A copy
// that cannot be updated is evicted.
func (s *Storage) mirror(ctx context.Context, u *membership.User) {
	err := s.hot.CreateUser(ctx, u)
	if errors.Is(err, membership.ErrUserExists) {
		role, tier, active := u.Role, u.Tier, u.IsActive
		_, err = s.hot.UpdateUser(ctx, u.ID, membership.UserPatch{
			Role:     &role,
			Tier:     &tier,
			IsActive: &active,
		})
	}
	if err != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered sync %s: %w", u.ID, err))
		s.evict(ctx, u.ID)
		return
	}

	s.mu.Lock()
	s.synced[u.ID] = s.conf.Now()
	s.mu.Unlock()
}

// evict drops the Hot copy of userID. Reads keep going to Cold even if the
// delete fails, because the local sync mark is gone.
func (s *Storage) evict(ctx context.Context, userID string) {
	s.forget(userID)
	if err := s.hot.DeleteUser(ctx, userID); err != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered evict %s: %w", userID, err))
	}
}

func (s *Storage) forget(userID string) {
	s.mu.Lock()
	delete(s.synced, userID)
	s.mu.Unlock()
}

func (s *Storage) fresh(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.synced[userID]
	if !ok {
		return false
	}
	if s.conf.TTL > 0 && s.conf.Now().Sub(at) > s.conf.TTL {
		delete(s.synced, userID)
		return false
	}
	return true
}
