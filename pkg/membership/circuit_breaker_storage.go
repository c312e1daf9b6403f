package membership

import "context"

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) CreateUser(ctx context.Context, user *User) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateUser(ctx, user)
	})
}

func (s *CircuitBreakerStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.GetUser(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.FindUserByEmail(ctx, email)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) SetUserTier(ctx context.Context, userID string, tier Tier) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetUserTier(ctx, userID, tier)
	})
}

func (s *CircuitBreakerStorage) UpdateUser(ctx context.Context, userID string, patch UserPatch) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.UpdateUser(ctx, userID, patch)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) UpsertSubscription(ctx context.Context, req *SubscriptionUpsert) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.UpsertSubscription(ctx, req)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) RecordPayment(ctx context.Context, req *PaymentRecord) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.RecordPayment(ctx, req)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, externalID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, externalID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) ListUnresolvedSubscriptions(ctx context.Context, after ListCursor, limit int) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		subs, e = s.storage.ListUnresolvedSubscriptions(ctx, after, limit)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStorage) GetSettings(ctx context.Context) (*TierSettings, error) {
	var settings *TierSettings
	err := s.cb.Execute(ctx, func() error {
		var e error
		settings, e = s.storage.GetSettings(ctx)
		return e
	})
	return settings, err
}

func (s *CircuitBreakerStorage) SaveSettings(ctx context.Context, settings *TierSettings) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveSettings(ctx, settings)
	})
}
