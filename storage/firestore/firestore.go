// Package firestore provides a Firestore implementation of the membership.Storage interface.
// Every read-modify-write runs inside a Firestore transaction.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// Storage implements membership.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	emailsCollection        string
	subscriptionsCollection string
	settingsCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for users
	// Default: "membership_users"
	UsersCollection string

	// EmailsCollection indexes lower-cased emails to user ids
	// Default: "membership_user_emails"
	EmailsCollection string

	// SubscriptionsCollection is the Firestore collection for the subscription ledger
	// Default: "membership_subscriptions"
	SubscriptionsCollection string

	// SettingsCollection holds the single tier settings document
	// Default: "membership_settings"
	SettingsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "membership_users"
	}
	if config.EmailsCollection == "" {
		config.EmailsCollection = "membership_user_emails"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "membership_subscriptions"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "membership_settings"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		emailsCollection:        config.EmailsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		settingsCollection:      config.SettingsCollection,
	}, nil
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

	userDoc := s.client.Collection(s.usersCollection).Doc(u.ID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		taken, err := exists(tx, userDoc)
		if err != nil {
			return err
		}
		if taken {
			return membership.ErrUserExists
		}

		var emailDoc *firestore.DocumentRef
		if u.Email != "" {
			emailDoc = s.client.Collection(s.emailsCollection).Doc(u.Email)
			taken, err := exists(tx, emailDoc)
			if err != nil {
				return err
			}
			if taken {
				return membership.ErrUserExists
			}
		}

		if err := tx.Create(userDoc, userData(&u)); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		if emailDoc != nil {
			if err := tx.Create(emailDoc, map[string]interface{}{"userId": u.ID}); err != nil {
				return fmt.Errorf("failed to index user email: %w", err)
			}
		}
		return nil
	})
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, membership.ErrUserNotFound
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	email = membership.NormalizeEmail(email)
	if email == "" {
		return nil, membership.ErrUserNotFound
	}
	snap, err := s.client.Collection(s.emailsCollection).Doc(email).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return s.GetUser(ctx, getString(snap.Data(), "userId"))
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
	doc := s.client.Collection(s.usersCollection).Doc(userID)
	var out *membership.User
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return membership.ErrUserNotFound
			}
			return fmt.Errorf("failed to get user: %w", err)
		}

		u := userFromData(userID, snap.Data())
		fn(u)
		u.UpdatedAt = time.Now().UTC()
		if err := tx.Set(doc, userData(u)); err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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

	doc := s.subscriptionDoc(req.ExternalID)
	var out *membership.Subscription
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var sub *membership.Subscription
		snap, err := tx.Get(doc)
		switch {
		case status.Code(err) == codes.NotFound:
			sub = &membership.Subscription{ExternalID: req.ExternalID, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("failed to get subscription: %w", err)
		default:
			sub = subscriptionFromData(req.ExternalID, snap.Data())
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

		if err := tx.Set(doc, subscriptionData(sub)); err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
		out = sub
		return nil
	})
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

	doc := s.subscriptionDoc(req.ExternalID)
	var out *membership.Subscription
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		out = nil
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		sub := subscriptionFromData(req.ExternalID, snap.Data())
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

		if err := tx.Set(doc, subscriptionData(sub)); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubscription implements membership.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*membership.Subscription, error) {
	snap, err := s.subscriptionDoc(externalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(externalID, snap.Data()), nil
}

// ListUnresolvedSubscriptions implements membership.SubscriptionStore.
// Production projects need a composite index on (userId, createdAt).
func (s *Storage) ListUnresolvedSubscriptions(ctx context.Context, after membership.ListCursor, limit int) ([]*membership.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", "").
		OrderBy("createdAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if !after.IsZero() {
		q = q.StartAfter(after.CreatedAt, after.ExternalID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*membership.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list unresolved subscriptions: %w", err)
		}
		out = append(out, subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// GetSettings implements membership.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (*membership.TierSettings, error) {
	snap, err := s.settingsDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	data := snap.Data()
	return &membership.TierSettings{
		BasicPrice:  getInt64(data, "basicPrice"),
		ProPrice:    getInt64(data, "proPrice"),
		Currency:    getString(data, "currency"),
		BasicPlanID: getString(data, "basicPlanId"),
		ProPlanID:   getString(data, "proPlanId"),
		UpdatedAt:   getTime(data, "updatedAt"),
	}, nil
}

// SaveSettings implements membership.SettingsStore
func (s *Storage) SaveSettings(ctx context.Context, settings *membership.TierSettings) error {
	if settings == nil {
		return membership.ErrInvalidSettings
	}

	stored := settings.Normalize()
	_, err := s.settingsDoc().Set(ctx, map[string]interface{}{
		"basicPrice":  stored.BasicPrice,
		"proPrice":    stored.ProPrice,
		"currency":    stored.Currency,
		"basicPlanId": stored.BasicPlanID,
		"proPlanId":   stored.ProPlanID,
		"updatedAt":   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *Storage) subscriptionDoc(externalID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(externalID)
}

func (s *Storage) settingsDoc() *firestore.DocumentRef {
	return s.client.Collection(s.settingsCollection).Doc(membership.SettingsID)
}

func exists(tx *firestore.Transaction, doc *firestore.DocumentRef) (bool, error) {
	_, err := tx.Get(doc)
	if err == nil {
		return true, nil
	}
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to read %s: %w", doc.Path, err)
}

func userData(u *membership.User) map[string]interface{} {
	return map[string]interface{}{
		"email":     u.Email,
		"name":      u.Name,
		"role":      string(u.Role),
		"tier":      string(u.Tier),
		"isActive":  u.IsActive,
		"createdAt": u.CreatedAt,
		"updatedAt": u.UpdatedAt,
	}
}

func userFromData(id string, data map[string]interface{}) *membership.User {
	active, _ := data["isActive"].(bool)
	return &membership.User{
		ID:        id,
		Email:     getString(data, "email"),
		Name:      getString(data, "name"),
		Role:      membership.NormalizeRole(getString(data, "role")),
		Tier:      membership.NormalizeTier(getString(data, "tier")),
		IsActive:  active,
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
}

// subscriptionData always writes userId, so unresolved rows match userId == "".
func subscriptionData(sub *membership.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"tier":              string(sub.Tier),
		"status":            sub.Status,
		"userId":            sub.UserID,
		"lastPaymentId":     sub.LastPaymentID,
		"lastOrderId":       sub.LastOrderID,
		"lastPaymentStatus": sub.LastPaymentStatus,
		"correlationUserId": sub.CorrelationUserID,
		"correlationEmail":  sub.CorrelationEmail,
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
	if sub.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *sub.CurrentPeriodEnd
	}
	if sub.LastPaymentAt != nil {
		data["lastPaymentAt"] = *sub.LastPaymentAt
	}
	return data
}

func subscriptionFromData(id string, data map[string]interface{}) *membership.Subscription {
	return &membership.Subscription{
		ExternalID:        id,
		Tier:              membership.NormalizeTier(getString(data, "tier")),
		Status:            getString(data, "status"),
		UserID:            getString(data, "userId"),
		CurrentPeriodEnd:  getTimePtr(data, "currentPeriodEnd"),
		LastPaymentID:     getString(data, "lastPaymentId"),
		LastOrderID:       getString(data, "lastOrderId"),
		LastPaymentStatus: getString(data, "lastPaymentStatus"),
		LastPaymentAt:     getTimePtr(data, "lastPaymentAt"),
		CorrelationUserID: getString(data, "correlationUserId"),
		CorrelationEmail:  getString(data, "correlationEmail"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	return &v
}
