// Package postgres provides a PostgreSQL implementation of the membership.Storage interface.
// Ledger upserts are single INSERT ... ON CONFLICT statements so concurrent
// deliveries for the same subscription serialize on the row.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// terminalStatuses must match membership.IsTerminalStatus.
const terminalStatuses = `('cancelled', 'canceled', 'completed', 'expired')`

const userColumns = `id, COALESCE(email, ''), name, role, tier, is_active, created_at, updated_at`

const subscriptionColumns = `external_id, tier, status, COALESCE(user_id, ''), current_period_end,
	last_payment_id, last_order_id, last_payment_status, last_payment_at,
	correlation_user_id, correlation_email, created_at, updated_at`

// Pool is the subset of *pgxpool.Pool used by Storage.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Storage implements membership.Storage using PostgreSQL
type Storage struct {
	pool   Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithPool(pool, config), nil
}

// NewWithPool wraps an existing pool (or a pgxmock pool in tests).
func NewWithPool(pool Pool, config Config) *Storage {
	return &Storage{pool: pool, config: config}
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*membership.User, error) {
	var (
		u          membership.User
		role, tier string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &tier, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = membership.Role(role)
	u.Tier = membership.Tier(tier)
	return &u, nil
}

func scanSubscription(row pgx.Row) (*membership.Subscription, error) {
	var (
		sub  membership.Subscription
		tier string
	)
	err := row.Scan(
		&sub.ExternalID,
		&tier,
		&sub.Status,
		&sub.UserID,
		&sub.CurrentPeriodEnd,
		&sub.LastPaymentID,
		&sub.LastOrderID,
		&sub.LastPaymentStatus,
		&sub.LastPaymentAt,
		&sub.CorrelationUserID,
		&sub.CorrelationEmail,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = membership.Tier(tier)
	return &sub, nil
}

// CreateUser implements membership.UserStore
func (s *Storage) CreateUser(ctx context.Context, user *membership.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	tier := user.Tier
	if tier == "" {
		tier = membership.TierNone
	}
	role := user.Role
	if role == "" {
		role = membership.RoleUser
	}
	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, tier, is_active, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`,
		user.ID, membership.NormalizeEmail(user.Email), user.Name, string(role), string(tier),
		user.IsActive, createdAt, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return membership.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	email = membership.NormalizeEmail(email)
	if email == "" {
		return nil, membership.ErrUserNotFound
	}
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return u, nil
}

// SetUserTier implements membership.UserStore
func (s *Storage) SetUserTier(ctx context.Context, userID string, tier membership.Tier) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET tier = $2, updated_at = $3 WHERE id = $1`,
		userID, string(tier), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set user tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrUserNotFound
	}
	return nil
}

// UpdateUser implements membership.UserStore
func (s *Storage) UpdateUser(ctx context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	var role, tier *string
	if patch.Role != nil {
		r := string(*patch.Role)
		role = &r
	}
	if patch.Tier != nil {
		t := string(*patch.Tier)
		tier = &t
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET
				role = COALESCE($2, role),
				tier = COALESCE($3, tier),
				is_active = COALESCE($4, is_active),
				updated_at = $5
			WHERE id = $1
			RETURNING `+userColumns,
		userID, role, tier, patch.IsActive, time.Now().UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
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

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (external_id, tier, status, user_id, current_period_end,
				correlation_user_id, correlation_email, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $8)
			ON CONFLICT (external_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = CASE
					WHEN lower(trim(subscriptions.status)) IN `+terminalStatuses+`
						AND lower(trim(EXCLUDED.status)) NOT IN `+terminalStatuses+`
					THEN subscriptions.status
					ELSE EXCLUDED.status
				END,
				user_id = COALESCE(EXCLUDED.user_id, subscriptions.user_id),
				current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
				correlation_user_id = COALESCE(NULLIF(EXCLUDED.correlation_user_id, ''), subscriptions.correlation_user_id),
				correlation_email = COALESCE(NULLIF(EXCLUDED.correlation_email, ''), subscriptions.correlation_email),
				updated_at = EXCLUDED.updated_at
			RETURNING `+subscriptionColumns,
		req.ExternalID, string(req.Tier), req.Status, req.UserID, req.CurrentPeriodEnd,
		req.CorrelationUserID, req.CorrelationEmail, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return sub, nil
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

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
				last_payment_id = $2,
				last_order_id = $3,
				last_payment_status = $4,
				last_payment_at = $5,
				status = CASE
					WHEN $6 AND lower(trim(status)) NOT IN `+terminalStatuses+` THEN '`+membership.StatusActive+`'
					ELSE status
				END,
				user_id = COALESCE(NULLIF($7, ''), user_id),
				updated_at = $5
			WHERE external_id = $1
			RETURNING `+subscriptionColumns,
		req.ExternalID, req.PaymentID, req.OrderID, req.Status(), at, req.Succeeded, req.UserID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	return sub, nil
}

// GetSubscription implements membership.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*membership.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListUnresolvedSubscriptions implements membership.SubscriptionStore
func (s *Storage) ListUnresolvedSubscriptions(ctx context.Context, after membership.ListCursor, limit int) ([]*membership.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
			WHERE user_id IS NULL
			ORDER BY created_at, external_id
			LIMIT $1`
	args := []any{limit}
	if !after.IsZero() {
		query = `SELECT ` + subscriptionColumns + ` FROM subscriptions
			WHERE user_id IS NULL AND (created_at, external_id) > ($2, $3)
			ORDER BY created_at, external_id
			LIMIT $1`
		args = append(args, after.CreatedAt, after.ExternalID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*membership.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list unresolved subscriptions: %w", err)
	}
	return out, nil
}

// GetSettings implements membership.SettingsStore
func (s *Storage) GetSettings(ctx context.Context) (*membership.TierSettings, error) {
	var settings membership.TierSettings
	err := s.pool.QueryRow(ctx,
		`SELECT basic_price, pro_price, currency, basic_plan_id, pro_plan_id, updated_at
			FROM tier_settings WHERE id = $1`, membership.SettingsID).Scan(
		&settings.BasicPrice,
		&settings.ProPrice,
		&settings.Currency,
		&settings.BasicPlanID,
		&settings.ProPlanID,
		&settings.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings implements membership.SettingsStore
func (s *Storage) SaveSettings(ctx context.Context, settings *membership.TierSettings) error {
	if settings == nil {
		return membership.ErrInvalidSettings
	}

	stored := settings.Normalize()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tier_settings (id, basic_price, pro_price, currency, basic_plan_id, pro_plan_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				basic_price = EXCLUDED.basic_price,
				pro_price = EXCLUDED.pro_price,
				currency = EXCLUDED.currency,
				basic_plan_id = EXCLUDED.basic_plan_id,
				pro_plan_id = EXCLUDED.pro_plan_id,
				updated_at = EXCLUDED.updated_at`,
		membership.SettingsID, stored.BasicPrice, stored.ProPrice, stored.Currency,
		stored.BasicPlanID, stored.ProPlanID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
