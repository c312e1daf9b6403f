// Package sqlite provides an embedded SQLite implementation of the
// membership.Storage interface for single-node deployments and tests.
// Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

//go:embed schema.sql
var schema string

// terminalStatuses must match membership.IsTerminalStatus.
const terminalStatuses = `('cancelled', 'canceled', 'completed', 'expired')`

const userColumns = `id, COALESCE(email, ''), name, role, tier, is_active, created_at, updated_at`

const subscriptionColumns = `external_id, tier, status, COALESCE(user_id, ''), current_period_end,
	last_payment_id, last_order_id, last_payment_status, last_payment_at,
	correlation_user_id, correlation_email, created_at, updated_at`

// Storage implements membership.Storage on SQLite
type Storage struct {
	db *sql.DB
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file, or ":memory:"
	Path string
}

// New opens the database at config.Path and applies the schema.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := config.Path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if config.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// single writer; also keeps one shared :memory: database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*membership.User, error) {
	var (
		u                membership.User
		role, tier       string
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &tier, &u.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	u.Role = membership.Role(role)
	u.Tier = membership.Tier(tier)
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func scanSubscription(row scanner) (*membership.Subscription, error) {
	var (
		sub                  membership.Subscription
		tier                 string
		periodEnd, paymentAt sql.NullInt64
		created, updated     int64
	)
	err := row.Scan(
		&sub.ExternalID,
		&tier,
		&sub.Status,
		&sub.UserID,
		&periodEnd,
		&sub.LastPaymentID,
		&sub.LastOrderID,
		&sub.LastPaymentStatus,
		&paymentAt,
		&sub.CorrelationUserID,
		&sub.CorrelationEmail,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = membership.Tier(tier)
	sub.CurrentPeriodEnd = fromNullNanos(periodEnd)
	sub.LastPaymentAt = fromNullNanos(paymentAt)
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, role, tier, is_active, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		user.ID, membership.NormalizeEmail(user.Email), user.Name, string(role), string(tier),
		user.IsActive, nanos(createdAt), nanos(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return membership.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
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
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return u, nil
}

// SetUserTier implements membership.UserStore
func (s *Storage) SetUserTier(ctx context.Context, userID string, tier membership.Tier) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`,
		string(tier), nanos(time.Now().UTC()), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set user tier: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return membership.ErrUserNotFound
	}
	return nil
}

// UpdateUser implements membership.UserStore
func (s *Storage) UpdateUser(ctx context.Context, userID string, patch membership.UserPatch) (*membership.User, error) {
	var role, tier sql.NullString
	var active sql.NullBool
	if patch.Role != nil {
		role = sql.NullString{String: string(*patch.Role), Valid: true}
	}
	if patch.Tier != nil {
		tier = sql.NullString{String: string(*patch.Tier), Valid: true}
	}
	if patch.IsActive != nil {
		active = sql.NullBool{Bool: *patch.IsActive, Valid: true}
	}

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET
				role = COALESCE(?, role),
				tier = COALESCE(?, tier),
				is_active = COALESCE(?, is_active),
				updated_at = ?
			WHERE id = ?
			RETURNING `+userColumns,
		role, tier, active, nanos(time.Now().UTC()), userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
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

	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (external_id, tier, status, user_id, current_period_end,
				correlation_user_id, correlation_email, created_at, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
			ON CONFLICT (external_id) DO UPDATE SET
				tier = excluded.tier,
				status = CASE
					WHEN lower(trim(subscriptions.status)) IN `+terminalStatuses+`
						AND lower(trim(excluded.status)) NOT IN `+terminalStatuses+`
					THEN subscriptions.status
					ELSE excluded.status
				END,
				user_id = COALESCE(excluded.user_id, subscriptions.user_id),
				current_period_end = COALESCE(excluded.current_period_end, subscriptions.current_period_end),
				correlation_user_id = COALESCE(NULLIF(excluded.correlation_user_id, ''), subscriptions.correlation_user_id),
				correlation_email = COALESCE(NULLIF(excluded.correlation_email, ''), subscriptions.correlation_email),
				updated_at = excluded.updated_at
			RETURNING `+subscriptionColumns,
		req.ExternalID, string(req.Tier), req.Status, req.UserID, nullNanos(req.CurrentPeriodEnd),
		req.CorrelationUserID, req.CorrelationEmail, nanos(now), nanos(now),
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

	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`UPDATE subscriptions SET
				last_payment_id = ?,
				last_order_id = ?,
				last_payment_status = ?,
				last_payment_at = ?,
				status = CASE
					WHEN ? AND lower(trim(status)) NOT IN `+terminalStatuses+` THEN '`+membership.StatusActive+`'
					ELSE status
				END,
				user_id = COALESCE(NULLIF(?, ''), user_id),
				updated_at = ?
			WHERE external_id = ?
			RETURNING `+subscriptionColumns,
		req.PaymentID, req.OrderID, req.Status(), nanos(at), req.Succeeded, req.UserID, nanos(at), req.ExternalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	return sub, nil
}

// GetSubscription implements membership.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*membership.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
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
	where := `user_id IS NULL`
	args := []any{}
	if !after.IsZero() {
		where += ` AND (created_at > ? OR (created_at = ? AND external_id > ?))`
		at := nanos(after.CreatedAt)
		args = append(args, at, at, after.ExternalID)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE `+where+`
			ORDER BY created_at, external_id
			LIMIT ?`, args...)
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
	var (
		settings membership.TierSettings
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT basic_price, pro_price, currency, basic_plan_id, pro_plan_id, updated_at
			FROM tier_settings WHERE id = ?`, membership.SettingsID).Scan(
		&settings.BasicPrice,
		&settings.ProPrice,
		&settings.Currency,
		&settings.BasicPlanID,
		&settings.ProPlanID,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	settings.UpdatedAt = fromNanos(updated)
	return &settings, nil
}

// SaveSettings implements membership.SettingsStore
func (s *Storage) SaveSettings(ctx context.Context, settings *membership.TierSettings) error {
	if settings == nil {
		return membership.ErrInvalidSettings
	}

	stored := settings.Normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tier_settings (id, basic_price, pro_price, currency, basic_plan_id, pro_plan_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				basic_price = excluded.basic_price,
				pro_price = excluded.pro_price,
				currency = excluded.currency,
				basic_plan_id = excluded.basic_plan_id,
				pro_plan_id = excluded.pro_plan_id,
				updated_at = excluded.updated_at`,
		membership.SettingsID, stored.BasicPrice, stored.ProPrice, stored.Currency,
		stored.BasicPlanID, stored.ProPlanID, nanos(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
