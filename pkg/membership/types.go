package membership

import (
	"strings"
	"time"
)

// Tier is the canonical membership level stored on a user.
type Tier string

const (
	// TierNone means no paid membership
	TierNone Tier = "NONE"
	// TierBasic is the entry paid tier
	TierBasic Tier = "BASIC"
	// TierPro is the top paid tier
	TierPro Tier = "PRO"
)

// ParseTier parses a tier name case-insensitively.
// Returns ErrInvalidTier for anything outside NONE, BASIC and PRO.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierNone:
		return TierNone, nil
	case TierBasic:
		return TierBasic, nil
	case TierPro:
		return TierPro, nil
	default:
		return TierNone, ErrInvalidTier
	}
}

// NormalizeTier maps any stored value to a known tier, defaulting to NONE.
func NormalizeTier(s string) Tier {
	t, err := ParseTier(s)
	if err != nil {
		return TierNone
	}
	return t
}

// GrantedTier interprets a provider tier hint. Only BASIC and PRO grant
// anything; missing or unknown hints grant NONE.
func GrantedTier(hint string) Tier {
	switch t := NormalizeTier(hint); t {
	case TierBasic, TierPro:
		return t
	default:
		return TierNone
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierNone || t == TierBasic || t == TierPro
}

func (t Tier) String() string { return string(t) }

// Role is a user's platform role.
type Role string

const (
	RoleUser    Role = "USER"
	RoleCreator Role = "CREATOR"
	RoleAdmin   Role = "ADMIN"
)

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleCreator:
		return RoleCreator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return RoleUser, ErrInvalidRole
	}
}

// NormalizeRole maps any stored value to a known role, defaulting to USER.
func NormalizeRole(s string) Role {
	r, err := ParseRole(s)
	if err != nil {
		return RoleUser
	}
	return r
}

func (r Role) String() string { return string(r) }

// AccessLevel is the requirement a protected resource declares.
type AccessLevel string

const (
	AccessFree  AccessLevel = "FREE"
	AccessBasic AccessLevel = "BASIC"
	AccessPro   AccessLevel = "PRO"
	// AccessPaid is a legacy requirement, treated as PRO
	AccessPaid AccessLevel = "PAID"
)

// ParseAccessLevel upper-cases s. Unknown values are kept as-is so the
// gate can deny them.
func ParseAccessLevel(s string) AccessLevel {
	return AccessLevel(strings.ToUpper(strings.TrimSpace(s)))
}

// User is a platform account. Tier is the access source of truth.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	Tier      Tier
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is one ledger row per provider subscription.
type Subscription struct {
	ExternalID        string
	Tier              Tier
	Status            string
	UserID            string // empty until the owner is resolved
	CurrentPeriodEnd  *time.Time
	LastPaymentID     string
	LastOrderID       string
	LastPaymentStatus string
	LastPaymentAt     *time.Time
	CorrelationUserID string
	CorrelationEmail  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resolved reports whether the ledger row is linked to a user.
func (s *Subscription) Resolved() bool {
	return s.UserID != ""
}

// Payment statuses stored on the ledger.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusFailed = "failed"
)

// StatusActive is the ledger status written when a payment is captured.
const StatusActive = "active"

// SettingsID is the primary key of the single settings row.
const SettingsID = "singleton"

// TierSettings holds pricing and provider plan ids.
type TierSettings struct {
	BasicPrice  int64
	ProPrice    int64
	Currency    string
	BasicPlanID string
	ProPlanID   string
	UpdatedAt   time.Time
}

// DefaultTierSettings returns the settings used when none are stored.
func DefaultTierSettings() TierSettings {
	return TierSettings{
		BasicPrice: 999,
		ProPrice:   1999,
		Currency:   "INR",
	}
}

// Normalize upper-cases the currency and trims plan ids.
func (s TierSettings) Normalize() TierSettings {
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	s.BasicPlanID = strings.TrimSpace(s.BasicPlanID)
	s.ProPlanID = strings.TrimSpace(s.ProPlanID)
	return s
}

// Validate checks prices and currency.
func (s TierSettings) Validate() error {
	if s.BasicPrice <= 0 || s.ProPrice <= 0 {
		return ErrInvalidSettings
	}
	if len(s.Currency) != 3 {
		return ErrInvalidSettings
	}
	return nil
}

// PlanID returns the provider plan configured for tier, or "".
func (s TierSettings) PlanID(t Tier) string {
	switch t {
	case TierBasic:
		return s.BasicPlanID
	case TierPro:
		return s.ProPlanID
	default:
		return ""
	}
}

// SubscriptionUpsert is the write applied to the ledger for a lifecycle event.
type SubscriptionUpsert struct {
	ExternalID        string
	Tier              Tier
	Status            string
	UserID            string     // ignored when empty
	CurrentPeriodEnd  *time.Time // ignored when nil
	CorrelationUserID string
	CorrelationEmail  string
	Now               time.Time
}

// PaymentRecord is the write applied to the ledger for a payment event.
type PaymentRecord struct {
	ExternalID string
	PaymentID  string
	OrderID    string
	Succeeded  bool
	UserID     string // ignored when empty
	At         time.Time
}

// Status returns the stored payment status literal.
func (p PaymentRecord) Status() string {
	if p.Succeeded {
		return PaymentStatusPaid
	}
	return PaymentStatusFailed
}

// UserPatch is an admin update. Nil fields are left untouched.
type UserPatch struct {
	Role     *Role
	Tier     *Tier
	IsActive *bool
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Role == nil && p.Tier == nil && p.IsActive == nil
}

// Apply returns a copy of u with the patch applied.
func (p UserPatch) Apply(u User) User {
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Tier != nil {
		u.Tier = *p.Tier
	}
	if p.IsActive != nil {
		u.IsActive = *p.IsActive
	}
	return u
}

// DemotesSelf reports whether applying p to the caller's own account would
// lower their role or deactivate them.
func (p UserPatch) DemotesSelf(current Role) bool {
	if p.IsActive != nil && !*p.IsActive {
		return true
	}
	return p.Role != nil && roleRank(*p.Role) < roleRank(current)
}

func roleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleCreator:
		return 1
	default:
		return 0
	}
}

// NormalizeEmail lower-cases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TierChange describes a tier transition applied to a user.
type TierChange struct {
	UserID         string
	PreviousTier   Tier
	NewTier        Tier
	Source         string // event type or "admin"
	SubscriptionID string
	At             time.Time
}
