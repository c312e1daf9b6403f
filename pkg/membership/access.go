package membership

import (
	"context"
	"errors"
)

// CanAccess decides whether a member with tier and role may consume a
// resource declaring requirement.
//
// Privileged roles always pass. FREE always passes. BASIC needs BASIC or PRO.
// PRO and the legacy PAID need PRO. Unknown requirements are denied.
func CanAccess(requirement AccessLevel, tier Tier, role Role) bool {
	if IsPrivileged(role) {
		return true
	}

	switch requirement {
	case AccessFree:
		return true
	case AccessBasic:
		return tier == TierBasic || tier == TierPro
	case AccessPro, AccessPaid:
		return tier == TierPro
	default:
		return false
	}
}

// IsActiveTier reports whether tier is a paid tier.
func IsActiveTier(tier Tier) bool {
	return tier == TierBasic || tier == TierPro
}

// IsPrivileged reports whether role bypasses tier checks.
func IsPrivileged(role Role) bool {
	return role == RoleAdmin || role == RoleCreator
}

// IsSuperAdmin reports whether role is ADMIN.
func IsSuperAdmin(role Role) bool {
	return role == RoleAdmin
}

// Subject is the caller an access decision is made for.
type Subject struct {
	UserID string
	Tier   Tier
	Role   Role
	Active bool
}

// SubjectFor builds a Subject from a stored user.
// A nil user yields an anonymous subject.
func SubjectFor(u *User) Subject {
	if u == nil {
		return Subject{Tier: TierNone, Role: RoleUser}
	}
	return Subject{
		UserID: u.ID,
		Tier:   u.Tier,
		Role:   u.Role,
		Active: u.IsActive,
	}
}

// Effective returns the subject with inactive accounts coerced to NONE/USER.
func (s Subject) Effective() Subject {
	if !s.Active {
		s.Tier = TierNone
		s.Role = RoleUser
	}
	return s
}

// CanAccess evaluates requirement against the effective subject.
func (s Subject) CanAccess(requirement AccessLevel) bool {
	e := s.Effective()
	return CanAccess(requirement, e.Tier, e.Role)
}

// CanChat reports whether the subject may use chat.
func (s Subject) CanChat() bool {
	return s.CanAccess(AccessBasic)
}

// IsPrivileged reports whether the effective subject bypasses tier checks.
func (s Subject) IsPrivileged() bool {
	return IsPrivileged(s.Effective().Role)
}

// IsSuperAdmin reports whether the effective subject is an ADMIN.
func (s Subject) IsSuperAdmin() bool {
	return IsSuperAdmin(s.Effective().Role)
}

// LoadSubject reads the caller's user row so the gate always sees the
// stored tier. An empty id or unknown user yields an anonymous subject.
func LoadSubject(ctx context.Context, users UserStore, userID string) (Subject, error) {
	if userID == "" {
		return SubjectFor(nil), nil
	}
	u, err := users.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return SubjectFor(nil), nil
	}
	if err != nil {
		return Subject{}, err
	}
	return SubjectFor(u), nil
}

// Anonymous reports whether no stored user stands behind the subject.
func (s Subject) Anonymous() bool {
	return s.UserID == ""
}
