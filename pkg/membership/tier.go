package membership

import "strings"

// ResolveTier maps a provider status to the tier a user should hold.
//
//	active, activated, resumed, trialing       -> granted
//	cancelled, canceled, expired, completed,
//	halted                                     -> NONE
//	paused                                     -> current
//	anything else                              -> NONE
//
// The status comparison is case-insensitive.
func ResolveTier(status string, granted, current Tier) Tier {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "activated", "resumed", "trialing":
		return granted
	case "paused":
		return current
	default:
		return TierNone
	}
}

// IsTerminalStatus reports whether status ends a subscription for good.
// Halted and paused subscriptions can come back; these cannot.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "cancelled", "canceled", "completed", "expired":
		return true
	default:
		return false
	}
}

// MergeStatus returns the status a ledger row should hold after an event
// reporting incoming. A terminal stored status is never replaced by a
// non-terminal one, so a late "activated" cannot revive a cancelled row.
func MergeStatus(stored, incoming string) string {
	if IsTerminalStatus(stored) && !IsTerminalStatus(incoming) {
		return stored
	}
	return incoming
}
