package membership

import "time"

// Metrics defines the interface for tracking reconciliation and access decisions.
type Metrics interface {
	// RecordReconcile records the outcome of applying one event
	// (kind: "lifecycle", "payment", "unrecognized"; outcome: "applied", "unresolved", "ignored", "error").
	RecordReconcile(kind, outcome string)

	// RecordTierChange records a user's tier transition.
	RecordTierChange(from, to Tier)

	// RecordAccessDecision records an access gate evaluation.
	RecordAccessDecision(requirement AccessLevel, allowed bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconcile(kind, outcome string)                                      {}
func (n *NoopMetrics) RecordTierChange(from, to Tier)                                            {}
func (n *NoopMetrics) RecordAccessDecision(requirement AccessLevel, allowed bool)                {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
