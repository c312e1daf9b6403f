package membership

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome kinds and results reported by Apply.
const (
	KindLifecycle    = "lifecycle"
	KindPayment      = "payment"
	KindUnrecognized = "unrecognized"

	OutcomeApplied    = "applied"
	OutcomeUnresolved = "unresolved"
	OutcomeIgnored    = "ignored"
	OutcomeError      = "error"
)

// Outcome describes what Apply did with one event.
type Outcome struct {
	Kind         string
	EventType    string
	Ignored      bool
	Note         string
	UserID       string // empty when no user was resolved
	Subscription *Subscription
	PreviousTier Tier
	NewTier      Tier
	TierChanged  bool
}

// Reconciler converts classified provider events into ledger writes and
// user tier updates.
type Reconciler struct {
	storage Storage
	config  Config
}

// NewReconciler creates a reconciler over storage.
func NewReconciler(storage Storage, config Config) (*Reconciler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	config.applyDefaults()

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	return &Reconciler{
		storage: storage,
		config:  config,
	}, nil
}

// Storage returns the (possibly circuit-breaker wrapped) storage in use.
func (r *Reconciler) Storage() Storage {
	return r.storage
}

// Apply reconciles one verified event. Unresolvable users are not errors;
// storage failures are returned.
func (r *Reconciler) Apply(ctx context.Context, event Event) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)

	switch e := event.(type) {
	case *LifecycleEvent:
		out, err = r.applyLifecycle(ctx, e)
	case *PaymentEvent:
		out, err = r.applyPayment(ctx, e)
	case *Unrecognized:
		out = &Outcome{Kind: KindUnrecognized, EventType: e.Type, Ignored: true, Note: e.Reason}
	default:
		err = fmt.Errorf("%w: %T", ErrInvalidEvent, event)
	}

	kind := KindUnrecognized
	if out != nil {
		kind = out.Kind
	}
	r.config.Metrics.RecordReconcile(kind, outcomeLabel(out, err))

	return out, err
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case out.Ignored:
		return OutcomeIgnored
	case out.UserID == "":
		return OutcomeUnresolved
	default:
		return OutcomeApplied
	}
}

func (r *Reconciler) applyLifecycle(ctx context.Context, e *LifecycleEvent) (*Outcome, error) {
	out := &Outcome{Kind: KindLifecycle, EventType: e.Type}
	if e.ExternalID == "" {
		return out, fmt.Errorf("%w: lifecycle event without subscription id", ErrInvalidEvent)
	}

	user, err := r.resolveUser(ctx, e.Correlation)
	if err != nil {
		return out, err
	}

	granted := GrantedTier(e.Correlation.TierHint)
	req := &SubscriptionUpsert{
		ExternalID:        e.ExternalID,
		Tier:              granted,
		Status:            e.ProviderStatus,
		CurrentPeriodEnd:  e.PeriodEnd,
		CorrelationUserID: e.Correlation.UserID,
		CorrelationEmail:  e.Correlation.Email,
		Now:               r.config.Now(),
	}
	if user != nil {
		req.UserID = user.ID
	}

	sub, err := r.timed("upsert_subscription", func() (*Subscription, error) {
		return r.storage.UpsertSubscription(ctx, req)
	})
	if err != nil {
		return out, fmt.Errorf("upsert subscription %s: %w", e.ExternalID, err)
	}
	out.Subscription = sub

	if user == nil {
		r.config.Logger.Warn("subscription event for unknown user",
			Field{"event", e.Type},
			Field{"subscriptionId", e.ExternalID},
		)
		out.Note = "user not resolved"
		return out, nil
	}

	// The stored status already accounts for terminal rows.
	if sub.Status != e.ProviderStatus {
		out.Note = "subscription already " + sub.Status
	}
	next := ResolveTier(sub.Status, granted, user.Tier)
	if err := r.writeTier(ctx, user, next, e.Type, e.ExternalID, out); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Reconciler) applyPayment(ctx context.Context, e *PaymentEvent) (*Outcome, error) {
	out := &Outcome{Kind: KindPayment, EventType: e.Type}
	if e.ExternalSubID == "" {
		out.Ignored = true
		out.Note = "payment without subscription"
		return out, nil
	}

	user, err := r.resolveUser(ctx, e.Correlation)
	if err != nil {
		return out, err
	}

	rec := &PaymentRecord{
		ExternalID: e.ExternalSubID,
		PaymentID:  e.PaymentID,
		OrderID:    e.OrderID,
		Succeeded:  e.Succeeded,
		At:         r.config.Now(),
	}
	if user != nil {
		rec.UserID = user.ID
	}

	sub, err := r.timed("record_payment", func() (*Subscription, error) {
		return r.storage.RecordPayment(ctx, rec)
	})
	if err != nil {
		return out, fmt.Errorf("record payment %s: %w", e.ExternalSubID, err)
	}
	out.Subscription = sub
	if sub == nil {
		out.Note = "subscription not in ledger"
	}

	if user == nil {
		r.config.Logger.Warn("payment event for unknown user",
			Field{"event", e.Type},
			Field{"subscriptionId", e.ExternalSubID},
		)
		if out.Note == "" {
			out.Note = "user not resolved"
		}
		return out, nil
	}

	// A captured payment grants its hinted tier directly, with or without a
	// ledger row, unless the row already ended.
	granted := GrantedTier(e.Correlation.TierHint)
	if e.Succeeded && granted != TierNone && (sub == nil || !IsTerminalStatus(sub.Status)) {
		if err := r.writeTier(ctx, user, granted, e.Type, e.ExternalSubID, out); err != nil {
			return out, err
		}
		return out, nil
	}

	out.UserID = user.ID
	out.PreviousTier = user.Tier
	out.NewTier = user.Tier
	return out, nil
}

// resolveUser finds the owner by id, then by email. Returns nil, nil when
// neither matches.
func (r *Reconciler) resolveUser(ctx context.Context, c Correlation) (*User, error) {
	if c.UserID != "" {
		u, err := r.storage.GetUser(ctx, c.UserID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("get user %s: %w", c.UserID, err)
		}
	}

	if email := NormalizeEmail(c.Email); email != "" {
		u, err := r.storage.FindUserByEmail(ctx, email)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("find user by email: %w", err)
		}
	}

	return nil, nil
}

func (r *Reconciler) writeTier(ctx context.Context, user *User, next Tier, source, subID string, out *Outcome) error {
	start := time.Now()
	err := r.storage.SetUserTier(ctx, user.ID, next)
	r.config.Metrics.RecordStorageOperation("set_user_tier", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("set tier for user %s: %w", user.ID, err)
	}

	out.UserID = user.ID
	out.PreviousTier = user.Tier
	out.NewTier = next
	out.TierChanged = user.Tier != next

	if !out.TierChanged {
		return nil
	}

	r.config.Metrics.RecordTierChange(user.Tier, next)
	r.config.Logger.Info("membership tier changed",
		Field{"userId", user.ID},
		Field{"from", string(user.Tier)},
		Field{"to", string(next)},
		Field{"event", source},
	)

	if r.config.OnTierChange != nil {
		change := TierChange{
			UserID:         user.ID,
			PreviousTier:   user.Tier,
			NewTier:        next,
			Source:         source,
			SubscriptionID: subID,
			At:             r.config.Now(),
		}
		if err := r.config.OnTierChange(ctx, change); err != nil {
			r.config.Logger.Error("tier change handler failed",
				Field{"userId", user.ID},
				Field{"error", err.Error()},
			)
		}
	}
	return nil
}

func (r *Reconciler) timed(op string, fn func() (*Subscription, error)) (*Subscription, error) {
	start := time.Now()
	sub, err := fn()
	r.config.Metrics.RecordStorageOperation(op, time.Since(start), err)
	return sub, err
}

// ReconcileReport summarizes a ReconcileUnresolved run.
type ReconcileReport struct {
	Scanned int
	Linked  int
	Failed  int
}

// ReconcileUnresolved retries user resolution for ledger rows that have no
// linked user, using the correlation data stored with each row. Linked rows
// get their tier applied as if the last event had just arrived. The whole
// backlog is scanned in pages of limit rows, so rows that never resolve do
// not hide newer ones.
func (r *Reconciler) ReconcileUnresolved(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit <= 0 {
		limit = 100
	}

	report := &ReconcileReport{}
	var cursor ListCursor
	for {
		rows, err := r.storage.ListUnresolvedSubscriptions(ctx, cursor, limit)
		if err != nil {
			return report, fmt.Errorf("list unresolved subscriptions: %w", err)
		}
		report.Scanned += len(rows)

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			linked, err := r.reconcileRow(ctx, row)
			if err != nil {
				report.Failed++
				r.config.Logger.Error("reconcile subscription failed",
					Field{"subscriptionId", row.ExternalID},
					Field{"error", err.Error()},
				)
				continue
			}
			if linked {
				report.Linked++
			}
		}

		if len(rows) < limit {
			break
		}
		next := CursorAfter(rows[len(rows)-1])
		if next == cursor {
			break
		}
		cursor = next
	}

	r.config.Logger.Info("reconcile run finished",
		Field{"scanned", report.Scanned},
		Field{"linked", report.Linked},
		Field{"failed", report.Failed},
	)
	return report, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, row *Subscription) (bool, error) {
	corr := Correlation{UserID: row.CorrelationUserID, Email: row.CorrelationEmail}
	if corr.Empty() {
		return false, nil
	}

	user, err := r.resolveUser(ctx, corr)
	if err != nil || user == nil {
		return false, err
	}

	sub, err := r.storage.UpsertSubscription(ctx, &SubscriptionUpsert{
		ExternalID:        row.ExternalID,
		Tier:              row.Tier,
		Status:            row.Status,
		UserID:            user.ID,
		CorrelationUserID: row.CorrelationUserID,
		CorrelationEmail:  row.CorrelationEmail,
		Now:               r.config.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("link subscription: %w", err)
	}

	// A concurrent webhook may have moved the row since it was listed.
	next := ResolveTier(sub.Status, sub.Tier, user.Tier)
	out := &Outcome{Kind: KindLifecycle}
	if err := r.writeTier(ctx, user, next, "reconcile", sub.ExternalID, out); err != nil {
		return true, err
	}
	return true, nil
}
