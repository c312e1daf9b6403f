package membership

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// SettingsRegistry holds the tier settings in memory. It is loaded once at
// startup and refreshed only through Reload or Update.
type SettingsRegistry struct {
	store   SettingsStore
	current atomic.Pointer[TierSettings]
	logger  Logger
}

// NewSettingsRegistry creates a registry primed with DefaultTierSettings.
func NewSettingsRegistry(store SettingsStore, logger Logger) *SettingsRegistry {
	if logger == nil {
		logger = &NoopLogger{}
	}
	r := &SettingsRegistry{store: store, logger: logger}
	defaults := DefaultTierSettings()
	r.current.Store(&defaults)
	return r
}

// Load reads the settings row. A missing row keeps the defaults.
func (r *SettingsRegistry) Load(ctx context.Context) error {
	s, err := r.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) {
			r.logger.Info("no tier settings stored, using defaults")
			return nil
		}
		return fmt.Errorf("load tier settings: %w", err)
	}
	r.current.Store(s)
	return nil
}

// Reload is Load under the name used by admin tooling.
func (r *SettingsRegistry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// Current returns a copy of the active settings.
func (r *SettingsRegistry) Current() TierSettings {
	return *r.current.Load()
}

// Update validates, persists and activates new settings.
func (r *SettingsRegistry) Update(ctx context.Context, s TierSettings) (TierSettings, error) {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return TierSettings{}, err
	}
	if err := r.store.SaveSettings(ctx, &s); err != nil {
		return TierSettings{}, fmt.Errorf("save tier settings: %w", err)
	}
	r.current.Store(&s)
	r.logger.Info("tier settings updated",
		Field{"currency", s.Currency},
		Field{"basicPrice", s.BasicPrice},
		Field{"proPrice", s.ProPrice},
	)
	return s, nil
}

// PlanID returns the provider plan id for tier.
// Returns ErrPlanNotConfigured when none is set.
func (r *SettingsRegistry) PlanID(t Tier) (string, error) {
	id := r.Current().PlanID(t)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrPlanNotConfigured, t)
	}
	return id, nil
}
