package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiergate/internal/config"
	"github.com/mihaimyh/tiergate/pkg/billing"
	billingprom "github.com/mihaimyh/tiergate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/tiergate/pkg/events"
	"github.com/mihaimyh/tiergate/pkg/membership"
	zerologadapter "github.com/mihaimyh/tiergate/pkg/membership/logger/zerolog"
	membershipprom "github.com/mihaimyh/tiergate/pkg/membership/metrics/prometheus"
	firestorestore "github.com/mihaimyh/tiergate/storage/firestore"
	"github.com/mihaimyh/tiergate/storage/memory"
	"github.com/mihaimyh/tiergate/storage/postgres"
	redisstore "github.com/mihaimyh/tiergate/storage/redis"
	"github.com/mihaimyh/tiergate/storage/sqlite"
	"github.com/mihaimyh/tiergate/storage/tiered"
)

// migrator is implemented by stores that own a schema
type migrator interface {
	Migrate(ctx context.Context) error
}

// app holds the wired dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	log    membership.Logger

	registry       *prometheus.Registry
	metrics        membership.Metrics
	billingMetrics billing.Metrics

	storage    membership.Storage
	durable    membership.Storage
	reconciler *membership.Reconciler
	settings   *membership.SettingsRegistry
	publisher  events.Publisher

	onTierChange membership.TierChangeHandler

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		log:    zerologadapter.NewLogger(&logger),
	}

	a.metrics = &membership.NoopMetrics{}
	a.billingMetrics = &billing.NoopMetrics{}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = membershipprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
		a.billingMetrics = billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.storage, a.durable = store, store
	a.closers = append(a.closers, closeStore)

	if cfg.Storage.Cache != "" {
		if err := a.openCache(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
		store = a.storage
	}

	if err := a.openPublisher(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.onTierChange = events.TierChangeHandler(a.publisher)
	a.reconciler, err = membership.NewReconciler(store, membership.Config{
		Metrics:      a.metrics,
		Logger:       a.log,
		OnTierChange: a.onTierChange,
		CircuitBreakerConfig: &membership.CircuitBreakerConfig{
			Enabled: cfg.Storage.CircuitBreaker,
		},
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create reconciler: %w", err)
	}

	// settings and admin writes go through the same breaker as webhooks
	a.settings = membership.NewSettingsRegistry(a.reconciler.Storage(), a.log)

	return a, nil
}

// openCache puts a hot user mirror in front of the durable store.
func (a *app) openCache(ctx context.Context) error {
	hotConfig := a.cfg.Storage
	hotConfig.Driver = a.cfg.Storage.Cache

	hot, closeHot, err := openStorage(ctx, hotConfig)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	a.closers = append(a.closers, closeHot)

	hotStore, ok := hot.(tiered.HotStore)
	if !ok {
		return fmt.Errorf("open cache: %s storage cannot evict users", hotConfig.Driver)
	}

	logger := a.logger
	s, err := tiered.New(tiered.Config{
		Hot:  hotStore,
		Cold: a.durable,
		TTL:  a.cfg.Storage.CacheTTL,
		ErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("user cache out of sync")
		},
	})
	if err != nil {
		return err
	}
	a.storage = s
	return nil
}

func (a *app) openPublisher() error {
	if a.cfg.RabbitMQ.URL == "" {
		a.logger.Warn().Msg("rabbitmq url not set, tier changes will not be published")
		a.publisher = events.NewNoopPublisher(a.log)
		return nil
	}

	pub, err := events.NewRabbitMQPublisher(a.cfg.RabbitMQ.URL, a.log)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

// Migrate applies the store schema when the driver has one.
func (a *app) Migrate(ctx context.Context) (bool, error) {
	m, ok := a.durable.(migrator)
	if !ok {
		return false, nil
	}
	return true, m.Migrate(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (membership.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case "memory", "":
		return memory.New(), noop, nil

	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, func() error { s.Close(); return nil }, nil

	case "sqlite":
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		redisConfig := redisstore.DefaultConfig()
		if cfg.RedisKeyPrefix != "" {
			redisConfig.KeyPrefix = cfg.RedisKeyPrefix
		}
		s, err := redisstore.New(client, redisConfig)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("open firestore: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
