// Package config loads the tiergate binary configuration from defaults,
// an optional YAML file, a .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every structured environment variable.
// TIERGATE_RAZORPAY__WEBHOOK_SECRET maps to razorpay.webhook_secret.
const EnvPrefix = "TIERGATE_"

type Config struct {
	App        AppConfig        `koanf:"app"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
	Razorpay   RazorpayConfig   `koanf:"razorpay"`
	Stripe     StripeConfig     `koanf:"stripe"`
	RevenueCat RevenueCatConfig `koanf:"revenuecat"`
	JWT        JWTConfig        `koanf:"jwt"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	RabbitMQ   RabbitMQConfig   `koanf:"rabbitmq"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Reconcile  ReconcileConfig  `koanf:"reconcile"`
}

type AppConfig struct {
	Name        string `koanf:"name" validate:"required"`
	Environment string `koanf:"environment" validate:"oneof=development staging production test"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

type StorageConfig struct {
	Driver           string `koanf:"driver" validate:"oneof=memory postgres sqlite redis firestore"`
	PostgresDSN      string `koanf:"postgres_dsn" validate:"required_if=Driver postgres"`
	SQLitePath       string `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	RedisAddr        string `koanf:"redis_addr"`
	RedisPassword    string `koanf:"redis_password"`
	RedisDB          int    `koanf:"redis_db" validate:"gte=0"`
	RedisKeyPrefix   string `koanf:"redis_key_prefix"`
	FirestoreProject string `koanf:"firestore_project" validate:"required_if=Driver firestore"`
	CircuitBreaker   bool   `koanf:"circuit_breaker"`

	// Cache mirrors users into a hot store in front of Driver. A copy is
	// served for at most CacheTTL after this process last synced it.
	Cache    string        `koanf:"cache" validate:"omitempty,oneof=memory redis"`
	CacheTTL time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

type RazorpayConfig struct {
	KeyID         string `koanf:"key_id"`
	KeySecret     string `koanf:"key_secret"`
	WebhookSecret string `koanf:"webhook_secret"`
	BaseURL       string `koanf:"base_url" validate:"omitempty,url"`
	SuccessURL    string `koanf:"success_url" validate:"omitempty,url"`
}

type StripeConfig struct {
	WebhookSecret string `koanf:"webhook_secret"`

	// TierMapping maps price or product ids to BASIC or PRO
	TierMapping map[string]string `koanf:"tier_mapping" validate:"dive,oneof=BASIC PRO"`
}

type RevenueCatConfig struct {
	WebhookSecret string `koanf:"webhook_secret"`
	AcceptHMAC    bool   `koanf:"accept_hmac"`

	// TierMapping maps entitlement ids to BASIC or PRO
	TierMapping map[string]string `koanf:"tier_mapping" validate:"dive,oneof=BASIC PRO"`
}

type JWTConfig struct {
	Secret string        `koanf:"secret" validate:"required,min=32"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl" validate:"gt=0"`
}

type RateLimitConfig struct {
	Requests int           `koanf:"requests" validate:"gte=0"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

type RabbitMQConfig struct {
	URL string `koanf:"url"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
}

type ReconcileConfig struct {
	BatchSize int `koanf:"batch_size" validate:"gt=0,lte=1000"`
}

// Load reads configuration in order: defaults, the YAML file at path (if
// set), envFiles loaded into the process environment (missing files are
// skipped), then environment variables. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKeyReplacer), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":        "tiergate",
		"app.environment": "development",

		"server.addr":             ":8080",
		"server.read_timeout":     "15s",
		"server.write_timeout":    "15s",
		"server.shutdown_timeout": "15s",

		"log.level": "info",

		"storage.driver":           "memory",
		"storage.redis_key_prefix": "tiergate:",
		"storage.circuit_breaker":  true,
		"storage.cache_ttl":        "30s",

		"razorpay.base_url": "https://api.razorpay.com",

		"jwt.issuer": "tiergate",
		"jwt.ttl":    "24h",

		"rate_limit.requests": 100,
		"rate_limit.window":   "1m",

		"metrics.enabled":   true,
		"metrics.namespace": "tiergate",

		"reconcile.batch_size": 100,
	}

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// envKeyMap keeps the conventional unprefixed variable names working
var envKeyMap = map[string]string{
	"DATABASE_URL":            "storage.postgres_dsn",
	"REDIS_URL":               "storage.redis_addr",
	"RAZORPAY_KEY_ID":         "razorpay.key_id",
	"RAZORPAY_KEY_SECRET":     "razorpay.key_secret",
	"RAZORPAY_WEBHOOK_SECRET": "razorpay.webhook_secret",
	"STRIPE_WEBHOOK_SECRET":   "stripe.webhook_secret",
	"REVENUECAT_WEBHOOK_AUTH": "revenuecat.webhook_secret",
	"JWT_SECRET":              "jwt.secret",
	"RABBITMQ_URL":            "rabbitmq.url",
	"LOG_LEVEL":               "log.level",
	"PORT":                    "server.addr",
}

func envKeyReplacer(s string) string {
	if rest, ok := strings.CutPrefix(s, EnvPrefix); ok {
		return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
	}
	if mapped, ok := envKeyMap[s]; ok {
		return mapped
	}
	return ""
}

// Validate checks struct constraints and cross-field rules
func Validate(c *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	if (c.Storage.Driver == "redis" || c.Storage.Cache == "redis") && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required when redis is used")
	}
	if c.Storage.Cache != "" && c.Storage.Cache == c.Storage.Driver {
		return fmt.Errorf("storage.cache must differ from storage.driver")
	}
	// a memory cache is per process and never sees other replicas' writes
	if c.Storage.Cache == "memory" && c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("storage.cache_ttl must be positive for a memory cache")
	}
	if c.Razorpay.KeyID != "" && c.Razorpay.KeySecret == "" {
		return fmt.Errorf("razorpay.key_secret is required when razorpay.key_id is set")
	}
	if c.Server.Addr != "" && !strings.Contains(c.Server.Addr, ":") {
		c.Server.Addr = ":" + c.Server.Addr
	}
	return nil
}

// ConsoleLogs reports whether logs should be human readable. An unset
// format means console in development and JSON elsewhere.
func (c *Config) ConsoleLogs() bool {
	if c.Log.Format == "" {
		return c.Development()
	}
	return c.Log.Format == "console"
}

// Development reports whether the binary runs in development mode
func (c *Config) Development() bool {
	return c.App.Environment == "development"
}
