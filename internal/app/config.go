package app

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL   string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	PublicBaseURL string `default:"" usage:"Public base URL used for checkout return links (e.g. https://api.example.com)" flag:"public-base-url"`
	Mongo         MongoConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Stripe        StripeConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Graceful      GracefulConfig
}

// MongoConfig points at the catalog database holding carts and modules.
type MongoConfig struct {
	URI      string `usage:"MongoDB connection URI (KART_MONGO_URI or MONGODB_URI)"`
	Database string `default:"kart" usage:"MongoDB database name"`
}

// RedisConfig enables the order listing cache and the shared rate limiter.
// Leaving Addr empty disables both.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis host:port or redis:// URL (KART_REDIS_ADDR or REDIS_URL)"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	TTL      time.Duration `default:"5m" usage:"Order listing cache TTL"`
}

// KafkaConfig enables order lifecycle events. No brokers, no events.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"kart.orders" usage:"Topic for order events"`
}

// StripeConfig configures the payment gateway.
type StripeConfig struct {
	SecretKey     string        `usage:"Gateway API secret key (KART_STRIPE_SECRET_KEY or STRIPE_SECRET_KEY)"`
	WebhookSecret string        `usage:"Webhook signing secret (KART_STRIPE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET)"`
	Currency      string        `default:"egp" usage:"ISO 4217 currency charged at checkout"`
	APIBase       string        `default:"https://api.stripe.com" usage:"Gateway API base URL"`
	Timeout       time.Duration `default:"10s" usage:"Gateway request timeout"`
	Tolerance     time.Duration `default:"5m" usage:"Maximum webhook signature age"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `usage:"HMAC secret for access tokens (KART_AUTH_JWT_SECRET or JWT_SECRET)" flag:"jwt-secret"`
	Issuer    string `default:"" usage:"Expected token issuer; empty accepts any"`
}

// RateLimitConfig controls the per-client rate limiter on /api/v1.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

var currencyCode = regexp.MustCompile(`^[a-z]{3}$`)

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and normalizes the currency code.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if c.Mongo.URI == "" {
		return errors.New("mongo URI is required: set KART_MONGO_URI or MONGODB_URI")
	}
	if c.Stripe.SecretKey == "" {
		return errors.New("payment secret key is required: set KART_STRIPE_SECRET_KEY or STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		return errors.New("webhook secret is required: set KART_STRIPE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required: set KART_AUTH_JWT_SECRET or JWT_SECRET")
	}

	c.Stripe.Currency = strings.ToLower(strings.TrimSpace(c.Stripe.Currency))
	if !currencyCode.MatchString(c.Stripe.Currency) {
		return errors.Errorf("invalid currency %q: want a three letter ISO 4217 code", c.Stripe.Currency)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	fallback := func(dst *string, env string) {
		if *dst != "" {
			return
		}
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	fallback(&c.DatabaseURL, "DATABASE_URL")
	fallback(&c.Mongo.URI, "MONGODB_URI")
	fallback(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	fallback(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	fallback(&c.Auth.JWTSecret, "JWT_SECRET")
	fallback(&c.Redis.Addr, "REDIS_URL")

	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
