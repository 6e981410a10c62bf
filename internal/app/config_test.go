package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:        defaultAddr,
		DatabaseURL: "postgres://localhost/kart",
		Mongo:       MongoConfig{URI: "mongodb://localhost:27017", Database: "kart"},
		Stripe: StripeConfig{
			SecretKey:     "sk_test_1",
			WebhookSecret: "whsec_1",
			Currency:      "egp",
		},
		Auth:      AuthConfig{JWTSecret: "secret"},
		RateLimit: RateLimitConfig{Max: 100, Window: time.Minute},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "database URL is required"},
		{name: "no mongo", mutate: func(c *Config) { c.Mongo.URI = "" }, wantErr: "mongo URI is required"},
		{name: "no secret key", mutate: func(c *Config) { c.Stripe.SecretKey = "" }, wantErr: "payment secret key is required"},
		{name: "no webhook secret", mutate: func(c *Config) { c.Stripe.WebhookSecret = "" }, wantErr: "webhook secret is required"},
		{name: "no jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "JWT secret is required"},
		{name: "bad currency", mutate: func(c *Config) { c.Stripe.Currency = "euro" }, wantErr: "invalid currency"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.Max = 0 }, wantErr: "rate limit"},
		{
			name:    "brokers without topic",
			mutate:  func(c *Config) { c.Kafka.Brokers = []string{"localhost:9092"} },
			wantErr: "kafka topic is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateNormalizesCurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Stripe.Currency = " USD "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "usd", cfg.Stripe.Currency)
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("MONGODB_URI", "mongodb://platform")
	t.Setenv("REDIS_URL", "redis://platform:6379/0")
	t.Setenv("STRIPE_SECRET_KEY", "sk_platform")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_platform")
	t.Setenv("JWT_SECRET", "jwt_platform")
	t.Setenv("PORT", "3000")

	var cfg Config
	cfg.Addr = defaultAddr
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "mongodb://platform", cfg.Mongo.URI)
	assert.Equal(t, "redis://platform:6379/0", cfg.Redis.Addr)
	assert.Equal(t, "sk_platform", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_platform", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "jwt_platform", cfg.Auth.JWTSecret)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr)
}

func TestConfig_PlatformDefaultsDoNotOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "3000")

	cfg := Config{Addr: "127.0.0.1:9000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
}
