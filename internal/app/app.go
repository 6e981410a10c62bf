package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/handler"
	"github.com/xenking/kart-orders/internal/payment"
	"github.com/xenking/kart-orders/internal/storage/cache"
	"github.com/xenking/kart-orders/internal/storage/mongodb"
	"github.com/xenking/kart-orders/internal/storage/postgres"
	"github.com/xenking/kart-orders/pkg/health"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

const serviceName = "kart-orders"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// MongoDB catalog: carts and modules.
	catalog, err := mongodb.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return errors.Wrap(err, "connect mongo")
	}
	defer func() {
		if err := catalog.Client().Disconnect(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("Mongo disconnect", zap.Error(err))
		}
	}()
	if err := mongodb.CreateIndexes(ctx, catalog); err != nil {
		return errors.Wrap(err, "create mongo indexes")
	}

	// Redis is optional: without it listings are uncached and rate limits
	// are kept per instance.
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb, err = newRedis(ctx, cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("mongo", 5*time.Second, health.MongoCheck(catalog.Client()))
	if rdb != nil {
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	var orderRepo order.Repository = postgres.NewOrderRepository(pool)
	if rdb != nil {
		orderRepo = cache.NewOrderRepository(orderRepo, rdb, cfg.Redis.TTL)
	}
	cartRepo := mongodb.NewCartRepository(catalog)
	moduleRepo := mongodb.NewModuleRepository(catalog)

	// Order events.
	var publisher order.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		p := events.NewPublisher(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, lg)
		defer func() {
			if err := p.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		publisher = p
	} else {
		lg.Info("Kafka brokers not configured, order events disabled")
	}

	// Payment gateway.
	gateway := payment.NewClient(payment.Config{
		SecretKey: cfg.Stripe.SecretKey,
		APIBase:   cfg.Stripe.APIBase,
		Timeout:   cfg.Stripe.Timeout,
	},
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)
	verifier := payment.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance)

	// Domain services.
	orderService := order.NewService(
		order.Config{Currency: cfg.Stripe.Currency},
		cartRepo,
		moduleRepo,
		orderRepo,
		gateway,
		verifier,
		publisher,
	)

	// HTTP handlers.
	h, err := handler.New(
		handler.Config{PublicBaseURL: cfg.PublicBaseURL},
		orderService,
		handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		m.MeterProvider().Meter(serviceName),
	)
	if err != nil {
		return errors.Wrap(err, "create handler")
	}

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		limiter = httpmiddleware.NewMemoryLimiter(ctx, cfg.RateLimit.Max, cfg.RateLimit.Window)
	}

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Register(router, httpmiddleware.RateLimit(limiter, httpmiddleware.ClientIP))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", payment.SignatureHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Routes(),
			httpmiddleware.Instrument(serviceName, m),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newRedis accepts either host:port or a redis:// URL.
func newRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if strings.Contains(cfg.Addr, "://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return client, nil
}
