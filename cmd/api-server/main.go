// Command api-server serves the order and checkout API.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/kart-orders/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "config")
		}
		lg.Info("Configuration loaded",
			zap.String("currency", cfg.Stripe.Currency),
			zap.Bool("order_cache", cfg.Redis.Addr != ""),
			zap.Bool("order_events", len(cfg.Kafka.Brokers) > 0),
		)
		return appkg.Run(ctx, lg, m, cfg)
	})
}
