// Package handler exposes the order service over HTTP.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// DefaultMaxWebhookBytes limits webhook payloads.
const DefaultMaxWebhookBytes = 64 << 10

// OrderService is the order use-case layer used by the handlers.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string) (*order.Order, error)
	CreateCheckoutSession(ctx context.Context, p order.CheckoutParams) (*order.CheckoutSession, error)
	HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) error
	MyOrders(ctx context.Context, userID string) ([]order.Order, error)
	MyOrder(ctx context.Context, userID, orderID string) (*order.Order, error)
	MarkOrderAsPaid(ctx context.Context, orderID string) (*order.Order, error)
}

var _ OrderService = (*order.Service)(nil)

// Config holds handler settings.
type Config struct {
	// PublicBaseURL overrides the scheme and host used for checkout return
	// URLs, e.g. "https://shop.example". When empty they are derived from
	// the request.
	PublicBaseURL   string
	MaxWebhookBytes int64
}

// Handler serves the order API and the payment webhook.
type Handler struct {
	orders  OrderService
	auth    *Authenticator
	baseURL string
	maxBody int64

	webhooks metric.Int64Counter
	created  metric.Int64Counter
}

// New creates a Handler. A nil meter disables metrics.
func New(cfg Config, orders OrderService, authn *Authenticator, meter metric.Meter) (*Handler, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = DefaultMaxWebhookBytes
	}

	webhooks, err := meter.Int64Counter("kart.webhook.events",
		metric.WithDescription("Payment webhook deliveries by outcome"))
	if err != nil {
		return nil, errors.Wrap(err, "webhook counter")
	}
	created, err := meter.Int64Counter("kart.orders.created",
		metric.WithDescription("Orders created from carts"))
	if err != nil {
		return nil, errors.Wrap(err, "orders counter")
	}

	return &Handler{
		orders:   orders,
		auth:     authn,
		baseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxBody:  cfg.MaxWebhookBytes,
		webhooks: webhooks,
		created:  created,
	}, nil
}

// Register mounts the API routes on r. The api middlewares run in front of
// authentication on /api/v1 only; the payment webhook never sees them.
func (h *Handler) Register(r chi.Router, api ...func(http.Handler) http.Handler) {
	r.Post("/webhook-checkout", h.PaymentWebhook)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(api...)
		r.Use(h.auth.Protect)

		r.Post("/", h.CreateOrder)
		r.Get("/", h.MyOrders)
		r.Get("/checkout-session/{id}", h.CheckoutSession)
		r.Get("/my-orders", h.MyOrders)
		r.Get("/my-orders/{id}", h.MyOrder)
		r.With(RequireAdmin).Put("/{id}/pay", h.MarkOrderAsPaid)
	})
}

// returnURL is where the payment page sends the customer back to.
func (h *Handler) returnURL(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL + "/api/v1/orders"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.TrimSpace(scheme)
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host, _, _ = strings.Cut(fwd, ",")
		host = strings.TrimSpace(host)
	}
	return scheme + "://" + host + "/api/v1/orders"
}
