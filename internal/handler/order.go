package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/payment"
)

// CreateOrder handles POST /api/v1/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	u := mustUser(r)
	o, err := h.orders.CreateOrder(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.created.Add(r.Context(), 1)
	writeData(w, http.StatusCreated, o)
}

// CheckoutSession handles GET /api/v1/orders/checkout-session/{id}.
func (h *Handler) CheckoutSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.orders.CreateCheckoutSession(r.Context(), order.CheckoutParams{
		OrderID:   chi.URLParam(r, "id"),
		Requester: mustUser(r),
		ReturnURL: h.returnURL(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, session)
}

// MyOrders handles GET /api/v1/orders/my-orders and GET /api/v1/orders.
func (h *Handler) MyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.MyOrders(r.Context(), mustUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, orders)
}

// MyOrder handles GET /api/v1/orders/my-orders/{id}.
func (h *Handler) MyOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MyOrder(r.Context(), mustUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

// MarkOrderAsPaid handles PUT /api/v1/orders/{id}/pay.
func (h *Handler) MarkOrderAsPaid(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkOrderAsPaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Order marked paid by admin",
		zap.String("order_id", o.ID),
		zap.String("admin_id", mustUser(r).ID),
	)
	writeData(w, http.StatusOK, o)
}

// PaymentWebhook handles POST /webhook-checkout. The body is read raw
// because the signature covers the exact bytes sent.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.countWebhook(r, "unreadable")
		lg.Warn("Webhook body rejected", zap.Error(err))
		webhookError(w, "unable to read request body")
		return
	}

	err = h.orders.HandlePaymentWebhook(r.Context(), payload, r.Header.Get(payment.SignatureHeader))

	var (
		sigErr    *payment.SignatureVerificationError
		malformed *payment.MalformedEventError
	)
	switch {
	case err == nil:
		h.countWebhook(r, "processed")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.As(err, &sigErr):
		h.countWebhook(r, "bad_signature")
		lg.Warn("Webhook signature rejected", zap.String("reason", sigErr.Reason))
		webhookError(w, sigErr.Reason)
	case errors.As(err, &malformed):
		h.countWebhook(r, "malformed")
		lg.Warn("Webhook payload rejected", zap.Error(err))
		webhookError(w, malformed.Error())
	default:
		h.countWebhook(r, "failed")
		lg.Error("Webhook processing failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) countWebhook(r *http.Request, outcome string) {
	h.webhooks.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// webhookError answers a rejected delivery with a plain text reason.
func webhookError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = io.WriteString(w, "Webhook Error: "+reason)
}

// mustUser returns the caller set by Authenticator.Protect.
func mustUser(r *http.Request) auth.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}
