package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/payment"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Message: message})
}

// writeError maps service errors to HTTP statuses. Unexpected errors are
// logged and reported with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound   *order.NotFoundError
		noModule   *order.ModuleNotFoundError
		badQty     *order.InvalidQuantityError
		badPrice   *order.InvalidPriceError
		upstream   *payment.UpstreamError
		statusCode int
		message    string
	)
	switch {
	case errors.As(err, &notFound):
		statusCode, message = http.StatusNotFound, notFound.Message
	case errors.As(err, &noModule):
		statusCode, message = http.StatusUnprocessableEntity, noModule.Error()
	case errors.As(err, &badQty):
		statusCode, message = http.StatusUnprocessableEntity, badQty.Error()
	case errors.As(err, &badPrice):
		statusCode, message = http.StatusUnprocessableEntity, badPrice.Error()
	case errors.Is(err, order.ErrAlreadyPaid):
		statusCode, message = http.StatusConflict, "Order is already paid"
	case errors.As(err, &upstream):
		zctx.From(r.Context()).Warn("Payment gateway failed", zap.Error(err))
		statusCode, message = http.StatusBadGateway, "Payment provider unavailable, please try again later"
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		statusCode, message = http.StatusInternalServerError, "Internal server error"
	}
	writeMessage(w, statusCode, message)
}
