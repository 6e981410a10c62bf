package order

import "context"

// EventCheckoutCompleted is the gateway event type that confirms payment
// of a checkout session.
const EventCheckoutCompleted = "checkout.session.completed"

// CheckoutRequest describes the hosted checkout session to create for an
// order. UnitAmount is in the currency's minor unit.
type CheckoutRequest struct {
	OrderID       string
	ProductName   string
	CustomerEmail string
	Currency      string
	UnitAmount    int64
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the gateway's view of a created session.
type CheckoutSession struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	Mode              string `json:"mode"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	Currency          string `json:"currency"`
	AmountTotal       int64  `json:"amount_total"`
	CustomerEmail     string `json:"customer_email"`
	ClientReferenceID string `json:"client_reference_id"`
}

// Gateway creates hosted checkout sessions.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// PaymentEvent is a verified webhook event from the gateway.
type PaymentEvent struct {
	ID   string
	Type string
	// Session fields, populated for checkout.session.* events.
	SessionID         string
	ClientReferenceID string
	Metadata          map[string]string
}

// OrderID returns the correlation token of the event: the orderId metadata
// entry, or the session's client reference id when metadata is absent.
func (e *PaymentEvent) OrderID() string {
	if id := e.Metadata["orderId"]; id != "" {
		return id
	}
	return e.ClientReferenceID
}

// EventVerifier authenticates a raw webhook payload and decodes it.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (*PaymentEvent, error)
}
