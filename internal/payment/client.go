// Package payment integrates with a Stripe-compatible payment gateway:
// hosted checkout sessions and signed webhook events.
package payment

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// DefaultAPIBase is the production gateway endpoint.
const DefaultAPIBase = "https://api.stripe.com"

const maxResponseBytes = 1 << 20

// Config configures the gateway client.
type Config struct {
	SecretKey string
	// APIBase overrides the gateway endpoint, e.g. for a local mock.
	APIBase string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive gateway failures that
	// open the circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open before probing.
	BreakerCooldown time.Duration
}

var _ order.Gateway = (*Client)(nil)

// Client creates checkout sessions through the gateway's REST API.
type Client struct {
	apiBase   string
	secretKey string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*order.CheckoutSession]
}

// NewClient creates a gateway client. HTTP calls are traced through
// otelhttp with the given options.
func NewClient(cfg Config, opts ...otelhttp.Option) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[*order.CheckoutSession](gobreaker.Settings{
		Name:        "payment-checkout",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: countsAsHealthy,
	})

	return &Client{
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		secretKey: cfg.SecretKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		breaker: breaker,
	}
}

// CreateCheckoutSession creates a one-time card payment session with a
// single line item. Failures are reported as *UpstreamError.
func (c *Client) CreateCheckoutSession(ctx context.Context, req order.CheckoutRequest) (*order.CheckoutSession, error) {
	session, err := c.breaker.Execute(func() (*order.CheckoutSession, error) {
		return c.createCheckoutSession(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &UpstreamError{Message: "gateway temporarily unavailable", Err: err}
	}
	return session, err
}

func (c *Client) createCheckoutSession(ctx context.Context, req order.CheckoutRequest) (*order.CheckoutSession, error) {
	form := checkoutForm(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UpstreamError{Message: "read response", Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	session, err := decodeSession(body)
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Type: "decode_error", Message: "unexpected response", Err: err}
	}
	return session, nil
}

// checkoutForm encodes the session parameters in the gateway's bracketed
// form notation.
func checkoutForm(req order.CheckoutRequest) url.Values {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", req.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.UnitAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.OrderID)
	form.Set("metadata[orderId]", req.OrderID)
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	return form
}

func decodeSession(body []byte) (*order.CheckoutSession, error) {
	s := &order.CheckoutSession{}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &s.ID)
		case "url":
			return readStr(d, &s.URL)
		case "mode":
			return readStr(d, &s.Mode)
		case "status":
			return readStr(d, &s.Status)
		case "payment_status":
			return readStr(d, &s.PaymentStatus)
		case "currency":
			return readStr(d, &s.Currency)
		case "customer_email":
			return readStr(d, &s.CustomerEmail)
		case "client_reference_id":
			return readStr(d, &s.ClientReferenceID)
		case "amount_total":
			if d.Next() != jx.Number {
				return d.Skip()
			}
			v, err := d.Int64()
			if err != nil {
				return err
			}
			s.AmountTotal = v
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errors.New("session id is missing")
	}
	return s, nil
}

// decodeAPIError turns an error body of the form
// {"error":{"type":"...","message":"..."}} into an UpstreamError.
func decodeAPIError(status int, body []byte) error {
	e := &UpstreamError{StatusCode: status, Message: http.StatusText(status)}
	d := jx.DecodeBytes(body)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" || d.Next() != jx.Object {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			switch string(key) {
			case "type":
				return readStr(d, &e.Type)
			case "message":
				return readStr(d, &e.Message)
			default:
				return d.Skip()
			}
		})
	})
	return e
}

// countsAsHealthy tells the breaker which outcomes say the gateway works.
// Rejected requests and caller cancellations do not count against it.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return !upstream.retryable()
	}
	return false
}
