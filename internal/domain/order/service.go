package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
)

// Errors reported to API clients.
var (
	ErrCartNotFound  = &NotFoundError{Message: "No cart found"}
	ErrOrderNotFound = &NotFoundError{Message: "Order not found"}
	ErrAlreadyPaid   = errors.New("order is already paid")
)

// NotFoundError reports a missing cart or order. An order owned by someone
// else is reported exactly like a missing one.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// ModuleNotFoundError indicates a cart line references a module that no
// longer exists in the catalog.
type ModuleNotFoundError struct {
	ModuleID string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %s not found", e.ModuleID)
}

// InvalidQuantityError indicates a cart line has a non-positive quantity.
type InvalidQuantityError struct {
	ModuleID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for module %s", e.ModuleID)
}

// InvalidPriceError indicates a module price carries more precision than the
// currency's minor unit, so the order total could not be charged exactly.
type InvalidPriceError struct {
	ModuleID string
	Price    decimal.Decimal
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("price %s of module %s has more than two decimal places", e.Price, e.ModuleID)
}

// Config holds settings the service needs at runtime.
type Config struct {
	// Currency is the lowercase ISO 4217 code charged at checkout.
	Currency string
}

// CheckoutParams holds the input for creating a checkout session.
type CheckoutParams struct {
	OrderID   string
	Requester auth.User
	// ReturnURL is where the gateway redirects after success or cancel.
	ReturnURL string
}

// Service implements order placement, checkout and payment confirmation.
type Service struct {
	cfg      Config
	carts    cart.Repository
	modules  cart.ModuleRepository
	orders   Repository
	gateway  Gateway
	verifier EventVerifier
	events   Publisher
	now      func() time.Time
}

// NewService creates an order Service. A nil publisher disables lifecycle
// events.
func NewService(
	cfg Config,
	carts cart.Repository,
	modules cart.ModuleRepository,
	orders Repository,
	gateway Gateway,
	verifier EventVerifier,
	events Publisher,
) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{
		cfg:      cfg,
		carts:    carts,
		modules:  modules,
		orders:   orders,
		gateway:  gateway,
		verifier: verifier,
		events:   events,
		now:      time.Now,
	}
}

// CreateOrder converts the user's cart into an unpaid order priced at the
// modules' current prices. The cart is left untouched.
func (s *Service) CreateOrder(ctx context.Context, userID string) (*Order, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(c.Items) == 0 {
		return nil, ErrCartNotFound
	}

	ids := make([]string, len(c.Items))
	for i, item := range c.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ModuleID: item.ModuleID}
		}
		ids[i] = item.ModuleID
	}

	modules, err := s.modules.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get modules: %w", err)
	}
	prices := make(map[string]decimal.Decimal, len(modules))
	for _, m := range modules {
		prices[m.ID] = m.Price
	}

	items := make([]Item, len(c.Items))
	total := decimal.Zero
	for i, item := range c.Items {
		price, ok := prices[item.ModuleID]
		if !ok {
			return nil, &ModuleNotFoundError{ModuleID: item.ModuleID}
		}
		if !ValidPrice(price) {
			return nil, &InvalidPriceError{ModuleID: item.ModuleID, Price: price}
		}
		items[i] = Item{
			ModuleID: item.ModuleID,
			Quantity: item.Quantity,
			Price:    price,
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	now := s.now().UTC()
	o := &Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Items:      items,
		TotalPrice: total,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.publish(ctx, EventCreated, o)
	return o, nil
}

// CreateCheckoutSession starts a hosted payment flow for an order owned by
// the requester. Nothing is written locally.
func (s *Service) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	o, err := s.ownedOrder(ctx, p.Requester.ID, p.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		return nil, ErrAlreadyPaid
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		OrderID:       o.ID,
		ProductName:   p.Requester.Name,
		CustomerEmail: p.Requester.Email,
		Currency:      s.cfg.Currency,
		UnitAmount:    MinorUnits(o.TotalPrice),
		SuccessURL:    p.ReturnURL,
		CancelURL:     p.ReturnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return session, nil
}

// HandlePaymentWebhook authenticates a gateway notification and marks the
// referenced order paid. Verification errors are returned before anything
// is parsed or written. Events for unknown orders are acknowledged.
func (s *Service) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := s.verifier.ConstructEvent(payload, signature)
	if err != nil {
		return err
	}

	lg := zctx.From(ctx).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	if ev.Type != EventCheckoutCompleted {
		lg.Debug("Ignoring payment event")
		return nil
	}

	orderID := ev.OrderID()
	if orderID == "" {
		lg.Warn("Checkout event carries no order reference", zap.String("session_id", ev.SessionID))
		return nil
	}

	o, paid, err := s.ConfirmPayment(ctx, orderID)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		lg.Warn("Checkout event for unknown order", zap.String("order_id", orderID))
		return nil
	case err != nil:
		return err
	case !paid:
		lg.Debug("Order already paid", zap.String("order_id", o.ID))
	default:
		lg.Info("Order paid", zap.String("order_id", o.ID), zap.String("user_id", o.UserID))
	}
	return nil
}

// ConfirmPayment marks an order paid unless it already is. The boolean
// result reports whether this call changed the order.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) (*Order, bool, error) {
	if !validID(orderID) {
		return nil, false, ErrOrderNotFound
	}

	o, paid, err := s.orders.MarkPaid(ctx, orderID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrOrderNotFound
		}
		return nil, false, fmt.Errorf("mark order paid: %w", err)
	}
	if paid {
		s.publish(ctx, EventPaid, o)
	}
	return o, paid, nil
}

// MarkOrderAsPaid is the administrative override: it marks the order paid
// and removes its owner's cart.
func (s *Service) MarkOrderAsPaid(ctx context.Context, orderID string) (*Order, error) {
	o, _, err := s.ConfirmPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.carts.DeleteByUser(ctx, o.UserID); err != nil {
		return nil, fmt.Errorf("delete cart: %w", err)
	}
	return o, nil
}

// MyOrders lists the orders placed by userID.
func (s *Service) MyOrders(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

// MyOrder returns a single order owned by userID.
func (s *Service) MyOrder(ctx context.Context, userID, orderID string) (*Order, error) {
	return s.ownedOrder(ctx, userID, orderID)
}

func (s *Service) ownedOrder(ctx context.Context, userID, orderID string) (*Order, error) {
	if !validID(orderID) {
		return nil, ErrOrderNotFound
	}

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, eventType string, o *Order) {
	if err := s.events.Publish(ctx, eventType, o); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("event_type", eventType),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}

// ValidPrice reports whether amount is expressible in minor units, that is
// it has at most two decimal places.
func ValidPrice(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(2))
}

// MinorUnits converts a two-decimal amount to the currency's minor unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, *Order) error { return nil }
