// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka producer.
type Config struct {
	Brokers []string
	Topic   string
	// Sync waits for broker acknowledgement on every publish.
	Sync bool
}

var _ order.Publisher = (*Publisher)(nil)

// Publisher writes one message per order event, keyed by order id so that
// events of an order stay on one partition.
type Publisher struct {
	w   Writer
	now func() time.Time
}

// NewPublisher creates a Kafka-backed publisher. In async mode delivery
// failures are only logged.
func NewPublisher(cfg Config, lg *zap.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        !cfg.Sync,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				lg.Warn("Order events not delivered", zap.Int("count", len(msgs)), zap.Error(err))
			}
		},
	}
	return NewPublisherWithWriter(w)
}

// NewPublisherWithWriter creates a publisher on top of an existing writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// Publish encodes the event envelope and writes it.
func (p *Publisher) Publish(ctx context.Context, eventType string, o *order.Order) error {
	msg := kafka.Message{
		Key:   []byte(o.ID),
		Value: encodeEvent(uuid.NewString(), eventType, o, p.now().UTC()),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s", eventType)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func encodeEvent(id, eventType string, o *order.Order, ts time.Time) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("id")
	e.Str(id)
	e.FieldStart("type")
	e.Str(eventType)
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("total_price")
	e.Str(o.TotalPrice.StringFixed(2))
	e.FieldStart("is_paid")
	e.Bool(o.IsPaid)
	if o.PaidAt != nil {
		e.FieldStart("paid_at")
		e.Str(o.PaidAt.UTC().Format(time.RFC3339Nano))
	}
	e.FieldStart("timestamp")
	e.Str(ts.Format(time.RFC3339Nano))
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}
