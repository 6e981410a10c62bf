package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/domain/order"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func decodeFields(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out[string(key)] = raw.String()
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return ts }

	paidAt := ts.Add(-time.Minute)
	o := &order.Order{
		ID:         "0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11",
		UserID:     "user-1",
		TotalPrice: decimal.RequireFromString("250"),
		IsPaid:     true,
		PaidAt:     &paidAt,
	}

	require.NoError(t, p.Publish(context.Background(), order.EventPaid, o))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, o.ID, string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "order.paid", string(msg.Headers[0].Value))

	fields := decodeFields(t, msg.Value)
	assert.Equal(t, `"order.paid"`, fields["type"])
	assert.Equal(t, `"0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11"`, fields["order_id"])
	assert.Equal(t, `"user-1"`, fields["user_id"])
	assert.Equal(t, `"250.00"`, fields["total_price"])
	assert.Equal(t, `true`, fields["is_paid"])
	assert.Equal(t, `"2026-05-01T11:59:00Z"`, fields["paid_at"])
	assert.Equal(t, `"2026-05-01T12:00:00Z"`, fields["timestamp"])
	assert.NotEmpty(t, fields["id"])
}

func TestPublisher_UnpaidOmitsPaidAt(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w)

	require.NoError(t, p.Publish(context.Background(), order.EventCreated, &order.Order{
		ID:         "o-1",
		UserID:     "user-1",
		TotalPrice: decimal.RequireFromString("10.5"),
	}))

	fields := decodeFields(t, w.msgs[0].Value)
	assert.NotContains(t, fields, "paid_at")
	assert.Equal(t, `"10.50"`, fields["total_price"])
	assert.Equal(t, `false`, fields["is_paid"])
}

func TestPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisherWithWriter(w)

	err := p.Publish(context.Background(), order.EventCreated, &order.Order{ID: "o-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order.created")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
