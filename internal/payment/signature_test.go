package payment

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func completedPayload(orderID string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1NX",
  "object": "event",
  "api_version": "2023-10-16",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "cs_test_a1",
      "object": "checkout.session",
      "amount_total": 25000,
      "client_reference_id": %q,
      "customer_details": {"email": "mona@example.com", "name": null},
      "metadata": {"orderId": %q},
      "payment_status": "paid"
    }
  },
  "livemode": false
}`, orderID, orderID))
}

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 0)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier_ValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := completedPayload("0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11")
	v := newTestVerifier(now)

	ev, err := v.ConstructEvent(payload, Sign(testSecret, now.Add(-time.Minute), payload))
	require.NoError(t, err)

	assert.Equal(t, "evt_1NX", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.Equal(t, "cs_test_a1", ev.SessionID)
	assert.Equal(t, "0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11", ev.OrderID())
}

func TestVerifier_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := completedPayload("0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11")
	valid := Sign(testSecret, now, payload)
	ts := strconv.FormatInt(now.Unix(), 10)

	tests := []struct {
		name    string
		payload []byte
		header  string
		reason  string
	}{
		{name: "empty header", payload: payload, header: "", reason: "no signature header"},
		{name: "wrong secret", payload: payload, header: Sign("whsec_other", now, payload), reason: "no signatures found matching"},
		{name: "tampered payload", payload: []byte(string(payload) + " "), header: valid, reason: "no signatures found matching"},
		{name: "stale timestamp", payload: payload, header: Sign(testSecret, now.Add(-10*time.Minute), payload), reason: "tolerance"},
		{name: "missing timestamp", payload: payload, header: "v1=abcdef", reason: "unable to extract timestamp"},
		{name: "bad timestamp", payload: payload, header: "t=yesterday,v1=abcdef", reason: "unable to parse timestamp"},
		{name: "unknown scheme only", payload: payload, header: "t=" + ts + ",v0=abcdef", reason: "expected scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(now)

			ev, err := v.ConstructEvent(tt.payload, tt.header)
			require.Error(t, err)
			assert.Nil(t, ev)

			var sigErr *SignatureVerificationError
			require.ErrorAs(t, err, &sigErr)
			assert.Contains(t, sigErr.Reason, tt.reason)
		})
	}
}

func TestVerifier_AcceptsAnyMatchingSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := completedPayload("0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11")
	valid := Sign(testSecret, now, payload)
	header := valid + ",v1=" + "00ff00ff"

	_, err := newTestVerifier(now).ConstructEvent(payload, "v1=deadbeef,"+header)
	require.NoError(t, err)
}

func TestVerifier_NegativeToleranceSkipsAgeCheck(t *testing.T) {
	payload := completedPayload("0b7d3f4e-7a0c-4c39-9d0a-2a8f7f1f2c11")
	v := NewVerifier(testSecret, -1)

	_, err := v.ConstructEvent(payload, Sign(testSecret, time.Unix(1_000_000_000, 0), payload))
	require.NoError(t, err)
}

func TestVerifier_MalformedSignedPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id": "evt_1", "type": `)

	_, err := newTestVerifier(now).ConstructEvent(payload, Sign(testSecret, now, payload))

	var malformed *MalformedEventError
	require.ErrorAs(t, err, &malformed)

	var sigErr *SignatureVerificationError
	assert.False(t, errors.As(err, &sigErr))
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		wantType      string
		wantOrderID   string
		wantSessionID string
	}{
		{
			name:          "metadata wins over client reference",
			payload:       `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","client_reference_id":"ref","metadata":{"orderId":"meta"}}}}`,
			wantType:      "checkout.session.completed",
			wantOrderID:   "meta",
			wantSessionID: "cs_1",
		},
		{
			name:          "client reference fallback",
			payload:       `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_2","client_reference_id":"ref","metadata":{}}}}`,
			wantType:      "checkout.session.completed",
			wantOrderID:   "ref",
			wantSessionID: "cs_2",
		},
		{
			name:        "null fields and non-string metadata",
			payload:     `{"id":"evt_3","type":"checkout.session.expired","data":{"object":{"id":null,"client_reference_id":null,"metadata":{"count":3,"orderId":"m"}}}}`,
			wantType:    "checkout.session.expired",
			wantOrderID: "m",
		},
		{
			name:          "non-session object",
			payload:       `{"id":"evt_4","type":"payment_intent.created","data":{"object":{"id":"pi_1","amount":100}}}`,
			wantType:      "payment_intent.created",
			wantSessionID: "pi_1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantOrderID, ev.OrderID())
			assert.Equal(t, tt.wantSessionID, ev.SessionID)
		})
	}
}

func TestDecodeEvent_MissingType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"id":"evt_1","data":{}}`))
	require.Error(t, err)
}
