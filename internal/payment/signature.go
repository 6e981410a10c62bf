package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the maximum accepted age of a signed webhook.
const DefaultTolerance = 300 * time.Second

var _ order.EventVerifier = (*Verifier)(nil)

// Verifier authenticates webhook payloads signed with a shared secret.
//
// The header has the form "t=<unix>,v1=<hex>[,v1=<hex>...]" where each v1 is
// HMAC-SHA256 over "<t>.<payload>". Any matching v1 entry is accepted so the
// secret can be rolled.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a Verifier for the given signing secret. A zero
// tolerance selects DefaultTolerance; a negative one disables the age check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// ConstructEvent verifies payload against header and decodes the event.
// The payload is not parsed until the signature matches.
func (v *Verifier) ConstructEvent(payload []byte, header string) (*order.PaymentEvent, error) {
	if err := v.Verify(payload, header); err != nil {
		return nil, err
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		return nil, &MalformedEventError{Err: err}
	}
	return ev, nil
}

// Verify checks the signature header for payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	if header == "" {
		return &SignatureVerificationError{Reason: "no signature header"}
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance {
			return &SignatureVerificationError{Reason: "timestamp outside the tolerance zone"}
		}
	}

	expected := computeSignature(v.secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return &SignatureVerificationError{Reason: "no signatures found matching the expected signature for payload"}
}

// Sign produces a signature header for payload at time t. It is used by
// tests and local tooling that replays events.
func Sign(secret string, t time.Time, payload []byte) string {
	ts := t.Unix()
	sig := computeSignature([]byte(secret), ts, payload)
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(sig)
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, &SignatureVerificationError{Reason: "unable to parse timestamp"}
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				// Unknown encodings are skipped like unknown schemes.
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if !hasTS {
		return 0, nil, &SignatureVerificationError{Reason: "unable to extract timestamp and signatures from header"}
	}
	if len(sigs) == 0 {
		return 0, nil, &SignatureVerificationError{Reason: "no signatures found with expected scheme"}
	}
	return ts, sigs, nil
}
