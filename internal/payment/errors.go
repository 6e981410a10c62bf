package payment

import "fmt"

// SignatureVerificationError reports a webhook payload that failed
// authentication. Reason is safe to echo back to the caller.
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	return e.Reason
}

// MalformedEventError reports a correctly signed payload that could not be
// decoded as an event.
type MalformedEventError struct {
	Err error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// UpstreamError reports a failed call to the payment gateway.
type UpstreamError struct {
	// StatusCode is the gateway's HTTP status, zero for transport failures.
	StatusCode int
	Type       string
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("payment gateway: %d %s: %s", e.StatusCode, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("payment gateway: %s: %v", e.Message, e.Err)
	default:
		return "payment gateway: " + e.Message
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// retryable reports whether the failure says something about gateway
// health, as opposed to a rejected request.
func (e *UpstreamError) retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
