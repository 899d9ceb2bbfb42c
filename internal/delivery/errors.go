package delivery

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lalithlochan/nimbus-receipts/internal/callback"
)

// DeliveryHTTPError is a failed webhook POST. StatusCode is 0 when no
// response was received.
type DeliveryHTTPError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Body       string
	Err        error
}

func (e *DeliveryHTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("callback to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("callback to %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *DeliveryHTTPError) Unwrap() error { return e.Err }

// ClientError reports a rejection by a reachable endpoint. The endpoint is
// healthy even though the delivery failed.
func (e *DeliveryHTTPError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && !e.Retryable
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a delivery error may succeed on a later
// attempt. Unknown errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *DeliveryHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable
	}
	if errors.Is(err, callback.ErrUnseal) || errors.Is(err, ErrNoStrategy) {
		return false
	}
	return true
}
