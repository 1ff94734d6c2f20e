package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrAmbiguous marks a gateway call whose outcome is unknown (timeout or
// connection dropped mid-flight). The charge may or may not have gone through,
// so the caller must confirm via GetCharge before writing any terminal status.
var ErrAmbiguous = errors.New("gateway call outcome is unknown")

// Error is a definitive gateway rejection or failure.
type Error struct {
	Code      string
	Detail    string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Detail)
}

// IsTransient reports whether err is a gateway-confirmed-transient failure,
// safe to retry under the same idempotency key.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Transient
}

// IsAmbiguous reports whether the outcome of the call is unknown.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		// The request may have reached the gateway; never treat as failed.
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	if isConnectionRefused(err) {
		// Nothing reached the gateway; plain transient failure.
		return &Error{Code: "network_error", Detail: err.Error(), Transient: true}
	}
	// Connection errors after the request was written are ambiguous too.
	return fmt.Errorf("%w: %v", ErrAmbiguous, err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
