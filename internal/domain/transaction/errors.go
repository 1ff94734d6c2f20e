package transaction

import "errors"

var (
	// ErrValidation is returned for a malformed request. The caller's fault;
	// the core never retries these.
	ErrValidation = errors.New("invalid transaction request")

	// ErrOperationInFlight is returned when another submission holding the
	// same idempotency key has not reached a terminal outcome yet.
	ErrOperationInFlight = errors.New("operation with this idempotency key is in flight")

	// ErrSpendLimitExceeded is returned when a debit would break the wallet's
	// per-period spend limit.
	ErrSpendLimitExceeded = errors.New("daily spend limit exceeded")

	// ErrReconciliationRequired is returned when the gateway outcome could
	// not be confirmed either way. The transaction is parked for the
	// reconcile job; it is never silently retried.
	ErrReconciliationRequired = errors.New("transaction requires reconciliation")

	// ErrGatewayDeclined is returned when the processor definitively refused
	// the charge.
	ErrGatewayDeclined = errors.New("gateway declined the charge")
)
