package wallet

import "errors"

var (
	// ErrWalletNotFound is returned when the wallet does not exist
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds is returned when a debit would drive the balance negative
	ErrInsufficientFunds = errors.New("insufficient wallet balance")

	// ErrWalletSuspended is returned when mutating a non-active wallet
	ErrWalletSuspended = errors.New("wallet is suspended")

	// ErrVersionConflict is returned on an optimistic version mismatch
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidTransaction is returned for a malformed transaction record
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidTransition is returned for a transition out of a terminal status
	ErrInvalidTransition = errors.New("invalid transaction status transition")

	// ErrLedgerMismatch is returned when before/after bookkeeping does not
	// account for the amount exactly
	ErrLedgerMismatch = errors.New("balance bookkeeping mismatch")

	// ErrTransactionNotFound is returned when the transaction does not exist
	ErrTransactionNotFound = errors.New("transaction not found")
)
