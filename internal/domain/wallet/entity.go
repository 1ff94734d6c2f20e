package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents wallet lifecycle state. Wallets are never deleted,
// only suspended.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Direction of a balance mutation.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Category classifies what a transaction was for.
type Category string

const (
	CategoryTopUp        Category = "TOP_UP"
	CategoryPayment      Category = "PAYMENT"
	CategoryTransfer     Category = "TRANSFER"
	CategoryRefund       Category = "REFUND"
	CategoryEventPayment Category = "EVENT_PAYMENT"
	CategoryWithdrawal   Category = "WITHDRAWAL"
)

// TxStatus is the transaction record state.
type TxStatus string

const (
	TxStatusPending                TxStatus = "PENDING"
	TxStatusProcessing             TxStatus = "PROCESSING"
	TxStatusCompleted              TxStatus = "COMPLETED"
	TxStatusFailed                 TxStatus = "FAILED"
	TxStatusCancelled              TxStatus = "CANCELLED"
	TxStatusReconciliationRequired TxStatus = "RECONCILIATION_REQUIRED"
)

// Wallet holds a user's balance in minor currency units. Balance is mutated
// only through committed transaction records and never goes negative.
type Wallet struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	Currency  string    `db:"currency" json:"currency"`
	Status    Status    `db:"status" json:"status"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction is one row of the append-only ledger. Amount is always
// positive; Direction carries the sign. Once a record reaches a terminal
// status it never changes again.
type Transaction struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	WalletID       uuid.UUID  `db:"wallet_id" json:"wallet_id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	Amount         int64      `db:"amount" json:"amount"`
	Direction      Direction  `db:"direction" json:"direction"`
	Category       Category   `db:"category" json:"category"`
	Status         TxStatus   `db:"status" json:"status"`
	BalanceBefore  int64      `db:"balance_before" json:"balance_before"`
	BalanceAfter   int64      `db:"balance_after" json:"balance_after"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key"`
	GatewayRef     *string    `db:"gateway_ref" json:"gateway_ref,omitempty"`
	ErrorDetail    *string    `db:"error_detail" json:"error_detail,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ProcessingAt   *time.Time `db:"processing_at" json:"processing_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt       *time.Time `db:"failed_at" json:"failed_at,omitempty"`
}

// NewTransaction builds a validated PENDING ledger record. All state changes
// after this go through the named transition methods below; persistence never
// mutates a record implicitly.
func NewTransaction(walletID, userID uuid.UUID, amount int64, direction Direction, category Category, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if direction != DirectionCredit && direction != DirectionDebit {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidTransaction, direction)
	}
	switch category {
	case CategoryTopUp, CategoryPayment, CategoryTransfer, CategoryRefund, CategoryEventPayment, CategoryWithdrawal:
	default:
		return nil, fmt.Errorf("%w: category %q", ErrInvalidTransaction, category)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: empty idempotency key", ErrInvalidTransaction)
	}

	return &Transaction{
		ID:             uuid.New(),
		WalletID:       walletID,
		UserID:         userID,
		Amount:         amount,
		Direction:      direction,
		Category:       category,
		Status:         TxStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Delta is the signed balance effect of the transaction.
func (t *Transaction) Delta() int64 {
	if t.Direction == DirectionDebit {
		return -t.Amount
	}
	return t.Amount
}

// Terminal reports whether the record can never change again.
func (t *Transaction) Terminal() bool {
	switch t.Status {
	case TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// transition enforces the monotonic state machine: no reversal out of a
// terminal state, and RECONCILIATION_REQUIRED resolves only to a terminal
// outcome.
func (t *Transaction) transition(to TxStatus) error {
	allowed := map[TxStatus][]TxStatus{
		TxStatusPending:                {TxStatusProcessing, TxStatusCompleted, TxStatusFailed, TxStatusCancelled, TxStatusReconciliationRequired},
		TxStatusProcessing:             {TxStatusCompleted, TxStatusFailed, TxStatusCancelled, TxStatusReconciliationRequired},
		TxStatusReconciliationRequired: {TxStatusCompleted, TxStatusFailed},
	}
	for _, s := range allowed[t.Status] {
		if s == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

// MarkProcessing moves the record into the in-flight state.
func (t *Transaction) MarkProcessing() error {
	if err := t.transition(TxStatusProcessing); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.ProcessingAt = &now
	return nil
}

// Complete finalizes the record with its bookkeeping. The before/after pair
// must account exactly for the amount in the record's direction.
func (t *Transaction) Complete(balanceBefore, balanceAfter int64) error {
	if balanceAfter-balanceBefore != t.Delta() {
		return fmt.Errorf("%w: before=%d after=%d amount=%d direction=%s",
			ErrLedgerMismatch, balanceBefore, balanceAfter, t.Amount, t.Direction)
	}
	if balanceAfter < 0 {
		return ErrInsufficientFunds
	}
	if err := t.transition(TxStatusCompleted); err != nil {
		return err
	}
	t.BalanceBefore = balanceBefore
	t.BalanceAfter = balanceAfter
	now := time.Now().UTC()
	t.CompletedAt = &now
	return nil
}

// Fail finalizes the record without any balance effect.
func (t *Transaction) Fail(detail string) error {
	if err := t.transition(TxStatusFailed); err != nil {
		return err
	}
	if detail != "" {
		t.ErrorDetail = &detail
	}
	now := time.Now().UTC()
	t.FailedAt = &now
	return nil
}

// Cancel finalizes a record the caller abandoned before settlement.
func (t *Transaction) Cancel() error {
	return t.transition(TxStatusCancelled)
}

// RequireReconciliation parks the record for out-of-band resolution when the
// gateway outcome could not be confirmed either way.
func (t *Transaction) RequireReconciliation(detail string) error {
	if err := t.transition(TxStatusReconciliationRequired); err != nil {
		return err
	}
	if detail != "" {
		t.ErrorDetail = &detail
	}
	return nil
}

// SetGatewayRef attaches the external processor's charge id.
func (t *Transaction) SetGatewayRef(ref string) {
	if ref != "" {
		t.GatewayRef = &ref
	}
}
