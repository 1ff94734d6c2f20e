package transaction

import (
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
)

// Request describes one money-movement operation. Which wallet fields are
// required depends on the category: credits (TOP_UP, REFUND) name a
// destination, debits (PAYMENT, EVENT_PAYMENT, WITHDRAWAL) a source, and
// TRANSFER both.
type Request struct {
	SourceWalletID      *uuid.UUID        `json:"source_wallet_id,omitempty"`
	DestinationWalletID *uuid.UUID        `json:"destination_wallet_id,omitempty"`
	ActorID             uuid.UUID         `json:"actor_id" validate:"required"`
	Amount              int64             `json:"amount" validate:"required,gt=0"`
	Category            wallet.Category   `json:"category" validate:"required,tx_category"`
	IdempotencyKey      string            `json:"idempotency_key" validate:"required"`
	GatewayRef          string            `json:"gateway_ref,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`

	// CoupledUpdate, when set, runs inside the commit transaction so a
	// dependent aggregate (event seat count) changes atomically with the
	// ledger. Its failure rolls the whole operation back.
	CoupledUpdate func(tx *sqlx.Tx) error `json:"-"`
}

// Result is the terminal outcome of a submitted operation.
type Result struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	// LinkedTransactionID is the credit leg of a transfer.
	LinkedTransactionID *uuid.UUID      `json:"linked_transaction_id,omitempty"`
	Status              wallet.TxStatus `json:"status"`
	NewBalance          int64           `json:"new_balance"`
	GatewayRef          string          `json:"gateway_ref,omitempty"`
	// Replayed is true when the result was served from the idempotency
	// store without re-executing.
	Replayed bool `json:"replayed"`
}
