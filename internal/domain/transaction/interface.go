package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/audit"
	"github.com/hackspree/hackspree-api/internal/pkg/gateway"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
)

// Ledger is the slice of the wallet repository the orchestrator needs.
type Ledger interface {
	Get(ctx context.Context, walletID uuid.UUID) (*wallet.Wallet, error)
	ApplyMutation(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, delta int64, expectedVersion int64) (int64, error)
	InsertTransaction(ctx context.Context, tx *sqlx.Tx, t *wallet.Transaction) error
	SaveTransactionState(ctx context.Context, ext sqlx.ExtContext, t *wallet.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*wallet.Transaction, error)
	SpentSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int64, error)
	DB() sqlx.ExtContext
}

// UnitOfWork commits a batch of writes atomically, rolling back on any
// step's failure.
type UnitOfWork interface {
	Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// Locker grants fail-fast per-resource mutual exclusion.
type Locker interface {
	Acquire(ctx context.Context, resourceKey string) (lock.Handle, error)
}

// Gateway is the external payment processor boundary.
type Gateway interface {
	CreateCharge(ctx context.Context, idempotencyKey string, amount int64, currency string, metadata map[string]string) (*gateway.Charge, error)
	RefundCharge(ctx context.Context, externalID string, amount int64) (*gateway.Refund, error)
	GetCharge(ctx context.Context, reference string) (*gateway.Charge, error)
}

// Auditor records money-affecting actions, best effort.
type Auditor interface {
	Emit(ctx context.Context, rec audit.Record)
}

// IdempotencyStore maps an operation key to its terminal outcome.
type IdempotencyStore interface {
	// Claim reserves the key. claimed is true when this caller owns the
	// key; otherwise existing holds the prior record.
	Claim(ctx context.Context, key string) (claimed bool, existing *IdempotencyRecord, err error)
	// BindTx persists the terminal outcome inside the commit transaction,
	// so a crash after commit still replays the stored result.
	BindTx(ctx context.Context, tx *sqlx.Tx, key string, txID uuid.UUID, status wallet.TxStatus) error
	// Bind persists a terminal outcome outside any ambient transaction
	// (FAILED and RECONCILIATION_REQUIRED records).
	Bind(ctx context.Context, key string, txID uuid.UUID, status wallet.TxStatus) error
	// Release frees a claim when the operation ends with no side effect
	// (validation failure, lock contention), so a corrected retry with the
	// same key can run.
	Release(ctx context.Context, key string) error
	// ReleaseStale frees IN_FLIGHT claims older than the cutoff that never
	// got a ledger record, so a crashed holder cannot wedge the key forever.
	ReleaseStale(ctx context.Context, olderThan time.Time) (released int64, err error)
}
