package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository is the Ledger Store: wallet rows plus the append-only
// transaction log. Balance mutations and their transaction records are
// written inside one database transaction supplied by the caller, so the
// ledger and the balance can never disagree.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureWallet creates the user's wallet if it does not exist yet and
// returns it. Wallets start active with a zero balance.
func (r *Repository) EnsureWallet(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency, status, version)
		VALUES ($1, $2, 0, $3, 'active', 0)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID, currency)
	if err != nil {
		return nil, err
	}
	return r.GetByUser(ctx, userID)
}

func (r *Repository) Get(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE id = $1`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) GetByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetForUpdate row-locks the wallet inside tx for the duration of the
// database transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := tx.GetContext(ctx, &w, `SELECT * FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ApplyMutation moves the wallet balance by delta under the row lock.
// Fails with ErrInsufficientFunds if a debit would drive the balance
// negative, ErrWalletSuspended for a non-active wallet, and
// ErrVersionConflict when expectedVersion is stale. Returns the new balance.
func (r *Repository) ApplyMutation(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, delta int64, expectedVersion int64) (int64, error) {
	w, err := r.GetForUpdate(ctx, tx, walletID)
	if err != nil {
		return 0, err
	}
	if w.Status != StatusActive {
		return 0, ErrWalletSuspended
	}
	if w.Version != expectedVersion {
		return 0, ErrVersionConflict
	}

	newBalance := w.Balance + delta
	if newBalance < 0 {
		return 0, ErrInsufficientFunds
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, newBalance, walletID, expectedVersion)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return newBalance, nil
}

// UpdateStatus suspends or reactivates a wallet. Wallets are never deleted.
func (r *Repository) UpdateStatus(ctx context.Context, walletID uuid.UUID, status Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wallets SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, walletID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// InsertTransaction appends a ledger record inside tx.
func (r *Repository) InsertTransaction(ctx context.Context, tx *sqlx.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, user_id, amount, direction, category, status,
			 balance_before, balance_after, idempotency_key, gateway_ref,
			 error_detail, created_at, processing_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.WalletID, t.UserID, t.Amount, t.Direction, t.Category, t.Status,
		t.BalanceBefore, t.BalanceAfter, t.IdempotencyKey, t.GatewayRef,
		t.ErrorDetail, t.CreatedAt, t.ProcessingAt, t.CompletedAt, t.FailedAt)
	return err
}

// SaveTransactionState persists the current status, bookkeeping and
// timestamps of an existing record. Runs on the bare pool when no ambient
// transaction applies (e.g. writing a FAILED record after a rollback).
func (r *Repository) SaveTransactionState(ctx context.Context, ext sqlx.ExtContext, t *Transaction) error {
	res, err := ext.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET status = $1, balance_before = $2, balance_after = $3,
		    gateway_ref = $4, error_detail = $5,
		    processing_at = $6, completed_at = $7, failed_at = $8
		WHERE id = $9
	`, t.Status, t.BalanceBefore, t.BalanceAfter,
		t.GatewayRef, t.ErrorDetail,
		t.ProcessingAt, t.CompletedAt, t.FailedAt, t.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DB exposes the pool as an ExtContext for SaveTransactionState callers.
func (r *Repository) DB() sqlx.ExtContext {
	return r.db
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var t Transaction
	err := r.db.GetContext(ctx, &t, `SELECT * FROM wallet_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error) {
	var txns []*Transaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT * FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	return txns, err
}

// ListRequiringReconciliation returns parked records for the reconcile job,
// oldest first.
func (r *Repository) ListRequiringReconciliation(ctx context.Context, limit int) ([]*Transaction, error) {
	var txns []*Transaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT * FROM wallet_transactions
		WHERE status = 'RECONCILIATION_REQUIRED'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	return txns, err
}

// ListStaleOpen returns records still PENDING or PROCESSING past the cutoff.
// Their submitter died before reaching an outcome; the reconcile job picks
// them up. Oldest first.
func (r *Repository) ListStaleOpen(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	var txns []*Transaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT * FROM wallet_transactions
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	return txns, err
}

// SumCompletedDeltas computes the signed sum of all committed ledger entries
// for a wallet. For a wallet that started at zero this equals the current
// balance; the property tests rely on it.
func (r *Repository) SumCompletedDeltas(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(CASE direction WHEN 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'COMPLETED'
	`, walletID)
	return sum, err
}

// SpentSince sums completed debits after the cutoff, for per-period spend
// limit checks.
func (r *Repository) SpentSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int64, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND direction = 'DEBIT' AND status = 'COMPLETED'
		  AND completed_at >= $2
	`, walletID, since)
	return sum, err
}
