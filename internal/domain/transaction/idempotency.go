package transaction

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
)

// IdempotencyRecord maps an operation key to its outcome. A repeated
// submission with the same key converges to the stored outcome instead of
// executing again.
type IdempotencyRecord struct {
	Key           string        `db:"key"`
	Status        string        `db:"status"`
	TransactionID uuid.NullUUID `db:"transaction_id"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

const idempotencyInFlight = "IN_FLIGHT"

// InFlight reports whether the owning operation has not reached a terminal
// outcome yet.
func (r *IdempotencyRecord) InFlight() bool {
	return r.Status == idempotencyInFlight
}

// PgIdempotencyStore persists idempotency keys in Postgres. The primary key
// on the key column makes Claim a race-safe insert.
type PgIdempotencyStore struct {
	db *sqlx.DB
}

func NewPgIdempotencyStore(db *sqlx.DB) *PgIdempotencyStore {
	return &PgIdempotencyStore{db: db}
}

func (s *PgIdempotencyStore) Claim(ctx context.Context, key string) (bool, *IdempotencyRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, status)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, idempotencyInFlight)
	if err != nil {
		return false, nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if inserted == 1 {
		return true, nil, nil
	}

	var rec IdempotencyRecord
	err = s.db.GetContext(ctx, &rec, `SELECT * FROM idempotency_keys WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		// Claim row released between our insert and read; treat as in flight
		// and let the caller retry.
		return false, &IdempotencyRecord{Key: key, Status: idempotencyInFlight}, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, &rec, nil
}

func (s *PgIdempotencyStore) BindTx(ctx context.Context, tx *sqlx.Tx, key string, txID uuid.UUID, status wallet.TxStatus) error {
	return bindOutcome(ctx, tx, key, txID, status)
}

func (s *PgIdempotencyStore) Bind(ctx context.Context, key string, txID uuid.UUID, status wallet.TxStatus) error {
	return bindOutcome(ctx, s.db, key, txID, status)
}

func bindOutcome(ctx context.Context, ext sqlx.ExtContext, key string, txID uuid.UUID, status wallet.TxStatus) error {
	_, err := ext.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, transaction_id = $2, updated_at = NOW()
		WHERE key = $3
	`, string(status), txID, key)
	return err
}

func (s *PgIdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE key = $1 AND status = $2
	`, key, idempotencyInFlight)
	return err
}

// ReleaseStale removes IN_FLIGHT claims whose holder died before inserting
// any ledger record. Claims with a record are resolved through that record
// by the reconciler, never dropped here.
func (s *PgIdempotencyStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys k
		WHERE k.status = $1
		  AND k.created_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_transactions t WHERE t.idempotency_key = k.key
		  )
	`, idempotencyInFlight, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
