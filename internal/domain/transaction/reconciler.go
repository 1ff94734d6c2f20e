package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/audit"
	"github.com/hackspree/hackspree-api/internal/pkg/gateway"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
)

// ReconcileStore is the slice of the wallet repository the reconciler needs.
type ReconcileStore interface {
	ListRequiringReconciliation(ctx context.Context, limit int) ([]*wallet.Transaction, error)
	ListStaleOpen(ctx context.Context, olderThan time.Time, limit int) ([]*wallet.Transaction, error)
	Get(ctx context.Context, walletID uuid.UUID) (*wallet.Wallet, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*wallet.Transaction, error)
	ApplyMutation(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, delta int64, expectedVersion int64) (int64, error)
	SaveTransactionState(ctx context.Context, ext sqlx.ExtContext, t *wallet.Transaction) error
	DB() sqlx.ExtContext
}

// Reconciler resolves transactions whose external settlement outcome was
// unknown at submit time. It queries the gateway for the definitive state
// and finishes the local bookkeeping the failed commit left undone.
type Reconciler struct {
	store      ReconcileStore
	gw         Gateway
	locker     Locker
	uow        UnitOfWork
	idem       IdempotencyStore
	auditor    Auditor
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
}

func NewReconciler(store ReconcileStore, gw Gateway, locker Locker, uow UnitOfWork, idem IdempotencyStore, auditor Auditor, interval, staleAfter time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reconciler{
		store:      store,
		gw:         gw,
		locker:     locker,
		uow:        uow,
		idem:       idem,
		auditor:    auditor,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  50,
	}
}

// Start runs reconciliation sweeps until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Sweep processes one batch of transactions awaiting reconciliation.
func (r *Reconciler) Sweep(ctx context.Context) error {
	recs, err := r.store.ListRequiringReconciliation(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := r.resolve(ctx, rec); err != nil {
			log.Warn().Err(err).Str("transaction_id", rec.ID.String()).Msg("transaction not yet resolvable")
		}
	}
	return r.sweepStale(ctx)
}

// sweepStale recovers operations a crashed submitter abandoned mid-flight.
// Their records sit in PENDING or PROCESSING and their idempotency keys in
// IN_FLIGHT, which fails every retry fast until resolved here. The cutoff
// exceeds the lock TTL, so a record past it has no live holder.
func (r *Reconciler) sweepStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.staleAfter)

	recs, err := r.store.ListStaleOpen(ctx, cutoff, r.batchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := r.resolveStale(ctx, rec); err != nil {
			log.Warn().Err(err).Str("transaction_id", rec.ID.String()).Msg("stale transaction not yet resolvable")
		}
	}

	released, err := r.idem.ReleaseStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if released > 0 {
		log.Info().Int64("count", released).Msg("released orphaned idempotency claims")
	}
	return nil
}

func (r *Reconciler) resolveStale(ctx context.Context, rec *wallet.Transaction) error {
	h, err := r.locker.Acquire(ctx, "wallet:"+rec.WalletID.String())
	if err != nil {
		if errors.Is(err, lock.ErrLockContention) {
			return nil
		}
		return err
	}
	stop := h.KeepAlive(ctx)
	defer func() {
		stop()
		if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Msg("wallet lock release failed")
		}
	}()

	// Re-read under the lock; the submitter may have finished between the
	// listing and now.
	cur, err := r.store.GetTransaction(ctx, rec.ID)
	if err != nil {
		return err
	}
	if cur.Status != wallet.TxStatusPending && cur.Status != wallet.TxStatusProcessing {
		return nil
	}
	rec = cur

	// An abandoned refund may have settled externally before the crash and
	// refunds cannot be queried back, so it goes to operator review.
	if rec.Category == wallet.CategoryRefund {
		if err := rec.RequireReconciliation("abandoned mid-flight, external refund outcome unknown"); err != nil {
			return err
		}
		if err := r.store.SaveTransactionState(ctx, r.store.DB(), rec); err != nil {
			return err
		}
		r.bind(ctx, rec, wallet.TxStatusReconciliationRequired)
		r.emit(ctx, rec)
		return nil
	}

	charge, err := r.gw.GetCharge(ctx, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	switch charge.Status {
	case gateway.ChargeStatusSucceeded:
		// The charge settled before the crash; finish the credit.
		if rec.GatewayRef == nil {
			rec.SetGatewayRef(charge.ExternalID)
		}
		return r.conclude(ctx, rec, true, "")
	case gateway.ChargeStatusFailed, gateway.ChargeStatusNotFound:
		// No money moved anywhere. Fail the record and bind the outcome so
		// a retry replays the definitive failure instead of wedging.
		return r.conclude(ctx, rec, false, "abandoned mid-flight with no settled charge")
	default:
		// Still pending on the gateway; next sweep decides.
		return nil
	}
}

func (r *Reconciler) resolve(ctx context.Context, rec *wallet.Transaction) error {
	h, err := r.locker.Acquire(ctx, "wallet:"+rec.WalletID.String())
	if err != nil {
		if errors.Is(err, lock.ErrLockContention) {
			// The wallet is busy; next sweep picks this row up again.
			return nil
		}
		return err
	}
	stop := h.KeepAlive(ctx)
	defer func() {
		stop()
		if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Msg("wallet lock release failed")
		}
	}()

	// Refund legs that never learned their external reference cannot be
	// resolved mechanically; they stay parked for operator review.
	if rec.Category == wallet.CategoryRefund && rec.GatewayRef == nil {
		log.Warn().Str("transaction_id", rec.ID.String()).Msg("refund outcome unknown, operator review required")
		return nil
	}

	settled := true
	if rec.Category != wallet.CategoryRefund {
		charge, err := r.gw.GetCharge(ctx, rec.IdempotencyKey)
		if err != nil {
			return err
		}
		switch charge.Status {
		case gateway.ChargeStatusSucceeded:
			if rec.GatewayRef == nil {
				rec.SetGatewayRef(charge.ExternalID)
			}
		case gateway.ChargeStatusFailed, gateway.ChargeStatusNotFound:
			settled = false
		default:
			// Still pending on the gateway; try again next sweep.
			return nil
		}
	}

	if !settled {
		return r.conclude(ctx, rec, false, "gateway confirmed charge did not settle")
	}
	return r.conclude(ctx, rec, true, "")
}

// conclude finishes the transaction: a settled charge gets its balance
// mutation applied and the record completed; an unsettled one is failed.
func (r *Reconciler) conclude(ctx context.Context, rec *wallet.Transaction, settled bool, detail string) error {
	if !settled {
		if err := rec.Fail(detail); err != nil {
			return err
		}
		if err := r.store.SaveTransactionState(ctx, r.store.DB(), rec); err != nil {
			return err
		}
		r.bind(ctx, rec, wallet.TxStatusFailed)
		r.emit(ctx, rec)
		log.Info().Str("transaction_id", rec.ID.String()).Msg("reconciled as failed")
		return nil
	}

	w, err := r.store.Get(ctx, rec.WalletID)
	if err != nil {
		return err
	}
	err = r.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		newBalance, err := r.store.ApplyMutation(ctx, tx, w.ID, rec.Delta(), w.Version)
		if err != nil {
			return err
		}
		if err := rec.Complete(newBalance-rec.Delta(), newBalance); err != nil {
			return err
		}
		return r.store.SaveTransactionState(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	r.bind(ctx, rec, wallet.TxStatusCompleted)
	r.emit(ctx, rec)
	log.Info().Str("transaction_id", rec.ID.String()).Int64("amount", rec.Amount).Msg("reconciled as completed")
	return nil
}

func (r *Reconciler) bind(ctx context.Context, rec *wallet.Transaction, status wallet.TxStatus) {
	if err := r.idem.Bind(ctx, rec.IdempotencyKey, rec.ID, status); err != nil {
		log.Error().Err(err).Str("idempotency_key", rec.IdempotencyKey).Msg("idempotency bind failed")
	}
}

func (r *Reconciler) emit(ctx context.Context, rec *wallet.Transaction) {
	r.auditor.Emit(ctx, audit.Record{
		Actor:         rec.UserID.String(),
		Action:        "wallet.reconcile",
		ResourceType:  "transaction",
		ResourceID:    rec.ID.String(),
		BalanceBefore: rec.BalanceBefore,
		BalanceAfter:  rec.BalanceAfter,
		Status:        string(rec.Status),
	})
}
