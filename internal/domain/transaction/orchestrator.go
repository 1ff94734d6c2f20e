package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/audit"
	"github.com/hackspree/hackspree-api/internal/pkg/gateway"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
	"github.com/hackspree/hackspree-api/internal/pkg/validator"
)

// Config carries the orchestrator's business knobs.
type Config struct {
	Currency string
	// DailySpendLimit caps completed debits per wallet per rolling 24h.
	// Zero disables the check.
	DailySpendLimit int64
	// GatewayMaxRetries bounds retries of transient gateway failures under
	// one idempotency key.
	GatewayMaxRetries int
	RetryBackoff      time.Duration
}

// Orchestrator executes one money-movement operation as a single atomic,
// idempotent unit. All collaborators are injected; the orchestrator owns no
// connections and performs no hidden state changes.
type Orchestrator struct {
	ledger  Ledger
	idem    IdempotencyStore
	locker  Locker
	gw      Gateway
	auditor Auditor
	uow     UnitOfWork
	cfg     Config
}

func NewOrchestrator(ledger Ledger, idem IdempotencyStore, locker Locker, gw Gateway, auditor Auditor, uow UnitOfWork, cfg Config) *Orchestrator {
	if cfg.GatewayMaxRetries <= 0 {
		cfg.GatewayMaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Orchestrator{ledger: ledger, idem: idem, locker: locker, gw: gw, auditor: auditor, uow: uow, cfg: cfg}
}

// plan is the category-specific shape of one operation.
type plan struct {
	debitWalletID  *uuid.UUID
	creditWalletID *uuid.UUID
	// needsCharge settles externally before crediting (top-ups).
	needsCharge bool
	// needsRefund reverses an external charge before crediting.
	needsRefund bool
}

// Submit runs the operation described by req exactly once per idempotency
// key. Terminal outcomes are persisted before they are reported, so a retry
// after a crash recovers the stored result instead of executing again.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Result, error) {
	p, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	claimed, existing, err := o.idem.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		if existing.InFlight() {
			return nil, ErrOperationInFlight
		}
		return o.replay(ctx, existing)
	}

	return o.execute(ctx, req, p)
}

func (o *Orchestrator) validate(req Request) (*plan, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	p := &plan{}
	switch req.Category {
	case wallet.CategoryTopUp:
		if req.DestinationWalletID == nil {
			return nil, fmt.Errorf("%w: destination wallet required for %s", ErrValidation, req.Category)
		}
		p.creditWalletID = req.DestinationWalletID
		p.needsCharge = true
	case wallet.CategoryRefund:
		if req.DestinationWalletID == nil {
			return nil, fmt.Errorf("%w: destination wallet required for %s", ErrValidation, req.Category)
		}
		p.creditWalletID = req.DestinationWalletID
		p.needsRefund = req.GatewayRef != ""
	case wallet.CategoryPayment, wallet.CategoryEventPayment, wallet.CategoryWithdrawal:
		if req.SourceWalletID == nil {
			return nil, fmt.Errorf("%w: source wallet required for %s", ErrValidation, req.Category)
		}
		p.debitWalletID = req.SourceWalletID
	case wallet.CategoryTransfer:
		if req.SourceWalletID == nil || req.DestinationWalletID == nil {
			return nil, fmt.Errorf("%w: transfer requires both wallets", ErrValidation)
		}
		if *req.SourceWalletID == *req.DestinationWalletID {
			return nil, fmt.Errorf("%w: transfer to the same wallet", ErrValidation)
		}
		p.debitWalletID = req.SourceWalletID
		p.creditWalletID = req.DestinationWalletID
	default:
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}

	if req.CoupledUpdate != nil && req.Category != wallet.CategoryEventPayment && req.Category != wallet.CategoryRefund {
		return nil, fmt.Errorf("%w: coupled update not supported for %s", ErrValidation, req.Category)
	}
	return p, nil
}

// replay serves a terminal outcome from the idempotency store unchanged.
func (o *Orchestrator) replay(ctx context.Context, rec *IdempotencyRecord) (*Result, error) {
	if !rec.TransactionID.Valid {
		return &Result{Status: wallet.TxStatus(rec.Status), Replayed: true}, nil
	}
	txn, err := o.ledger.GetTransaction(ctx, rec.TransactionID.UUID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		TransactionID: txn.ID,
		Status:        txn.Status,
		NewBalance:    txn.BalanceAfter,
		Replayed:      true,
	}
	if txn.GatewayRef != nil {
		res.GatewayRef = *txn.GatewayRef
	}
	log.Info().Str("idempotency_key", rec.Key).Str("status", string(txn.Status)).Msg("replayed stored outcome")
	return res, nil
}

// abandon releases the claim after a failure with no side effect, so the
// caller may retry the whole operation under the same key.
func (o *Orchestrator) abandon(ctx context.Context, key string, err error) error {
	if relErr := o.idem.Release(ctx, key); relErr != nil {
		log.Error().Err(relErr).Str("idempotency_key", key).Msg("idempotency release failed")
	}
	return err
}

func (o *Orchestrator) execute(ctx context.Context, req Request, p *plan) (*Result, error) {
	// Locks on every involved wallet, in canonical (sorted) order so
	// concurrent two-wallet transfers can never deadlock.
	lockIDs := walletLockOrder(p)
	var held []lock.Handle
	var stops []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			stops[i]()
			if err := held[i].Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				log.Warn().Err(err).Msg("wallet lock release failed")
			}
		}
	}
	for _, id := range lockIDs {
		h, err := o.locker.Acquire(ctx, "wallet:"+id.String())
		if err != nil {
			release()
			return nil, o.abandon(ctx, req.IdempotencyKey, err)
		}
		held = append(held, h)
		stops = append(stops, h.KeepAlive(ctx))
	}
	defer release()

	// Validation under the lock: statuses, funds, spend limit. No side
	// effect has occurred yet, so failures free the idempotency key.
	var srcWallet, dstWallet *wallet.Wallet
	var err error
	if p.debitWalletID != nil {
		if srcWallet, err = o.precheckDebit(ctx, *p.debitWalletID, req.Amount); err != nil {
			return nil, o.abandon(ctx, req.IdempotencyKey, err)
		}
	}
	if p.creditWalletID != nil {
		if dstWallet, err = o.precheckCredit(ctx, *p.creditWalletID); err != nil {
			return nil, o.abandon(ctx, req.IdempotencyKey, err)
		}
	}

	// Pending ledger records exist before any settlement so a terminal
	// status always has a row to land on.
	var debitRec, creditRec *wallet.Transaction
	if srcWallet != nil {
		if debitRec, err = wallet.NewTransaction(srcWallet.ID, req.ActorID, req.Amount, wallet.DirectionDebit, req.Category, req.IdempotencyKey); err != nil {
			return nil, o.abandon(ctx, req.IdempotencyKey, err)
		}
	}
	if dstWallet != nil {
		creditKey := req.IdempotencyKey
		if debitRec != nil {
			creditKey += "/credit"
		}
		if creditRec, err = wallet.NewTransaction(dstWallet.ID, req.ActorID, req.Amount, wallet.DirectionCredit, req.Category, creditKey); err != nil {
			return nil, o.abandon(ctx, req.IdempotencyKey, err)
		}
	}
	primary := debitRec
	if primary == nil {
		primary = creditRec
	}

	err = o.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range records(debitRec, creditRec) {
			if err := o.ledger.InsertTransaction(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, o.abandon(ctx, req.IdempotencyKey, fmt.Errorf("insert pending records: %w", err))
	}

	o.markProcessing(ctx, debitRec, creditRec)

	// External settlement. From here on every outcome is bound to the
	// idempotency key before it is reported.
	var gatewayRef string
	if p.needsCharge {
		charge, err := o.settleCharge(ctx, req)
		if err != nil {
			return nil, o.settleFailure(ctx, req, err, debitRec, creditRec)
		}
		gatewayRef = charge.ExternalID
		for _, rec := range records(debitRec, creditRec) {
			rec.SetGatewayRef(charge.ExternalID)
		}
	}
	if p.needsRefund {
		refund, err := o.settleRefund(ctx, req)
		if err != nil {
			return nil, o.settleFailure(ctx, req, err, debitRec, creditRec)
		}
		// The record's external reference is its own settlement, the refund
		// id, not the charge it reverses.
		gatewayRef = refund.RefundID
		creditRec.SetGatewayRef(refund.RefundID)
	}

	// Atomic commit: balance mutation(s), terminal record state, coupled
	// aggregate, idempotency outcome. One committed unit.
	var primaryBalance int64
	err = o.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		if debitRec != nil {
			newBalance, err := o.ledger.ApplyMutation(ctx, tx, srcWallet.ID, -req.Amount, srcWallet.Version)
			if err != nil {
				return err
			}
			if err := debitRec.Complete(newBalance+req.Amount, newBalance); err != nil {
				return err
			}
			if err := o.ledger.SaveTransactionState(ctx, tx, debitRec); err != nil {
				return err
			}
			primaryBalance = newBalance
		}
		if creditRec != nil {
			newBalance, err := o.ledger.ApplyMutation(ctx, tx, dstWallet.ID, req.Amount, dstWallet.Version)
			if err != nil {
				return err
			}
			if err := creditRec.Complete(newBalance-req.Amount, newBalance); err != nil {
				return err
			}
			if err := o.ledger.SaveTransactionState(ctx, tx, creditRec); err != nil {
				return err
			}
			if debitRec == nil {
				primaryBalance = newBalance
			}
		}
		if req.CoupledUpdate != nil {
			if err := req.CoupledUpdate(tx); err != nil {
				return fmt.Errorf("coupled update: %w", err)
			}
		}
		return o.idem.BindTx(ctx, tx, req.IdempotencyKey, primary.ID, wallet.TxStatusCompleted)
	})
	if err != nil {
		if p.needsCharge || p.needsRefund {
			// The external side already settled; only reconciliation may
			// decide this transaction now.
			return nil, o.parkForReconciliation(ctx, req, primary, debitRec, creditRec,
				fmt.Sprintf("settled externally but local commit failed: %v", err))
		}
		o.failRecords(ctx, err.Error(), debitRec, creditRec)
		if bindErr := o.idem.Bind(ctx, req.IdempotencyKey, primary.ID, wallet.TxStatusFailed); bindErr != nil {
			log.Error().Err(bindErr).Str("idempotency_key", req.IdempotencyKey).Msg("idempotency bind failed")
		}
		return nil, err
	}

	o.emitAudit(ctx, req, debitRec, creditRec)

	res := &Result{
		TransactionID: primary.ID,
		Status:        wallet.TxStatusCompleted,
		NewBalance:    primaryBalance,
		GatewayRef:    gatewayRef,
	}
	if debitRec != nil && creditRec != nil {
		res.LinkedTransactionID = &creditRec.ID
	}

	log.Info().
		Str("transaction_id", primary.ID.String()).
		Str("category", string(req.Category)).
		Int64("amount", req.Amount).
		Str("idempotency_key", req.IdempotencyKey).
		Msg("transaction completed")
	return res, nil
}

func (o *Orchestrator) precheckDebit(ctx context.Context, walletID uuid.UUID, amount int64) (*wallet.Wallet, error) {
	w, err := o.ledger.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status != wallet.StatusActive {
		return nil, wallet.ErrWalletSuspended
	}
	if w.Balance < amount {
		return nil, wallet.ErrInsufficientFunds
	}
	if o.cfg.DailySpendLimit > 0 {
		spent, err := o.ledger.SpentSince(ctx, walletID, time.Now().Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if spent+amount > o.cfg.DailySpendLimit {
			return nil, ErrSpendLimitExceeded
		}
	}
	return w, nil
}

func (o *Orchestrator) precheckCredit(ctx context.Context, walletID uuid.UUID) (*wallet.Wallet, error) {
	w, err := o.ledger.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status != wallet.StatusActive {
		return nil, wallet.ErrWalletSuspended
	}
	return w, nil
}

// settleCharge drives CreateCharge to a definitive answer: bounded retries
// for gateway-confirmed-transient failures, GetCharge resolution for
// ambiguous ones. An outcome that stays unknown surfaces as
// ErrReconciliationRequired, never as a guess.
func (o *Orchestrator) settleCharge(ctx context.Context, req Request) (*gateway.Charge, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.GatewayMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, o.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, lastErr)
			}
		}

		charge, err := o.gw.CreateCharge(ctx, req.IdempotencyKey, req.Amount, o.cfg.Currency, req.Metadata)
		if err == nil {
			switch charge.Status {
			case gateway.ChargeStatusSucceeded:
				return charge, nil
			case gateway.ChargeStatusPending:
				// Accepted but not settled; poll for the definitive state.
				resolved, rerr := o.queryCharge(ctx, req.IdempotencyKey)
				if rerr == nil {
					return resolved, nil
				}
				lastErr = rerr
				if errors.Is(rerr, ErrReconciliationRequired) || errors.Is(rerr, ErrGatewayDeclined) {
					return nil, rerr
				}
				continue
			default:
				return nil, fmt.Errorf("%w: %s", ErrGatewayDeclined, charge.Status)
			}
		}

		lastErr = err
		if gateway.IsAmbiguous(err) {
			resolved, rerr := o.queryCharge(ctx, req.IdempotencyKey)
			if rerr == nil {
				return resolved, nil
			}
			if errors.Is(rerr, errChargeAbsent) {
				// The ambiguous call never reached the gateway; safe to
				// retry under the same key.
				continue
			}
			return nil, rerr
		}
		if gateway.IsTransient(err) {
			log.Warn().Err(err).Int("attempt", attempt+1).Str("idempotency_key", req.IdempotencyKey).Msg("transient gateway failure")
			continue
		}
		// Definitive rejection.
		return nil, err
	}
	return nil, fmt.Errorf("gateway retries exhausted: %w", lastErr)
}

// errChargeAbsent signals that the gateway has no record of the charge.
var errChargeAbsent = errors.New("gateway has no record of the charge")

// queryCharge asks the gateway for the definitive state of a charge by its
// idempotency reference.
func (o *Orchestrator) queryCharge(ctx context.Context, reference string) (*gateway.Charge, error) {
	charge, err := o.gw.GetCharge(ctx, reference)
	if err != nil {
		// Cannot confirm either way.
		return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, err)
	}
	switch charge.Status {
	case gateway.ChargeStatusSucceeded:
		return charge, nil
	case gateway.ChargeStatusNotFound:
		return nil, errChargeAbsent
	case gateway.ChargeStatusFailed:
		return nil, fmt.Errorf("%w: confirmed failed", ErrGatewayDeclined)
	default:
		// Still pending on the gateway side.
		return nil, fmt.Errorf("%w: charge still pending", ErrReconciliationRequired)
	}
}

func (o *Orchestrator) settleRefund(ctx context.Context, req Request) (*gateway.Refund, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.GatewayMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, o.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, lastErr)
			}
		}
		refund, err := o.gw.RefundCharge(ctx, req.GatewayRef, req.Amount)
		if err == nil {
			return refund, nil
		}
		lastErr = err
		if gateway.IsAmbiguous(err) {
			return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, err)
		}
		if gateway.IsTransient(err) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("gateway retries exhausted: %w", lastErr)
}

// settleFailure writes the terminal status a failed settlement deserves:
// FAILED for definitive rejections, RECONCILIATION_REQUIRED when the outcome
// is unknown.
func (o *Orchestrator) settleFailure(ctx context.Context, req Request, cause error, debitRec, creditRec *wallet.Transaction) error {
	primary := firstRecord(debitRec, creditRec)
	if errors.Is(cause, ErrReconciliationRequired) {
		return o.parkForReconciliation(ctx, req, primary, debitRec, creditRec, cause.Error())
	}

	o.failRecords(ctx, cause.Error(), debitRec, creditRec)
	if err := o.idem.Bind(ctx, req.IdempotencyKey, primary.ID, wallet.TxStatusFailed); err != nil {
		log.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("idempotency bind failed")
	}
	o.auditor.Emit(ctx, audit.Record{
		Actor:        req.ActorID.String(),
		Action:       auditAction(req.Category),
		ResourceType: "transaction",
		ResourceID:   primary.ID.String(),
		Status:       string(wallet.TxStatusFailed),
	})
	return cause
}

func (o *Orchestrator) parkForReconciliation(ctx context.Context, req Request, primary *wallet.Transaction, debitRec, creditRec *wallet.Transaction, detail string) error {
	for _, rec := range records(debitRec, creditRec) {
		if err := rec.RequireReconciliation(detail); err != nil {
			log.Error().Err(err).Str("transaction_id", rec.ID.String()).Msg("reconciliation transition failed")
			continue
		}
		if err := o.ledger.SaveTransactionState(ctx, o.ledger.DB(), rec); err != nil {
			log.Error().Err(err).Str("transaction_id", rec.ID.String()).Msg("reconciliation state save failed")
		}
	}
	if err := o.idem.Bind(ctx, req.IdempotencyKey, primary.ID, wallet.TxStatusReconciliationRequired); err != nil {
		log.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("idempotency bind failed")
	}
	log.Error().
		Str("transaction_id", primary.ID.String()).
		Str("idempotency_key", req.IdempotencyKey).
		Str("detail", detail).
		Msg("transaction parked for reconciliation")
	return fmt.Errorf("%w: %s", ErrReconciliationRequired, detail)
}

func (o *Orchestrator) markProcessing(ctx context.Context, recs ...*wallet.Transaction) {
	for _, rec := range records(recs...) {
		if err := rec.MarkProcessing(); err != nil {
			continue
		}
		if err := o.ledger.SaveTransactionState(ctx, o.ledger.DB(), rec); err != nil {
			log.Warn().Err(err).Str("transaction_id", rec.ID.String()).Msg("processing state save failed")
		}
	}
}

func (o *Orchestrator) failRecords(ctx context.Context, detail string, recs ...*wallet.Transaction) {
	for _, rec := range records(recs...) {
		if err := rec.Fail(detail); err != nil {
			log.Error().Err(err).Str("transaction_id", rec.ID.String()).Msg("fail transition rejected")
			continue
		}
		if err := o.ledger.SaveTransactionState(ctx, o.ledger.DB(), rec); err != nil {
			log.Error().Err(err).Str("transaction_id", rec.ID.String()).Msg("failed state save failed")
		}
	}
}

func (o *Orchestrator) emitAudit(ctx context.Context, req Request, recs ...*wallet.Transaction) {
	for _, rec := range records(recs...) {
		o.auditor.Emit(ctx, audit.Record{
			Actor:         req.ActorID.String(),
			Action:        auditAction(req.Category),
			ResourceType:  "transaction",
			ResourceID:    rec.ID.String(),
			BalanceBefore: rec.BalanceBefore,
			BalanceAfter:  rec.BalanceAfter,
			Status:        string(rec.Status),
		})
	}
}

func walletLockOrder(p *plan) []uuid.UUID {
	var ids []uuid.UUID
	if p.debitWalletID != nil {
		ids = append(ids, *p.debitWalletID)
	}
	if p.creditWalletID != nil {
		ids = append(ids, *p.creditWalletID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func records(recs ...*wallet.Transaction) []*wallet.Transaction {
	out := recs[:0:0]
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func firstRecord(recs ...*wallet.Transaction) *wallet.Transaction {
	for _, r := range recs {
		if r != nil {
			return r
		}
	}
	return nil
}

func auditAction(category wallet.Category) string {
	switch category {
	case wallet.CategoryTopUp:
		return "wallet.topup"
	case wallet.CategoryPayment:
		return "wallet.payment"
	case wallet.CategoryTransfer:
		return "wallet.transfer"
	case wallet.CategoryRefund:
		return "wallet.refund"
	case wallet.CategoryEventPayment:
		return "wallet.event_payment"
	case wallet.CategoryWithdrawal:
		return "wallet.withdrawal"
	default:
		return "wallet.transaction"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
