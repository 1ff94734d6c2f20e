package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/gateway"
)

func (f *fakeLedger) ListRequiringReconciliation(_ context.Context, limit int) ([]*wallet.Transaction, error) {
	var out []*wallet.Transaction
	for _, t := range f.transactions {
		if t.Status == wallet.TxStatusReconciliationRequired {
			cp := *t
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLedger) ListStaleOpen(_ context.Context, olderThan time.Time, limit int) ([]*wallet.Transaction, error) {
	var out []*wallet.Transaction
	for _, t := range f.transactions {
		open := t.Status == wallet.TxStatusPending || t.Status == wallet.TxStatusProcessing
		if open && t.CreatedAt.Before(olderThan) {
			cp := *t
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.ledger, f.gw, f.locker, f.uow, f.idem, f.auditor, time.Minute, 10*time.Minute)
}

func parkRecord(t *testing.T, f *fixture, w *wallet.Wallet, amount int64, key string) *wallet.Transaction {
	t.Helper()
	rec, err := wallet.NewTransaction(w.ID, w.UserID, amount, wallet.DirectionCredit, wallet.CategoryTopUp, key)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if err := rec.MarkProcessing(); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := rec.RequireReconciliation("outcome unknown"); err != nil {
		t.Fatalf("park: %v", err)
	}
	f.ledger.transactions[rec.ID] = rec
	f.idem.records[key] = &IdempotencyRecord{
		Key:           key,
		Status:        string(wallet.TxStatusReconciliationRequired),
		TransactionID: uuid.NullUUID{UUID: rec.ID, Valid: true},
	}
	return rec
}

func TestSweepCompletesSettledCharge(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := parkRecord(t, f, w, 1000, "rc-1")
	f.gw.queryStatus = gateway.ChargeStatusSucceeded

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.ledger.wallets[w.ID].Balance != 1000 {
		t.Errorf("balance = %d, want 1000", f.ledger.wallets[w.ID].Balance)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.BalanceBefore != 0 || got.BalanceAfter != 1000 {
		t.Errorf("bookkeeping = %d/%d, want 0/1000", got.BalanceBefore, got.BalanceAfter)
	}
	if f.idem.records["rc-1"].Status != string(wallet.TxStatusCompleted) {
		t.Errorf("idempotency status = %s", f.idem.records["rc-1"].Status)
	}
}

func TestSweepFailsUnsettledCharge(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := parkRecord(t, f, w, 1000, "rc-2")
	f.gw.queryStatus = gateway.ChargeStatusFailed

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.ledger.wallets[w.ID].Balance != 0 {
		t.Errorf("balance mutated: %d", f.ledger.wallets[w.ID].Balance)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
}

func TestSweepLeavesPendingChargeParked(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := parkRecord(t, f, w, 1000, "rc-3")
	f.gw.queryStatus = gateway.ChargeStatusPending

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusReconciliationRequired {
		t.Errorf("status = %s, want RECONCILIATION_REQUIRED", got.Status)
	}
	if f.ledger.wallets[w.ID].Balance != 0 {
		t.Errorf("balance mutated while pending: %d", f.ledger.wallets[w.ID].Balance)
	}
}

func TestSweepSkipsContendedWallet(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := parkRecord(t, f, w, 1000, "rc-4")
	f.locker.contend["wallet:"+w.ID.String()] = true
	f.gw.queryStatus = gateway.ChargeStatusSucceeded

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusReconciliationRequired {
		t.Errorf("contended wallet was touched, status = %s", got.Status)
	}
}

// abandonRecord simulates a submitter that died mid-operation: a PROCESSING
// record and a still IN_FLIGHT claim, both old enough for the stale sweep.
func abandonRecord(t *testing.T, f *fixture, w *wallet.Wallet, amount int64, dir wallet.Direction, cat wallet.Category, key string) *wallet.Transaction {
	t.Helper()
	rec, err := wallet.NewTransaction(w.ID, w.UserID, amount, dir, cat, key)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if err := rec.MarkProcessing(); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	rec.CreatedAt = time.Now().Add(-time.Hour)
	f.ledger.transactions[rec.ID] = rec
	f.idem.records[key] = &IdempotencyRecord{Key: key, Status: "IN_FLIGHT", CreatedAt: rec.CreatedAt}
	return rec
}

func TestSweepRecoversAbandonedTopUp(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := abandonRecord(t, f, w, 1000, wallet.DirectionCredit, wallet.CategoryTopUp, "dead-1")
	f.gw.queryStatus = gateway.ChargeStatusSucceeded

	req := Request{
		DestinationWalletID: &w.ID,
		ActorID:             w.UserID,
		Amount:              1000,
		Category:            wallet.CategoryTopUp,
		IdempotencyKey:      "dead-1",
	}
	if _, err := f.orch.Submit(context.Background(), req); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("retry before sweep: err = %v, want ErrOperationInFlight", err)
	}

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.ledger.wallets[w.ID].Balance != 1000 {
		t.Errorf("balance = %d, want 1000", f.ledger.wallets[w.ID].Balance)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}

	res, err := f.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("retry after sweep: %v", err)
	}
	if !res.Replayed || res.TransactionID != rec.ID || res.Status != wallet.TxStatusCompleted {
		t.Errorf("retry = %+v, want replay of %s", res, rec.ID)
	}
}

func TestSweepFailsAbandonedPayment(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(100, wallet.StatusActive)
	rec := abandonRecord(t, f, w, 30, wallet.DirectionDebit, wallet.CategoryPayment, "dead-2")

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if f.ledger.wallets[w.ID].Balance != 100 {
		t.Errorf("balance = %d, want 100 untouched", f.ledger.wallets[w.ID].Balance)
	}

	res, err := f.orch.Submit(context.Background(), Request{
		SourceWalletID: &w.ID,
		ActorID:        w.UserID,
		Amount:         30,
		Category:       wallet.CategoryPayment,
		IdempotencyKey: "dead-2",
	})
	if err != nil {
		t.Fatalf("retry after sweep: %v", err)
	}
	if !res.Replayed || res.Status != wallet.TxStatusFailed {
		t.Errorf("retry = %+v, want the replayed failure", res)
	}
}

func TestSweepParksAbandonedRefund(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(0, wallet.StatusActive)
	rec := abandonRecord(t, f, w, 500, wallet.DirectionCredit, wallet.CategoryRefund, "dead-3")

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusReconciliationRequired {
		t.Errorf("status = %s, want RECONCILIATION_REQUIRED", got.Status)
	}
	if f.idem.records["dead-3"].Status != string(wallet.TxStatusReconciliationRequired) {
		t.Errorf("idempotency status = %s", f.idem.records["dead-3"].Status)
	}
}

func TestSweepReleasesOrphanClaim(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(100, wallet.StatusActive)
	f.idem.records["ghost"] = &IdempotencyRecord{Key: "ghost", Status: "IN_FLIGHT", CreatedAt: time.Now().Add(-time.Hour)}

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := f.idem.records["ghost"]; ok {
		t.Fatal("orphan claim survived the sweep")
	}

	res, err := f.orch.Submit(context.Background(), Request{
		SourceWalletID: &w.ID,
		ActorID:        w.UserID,
		Amount:         10,
		Category:       wallet.CategoryPayment,
		IdempotencyKey: "ghost",
	})
	if err != nil {
		t.Fatalf("submit after release: %v", err)
	}
	if res.NewBalance != 90 {
		t.Errorf("balance = %d, want 90", res.NewBalance)
	}
}

func TestSweepLeavesFreshOperationsAlone(t *testing.T) {
	f := newFixture()
	w := f.ledger.addWallet(100, wallet.StatusActive)
	rec := abandonRecord(t, f, w, 30, wallet.DirectionDebit, wallet.CategoryPayment, "live-1")
	rec.CreatedAt = time.Now()
	f.idem.records["live-1"].CreatedAt = time.Now()

	if err := f.reconciler().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.ledger.GetTransaction(context.Background(), rec.ID)
	if got.Status != wallet.TxStatusProcessing {
		t.Errorf("fresh record touched, status = %s", got.Status)
	}
	if f.idem.records["live-1"] == nil || f.idem.records["live-1"].Status != "IN_FLIGHT" {
		t.Error("fresh claim touched by the sweep")
	}
}
