package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hackspree/hackspree-api/internal/domain/transaction"
	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
)

// ---- fakes ----

type fakeStore struct {
	events map[uuid.UUID]*Event
	regs   map[uuid.UUID]*Registration
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[uuid.UUID]*Event), regs: make(map[uuid.UUID]*Registration)}
}

func (f *fakeStore) addEvent(e *Event) *Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.events[e.ID] = e
	return e
}

func (f *fakeStore) CreateEvent(_ context.Context, e *Event) error {
	f.events[e.ID] = e
	return nil
}

func (f *fakeStore) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) TakeSeatTx(_ context.Context, _ *sqlx.Tx, eventID uuid.UUID) error {
	e := f.events[eventID]
	if e == nil || e.Status == StatusClosed || e.CurrentParticipants >= e.MaxParticipants {
		return ErrEventFull
	}
	e.CurrentParticipants++
	if e.CurrentParticipants >= e.MaxParticipants {
		e.Status = StatusFull
	}
	return nil
}

func (f *fakeStore) FreeSeatTx(_ context.Context, _ *sqlx.Tx, eventID uuid.UUID) error {
	e := f.events[eventID]
	if e.CurrentParticipants > 0 {
		e.CurrentParticipants--
	}
	if e.Status == StatusFull {
		e.Status = StatusOpen
	}
	return nil
}

func (f *fakeStore) GetRegistration(_ context.Context, id uuid.UUID) (*Registration, error) {
	reg, ok := f.regs[id]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	cp := *reg
	return &cp, nil
}

func (f *fakeStore) GetActiveRegistration(_ context.Context, eventID, userID uuid.UUID) (*Registration, error) {
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.UserID == userID && reg.Active() {
			cp := *reg
			return &cp, nil
		}
	}
	return nil, ErrRegistrationNotFound
}

func (f *fakeStore) InsertRegistration(_ context.Context, reg *Registration) error {
	cp := *reg
	f.regs[reg.ID] = &cp
	return nil
}

func (f *fakeStore) InsertRegistrationTx(_ context.Context, _ *sqlx.Tx, reg *Registration) error {
	cp := *reg
	f.regs[reg.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateRegistrationTx(_ context.Context, _ *sqlx.Tx, reg *Registration) error {
	cp := *reg
	f.regs[reg.ID] = &cp
	return nil
}

func (f *fakeStore) SetRegistrationTransaction(_ context.Context, regID, txnID uuid.UUID) error {
	if reg, ok := f.regs[regID]; ok {
		reg.TransactionID = &txnID
	}
	return nil
}

func (f *fakeStore) CountWaitlisted(_ context.Context, eventID uuid.UUID) (int, error) {
	n := 0
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.Status == RegStatusWaitlisted {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) WaitlistHead(_ context.Context, eventID uuid.UUID) (*Registration, error) {
	var head *Registration
	for _, reg := range f.regs {
		if reg.EventID != eventID || reg.Status != RegStatusWaitlisted || reg.WaitlistPosition == nil {
			continue
		}
		if head == nil || *reg.WaitlistPosition < *head.WaitlistPosition {
			head = reg
		}
	}
	if head == nil {
		return nil, ErrRegistrationNotFound
	}
	cp := *head
	return &cp, nil
}

func (f *fakeStore) ShiftWaitlistTx(_ context.Context, _ *sqlx.Tx, eventID uuid.UUID, fromPosition int) error {
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.Status == RegStatusWaitlisted && reg.WaitlistPosition != nil && *reg.WaitlistPosition > fromPosition {
			p := *reg.WaitlistPosition - 1
			reg.WaitlistPosition = &p
		}
	}
	return nil
}

func (f *fakeStore) ListExpiredClaims(_ context.Context, now time.Time, limit int) ([]*Registration, error) {
	var out []*Registration
	for _, reg := range f.regs {
		if reg.Status == RegStatusPromoted && reg.ClaimDeadline != nil && reg.ClaimDeadline.Before(now) {
			cp := *reg
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakePayments struct {
	requests []transaction.Request
	err      error
}

func (f *fakePayments) Submit(_ context.Context, req transaction.Request) (*transaction.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if req.CoupledUpdate != nil {
		if err := req.CoupledUpdate(nil); err != nil {
			return nil, err
		}
	}
	return &transaction.Result{TransactionID: uuid.New(), Status: wallet.TxStatusCompleted, NewBalance: 0}, nil
}

type fakeHandle struct{ release func() }

func (h *fakeHandle) Release(context.Context) error { h.release(); return nil }
func (h *fakeHandle) Refresh(context.Context) error { return nil }
func (h *fakeHandle) KeepAlive(context.Context) (stop func()) { return func() {} }

type fakeLocker struct {
	held    map[string]bool
	contend map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool), contend: make(map[string]bool)}
}

func (f *fakeLocker) Acquire(_ context.Context, key string) (lock.Handle, error) {
	if f.held[key] || f.contend[key] {
		return nil, lock.ErrLockContention
	}
	f.held[key] = true
	return &fakeHandle{release: func() { f.held[key] = false }}, nil
}

type fakeUOW struct{}

func (fakeUOW) Transact(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type fixture struct {
	store    *fakeStore
	payments *fakePayments
	locker   *fakeLocker
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{store: newFakeStore(), payments: &fakePayments{}, locker: newFakeLocker()}
	f.svc = NewService(f.store, f.payments, f.locker, fakeUOW{}, 30*time.Minute, 48*time.Hour)
	return f
}

func openEvent(price int64, max int) *Event {
	return &Event{
		ID:                   uuid.New(),
		Name:                 "intro to systems programming",
		Price:                price,
		MaxParticipants:      max,
		WaitlistEnabled:      true,
		WaitlistCapacity:     10,
		RefundPolicy:         RefundFull,
		RefundPercent:        100,
		CancellationCutoff:   24 * time.Hour,
		StartTime:            time.Now().Add(72 * time.Hour),
		RegistrationDeadline: time.Now().Add(48 * time.Hour),
		Status:               StatusOpen,
	}
}

// ---- tests ----

func TestRegisterTakesSeatAndCharges(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(2000, 10))
	userID, walletID := uuid.New(), uuid.New()

	reg, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: userID, WalletID: walletID, IdempotencyKey: "reg-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != RegStatusRegistered {
		t.Errorf("status = %s, want REGISTERED", reg.Status)
	}
	if reg.AmountPaid != 2000 {
		t.Errorf("amount paid = %d, want 2000", reg.AmountPaid)
	}
	if f.store.events[e.ID].CurrentParticipants != 1 {
		t.Errorf("participants = %d, want 1", f.store.events[e.ID].CurrentParticipants)
	}
	if len(f.payments.requests) != 1 {
		t.Fatalf("payments = %d, want 1", len(f.payments.requests))
	}
	req := f.payments.requests[0]
	if req.Category != wallet.CategoryEventPayment || req.Amount != 2000 {
		t.Errorf("payment = %s/%d", req.Category, req.Amount)
	}
	if f.store.regs[reg.ID].TransactionID == nil {
		t.Error("registration not linked to its payment")
	}
}

func TestRegisterFreeEventSkipsPayment(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(0, 10))

	reg, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), IdempotencyKey: "reg-2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != RegStatusRegistered {
		t.Errorf("status = %s", reg.Status)
	}
	if len(f.payments.requests) != 0 {
		t.Errorf("free event produced %d payments", len(f.payments.requests))
	}
}

func TestRegisterFullEventJoinsWaitlistAtPositionOne(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1
	e.Status = StatusFull
	f.store.addEvent(e)

	reg, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), IdempotencyKey: "reg-3"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != RegStatusWaitlisted {
		t.Errorf("status = %s, want WAITLISTED", reg.Status)
	}
	if reg.WaitlistPosition == nil || *reg.WaitlistPosition != 1 {
		t.Errorf("position = %v, want 1", reg.WaitlistPosition)
	}
	if len(f.payments.requests) != 0 {
		t.Error("waitlisted user must not pay")
	}
}

func TestRegisterFullEventWithoutWaitlistFails(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1
	e.WaitlistEnabled = false
	f.store.addEvent(e)

	_, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), IdempotencyKey: "reg-4"})
	if !errors.Is(err, ErrEventFull) {
		t.Fatalf("err = %v, want ErrEventFull", err)
	}
}

func TestRegisterPaymentFailureLeavesNoState(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(2000, 10))
	f.payments.err = wallet.ErrInsufficientFunds

	_, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), IdempotencyKey: "reg-5"})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
	if f.store.events[e.ID].CurrentParticipants != 0 {
		t.Errorf("participants = %d after failed payment", f.store.events[e.ID].CurrentParticipants)
	}
	if n, _ := f.store.CountWaitlisted(context.Background(), e.ID); n != 0 {
		t.Errorf("waitlist depth = %d", n)
	}
}

func TestRegisterTwiceRejected(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(0, 10))
	userID := uuid.New()

	if _, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: userID, WalletID: uuid.New(), IdempotencyKey: "reg-6"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: userID, WalletID: uuid.New(), IdempotencyKey: "reg-7"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterClosedEventRejected(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 10)
	e.RegistrationDeadline = time.Now().Add(-time.Hour)
	f.store.addEvent(e)

	_, err := f.svc.Register(context.Background(), RegisterInput{EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), IdempotencyKey: "reg-8"})
	if !errors.Is(err, ErrEventClosed) {
		t.Fatalf("err = %v, want ErrEventClosed", err)
	}
}

func TestCancelPartialRefundArithmetic(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 10)
	e.RefundPolicy = RefundPartial
	e.RefundPercent = 50
	e.CurrentParticipants = 1
	f.store.addEvent(e)
	reg := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), AmountPaid: 2000, Status: RegStatusRegistered}
	f.store.regs[reg.ID] = reg

	refund, err := f.svc.Cancel(context.Background(), reg.ID, "cancel-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if refund != 1000 {
		t.Errorf("refund = %d, want 1000", refund)
	}
	if len(f.payments.requests) != 1 {
		t.Fatalf("payments = %d, want 1", len(f.payments.requests))
	}
	req := f.payments.requests[0]
	if req.Category != wallet.CategoryRefund || req.Amount != 1000 {
		t.Errorf("refund request = %s/%d", req.Category, req.Amount)
	}
	if f.store.regs[reg.ID].Status != RegStatusCancelled {
		t.Errorf("status = %s", f.store.regs[reg.ID].Status)
	}
	if f.store.events[e.ID].CurrentParticipants != 0 {
		t.Errorf("seat not freed: %d", f.store.events[e.ID].CurrentParticipants)
	}
}

func TestCancelPromotesWaitlistHeadAndShifts(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1
	e.Status = StatusFull
	f.store.addEvent(e)
	seated := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), AmountPaid: 2000, Status: RegStatusRegistered}
	f.store.regs[seated.ID] = seated
	p1, p2 := 1, 2
	first := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusWaitlisted, WaitlistPosition: &p1}
	second := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusWaitlisted, WaitlistPosition: &p2}
	f.store.regs[first.ID] = first
	f.store.regs[second.ID] = second

	if _, err := f.svc.Cancel(context.Background(), seated.ID, "cancel-2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	promoted := f.store.regs[first.ID]
	if promoted.Status != RegStatusPromoted {
		t.Errorf("head status = %s, want PROMOTED", promoted.Status)
	}
	if promoted.ClaimDeadline == nil {
		t.Error("promoted entry has no claim deadline")
	}
	shifted := f.store.regs[second.ID]
	if shifted.WaitlistPosition == nil || *shifted.WaitlistPosition != 1 {
		t.Errorf("second entry position = %v, want 1", shifted.WaitlistPosition)
	}
	// The freed seat stays reserved for the promoted user.
	if f.store.events[e.ID].CurrentParticipants != 1 {
		t.Errorf("participants = %d, want 1 (seat reserved)", f.store.events[e.ID].CurrentParticipants)
	}
}

func TestCancelPastCutoffRejected(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 10)
	e.StartTime = time.Now().Add(12 * time.Hour) // inside the 24h cutoff
	e.CurrentParticipants = 1
	f.store.addEvent(e)
	reg := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), AmountPaid: 2000, Status: RegStatusRegistered}
	f.store.regs[reg.ID] = reg

	_, err := f.svc.Cancel(context.Background(), reg.ID, "cancel-3")
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
	if f.store.regs[reg.ID].Status != RegStatusRegistered {
		t.Errorf("status changed to %s", f.store.regs[reg.ID].Status)
	}
}

func TestCancelWaitlistedLeavesQueue(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(2000, 1))
	p1, p2 := 1, 2
	first := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusWaitlisted, WaitlistPosition: &p1}
	second := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusWaitlisted, WaitlistPosition: &p2}
	f.store.regs[first.ID] = first
	f.store.regs[second.ID] = second

	refund, err := f.svc.Cancel(context.Background(), first.ID, "cancel-4")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if refund != 0 {
		t.Errorf("refund = %d for a waitlisted entry", refund)
	}
	if got := f.store.regs[second.ID].WaitlistPosition; got == nil || *got != 1 {
		t.Errorf("second entry position = %v, want 1", got)
	}
	if len(f.payments.requests) != 0 {
		t.Error("waitlist leave produced a payment")
	}
}

func TestConfirmPromotionChargesAndSeats(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1 // seat reserved by the promotion
	f.store.addEvent(e)
	deadline := time.Now().Add(time.Hour)
	reg := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusPromoted, ClaimDeadline: &deadline}
	f.store.regs[reg.ID] = reg
	walletID := uuid.New()

	got, err := f.svc.ConfirmPromotion(context.Background(), reg.ID, walletID, "confirm-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != RegStatusRegistered {
		t.Errorf("status = %s, want REGISTERED", got.Status)
	}
	if got.AmountPaid != 2000 {
		t.Errorf("amount paid = %d", got.AmountPaid)
	}
	if len(f.payments.requests) != 1 {
		t.Fatalf("payments = %d, want 1", len(f.payments.requests))
	}
	if f.store.events[e.ID].CurrentParticipants != 1 {
		t.Errorf("participants = %d, want 1 (reservation consumed, not doubled)", f.store.events[e.ID].CurrentParticipants)
	}
}

func TestConfirmPromotionAfterDeadlineRejected(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(2000, 1))
	deadline := time.Now().Add(-time.Minute)
	reg := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusPromoted, ClaimDeadline: &deadline}
	f.store.regs[reg.ID] = reg

	_, err := f.svc.ConfirmPromotion(context.Background(), reg.ID, uuid.New(), "confirm-2")
	if !errors.Is(err, ErrClaimExpired) {
		t.Fatalf("err = %v, want ErrClaimExpired", err)
	}
}

func TestExpireStaleClaimsPromotesNext(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1
	f.store.addEvent(e)
	lapsed := time.Now().Add(-time.Minute)
	expired := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusPromoted, ClaimDeadline: &lapsed}
	p1 := 1
	next := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusWaitlisted, WaitlistPosition: &p1}
	f.store.regs[expired.ID] = expired
	f.store.regs[next.ID] = next

	if err := f.svc.ExpireStaleClaims(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if f.store.regs[expired.ID].Status != RegStatusExpired {
		t.Errorf("lapsed entry status = %s, want EXPIRED", f.store.regs[expired.ID].Status)
	}
	if f.store.regs[next.ID].Status != RegStatusPromoted {
		t.Errorf("next entry status = %s, want PROMOTED", f.store.regs[next.ID].Status)
	}
	if f.store.events[e.ID].CurrentParticipants != 1 {
		t.Errorf("participants = %d, want 1 (reservation passed on)", f.store.events[e.ID].CurrentParticipants)
	}
}

func TestExpireStaleClaimsFreesSeatWhenQueueEmpty(t *testing.T) {
	f := newFixture()
	e := openEvent(2000, 1)
	e.CurrentParticipants = 1
	f.store.addEvent(e)
	lapsed := time.Now().Add(-time.Minute)
	expired := &Registration{ID: uuid.New(), EventID: e.ID, UserID: uuid.New(), WalletID: uuid.New(), Status: RegStatusPromoted, ClaimDeadline: &lapsed}
	f.store.regs[expired.ID] = expired

	if err := f.svc.ExpireStaleClaims(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if f.store.events[e.ID].CurrentParticipants != 0 {
		t.Errorf("participants = %d, want 0", f.store.events[e.ID].CurrentParticipants)
	}
}

func TestRegisterWithCardFundsWalletFirst(t *testing.T) {
	f := newFixture()
	e := f.store.addEvent(openEvent(2000, 10))
	userID, walletID := uuid.New(), uuid.New()

	reg, err := f.svc.Register(context.Background(), RegisterInput{
		EventID:        e.ID,
		UserID:         userID,
		WalletID:       walletID,
		PaymentMethod:  "card",
		IdempotencyKey: "reg-card",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != RegStatusRegistered {
		t.Errorf("status = %s", reg.Status)
	}
	if len(f.payments.requests) != 2 {
		t.Fatalf("payments = %d, want 2 (fund + debit)", len(f.payments.requests))
	}
	fund := f.payments.requests[0]
	if fund.Category != wallet.CategoryTopUp || fund.Amount != 2000 || fund.IdempotencyKey != "reg-card/fund" {
		t.Errorf("funding request = %s/%d/%s", fund.Category, fund.Amount, fund.IdempotencyKey)
	}
	if debit := f.payments.requests[1]; debit.Category != wallet.CategoryEventPayment {
		t.Errorf("debit category = %s", debit.Category)
	}
}

func TestCreateEventDefaultsCancellationCutoff(t *testing.T) {
	f := newFixture()
	in := CreateEventInput{
		Name:                 "career fair",
		Price:                1500,
		MaxParticipants:      200,
		RefundPolicy:         RefundFull,
		RefundPercent:        100,
		StartTime:            time.Now().Add(30 * 24 * time.Hour),
		RegistrationDeadline: time.Now().Add(29 * 24 * time.Hour),
	}

	e, err := f.svc.CreateEvent(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.CancellationCutoff != 48*time.Hour {
		t.Errorf("cutoff = %s, want the configured 48h default", e.CancellationCutoff)
	}

	in.Name = "career fair, early edition"
	in.CancellationCutoff = 2 * time.Hour
	e, err = f.svc.CreateEvent(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.CancellationCutoff != 2*time.Hour {
		t.Errorf("cutoff = %s, want the explicit 2h", e.CancellationCutoff)
	}
}
