package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/hackspree/hackspree-api/internal/domain/transaction"
	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
	"github.com/hackspree/hackspree-api/internal/pkg/validator"
)

// Service couples event capacity and waitlist state to orchestrated
// payments. Every capacity change commits in the same database transaction
// as the ledger write that pays for it, so a failed payment leaves no
// partial registration behind.
type Service struct {
	store         Store
	payments      PaymentCore
	locker        Locker
	uow           UnitOfWork
	claimWindow   time.Duration
	defaultCutoff time.Duration
}

// NewService wires the event aggregate. defaultCutoff applies to events
// created without an explicit cancellation cutoff.
func NewService(store Store, payments PaymentCore, locker Locker, uow UnitOfWork, claimWindow, defaultCutoff time.Duration) *Service {
	return &Service{
		store:         store,
		payments:      payments,
		locker:        locker,
		uow:           uow,
		claimWindow:   claimWindow,
		defaultCutoff: defaultCutoff,
	}
}

// CreateEventInput carries the admin-facing event definition.
type CreateEventInput struct {
	Name                 string        `json:"name" validate:"required,min=2,max=200"`
	Price                int64         `json:"price" validate:"gte=0"`
	MaxParticipants      int           `json:"max_participants" validate:"required,gt=0"`
	WaitlistEnabled      bool          `json:"waitlist_enabled"`
	WaitlistCapacity     int           `json:"waitlist_capacity" validate:"gte=0"`
	RefundPolicy         RefundPolicy  `json:"refund_policy" validate:"required,refund_policy"`
	RefundPercent        int           `json:"refund_percent" validate:"gte=0,lte=100"`
	CancellationCutoff   time.Duration `json:"cancellation_cutoff"`
	StartTime            time.Time     `json:"start_time" validate:"required"`
	RegistrationDeadline time.Time     `json:"registration_deadline" validate:"required"`
}

func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*Event, error) {
	if err := validator.Validate(in); err != nil {
		return nil, fmt.Errorf("%w: %v", transaction.ErrValidation, err)
	}
	cutoff := in.CancellationCutoff
	if cutoff == 0 {
		cutoff = s.defaultCutoff
	}
	e := &Event{
		ID:                   uuid.New(),
		Name:                 in.Name,
		Price:                in.Price,
		MaxParticipants:      in.MaxParticipants,
		WaitlistEnabled:      in.WaitlistEnabled,
		WaitlistCapacity:     in.WaitlistCapacity,
		RefundPolicy:         in.RefundPolicy,
		RefundPercent:        in.RefundPercent,
		CancellationCutoff:   cutoff,
		StartTime:            in.StartTime,
		RegistrationDeadline: in.RegistrationDeadline,
		Status:               StatusOpen,
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	log.Info().Str("event_id", e.ID.String()).Str("name", e.Name).Msg("event created")
	return e, nil
}

// RegisterInput describes one registration attempt. PaymentMethod "wallet"
// (the default) debits the wallet directly; "card" funds the wallet through
// the gateway first, then pays from it, so every purchase still lands in the
// ledger.
type RegisterInput struct {
	EventID        uuid.UUID `json:"event_id" validate:"required"`
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	WalletID       uuid.UUID `json:"wallet_id" validate:"required"`
	PaymentMethod  string    `json:"payment_method" validate:"omitempty,payment_method"`
	IdempotencyKey string    `json:"idempotency_key" validate:"required"`
}

// Register signs a user up for an event. With a free seat the registration
// and its payment commit atomically; when the event is full the user joins
// the waitlist FIFO without paying.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	if err := validator.Validate(in); err != nil {
		return nil, fmt.Errorf("%w: %v", transaction.ErrValidation, err)
	}

	unlock, err := s.lockEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !e.AcceptsRegistrations(now) {
		return nil, ErrEventClosed
	}
	if _, err := s.store.GetActiveRegistration(ctx, in.EventID, in.UserID); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, ErrRegistrationNotFound) {
		return nil, err
	}

	if e.HasSeat() {
		return s.registerSeated(ctx, e, in)
	}

	if !e.WaitlistEnabled {
		return nil, ErrEventFull
	}
	depth, err := s.store.CountWaitlisted(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if depth >= e.WaitlistCapacity {
		return nil, ErrEventFull
	}
	pos := depth + 1
	reg := &Registration{
		ID:               uuid.New(),
		EventID:          in.EventID,
		UserID:           in.UserID,
		WalletID:         in.WalletID,
		Status:           RegStatusWaitlisted,
		WaitlistPosition: &pos,
	}
	if err := s.store.InsertRegistration(ctx, reg); err != nil {
		return nil, err
	}
	log.Info().
		Str("event_id", in.EventID.String()).
		Str("user_id", in.UserID.String()).
		Int("position", pos).
		Msg("user waitlisted")
	return reg, nil
}

func (s *Service) registerSeated(ctx context.Context, e *Event, in RegisterInput) (*Registration, error) {
	userID, walletID, idempotencyKey := in.UserID, in.WalletID, in.IdempotencyKey
	reg := &Registration{
		ID:         uuid.New(),
		EventID:    e.ID,
		UserID:     userID,
		WalletID:   walletID,
		AmountPaid: e.Price,
		Status:     RegStatusRegistered,
	}
	coupled := func(tx *sqlx.Tx) error {
		if err := s.store.TakeSeatTx(ctx, tx, e.ID); err != nil {
			return err
		}
		return s.store.InsertRegistrationTx(ctx, tx, reg)
	}

	if e.Price == 0 {
		if err := s.uow.Transact(ctx, coupled); err != nil {
			return nil, err
		}
		log.Info().Str("event_id", e.ID.String()).Str("user_id", userID.String()).Msg("user registered, free event")
		return reg, nil
	}

	// Card purchases route through the wallet: a gateway-backed top-up for
	// the price, then the usual wallet debit. Both steps are idempotent
	// under derived keys, so a retry after a partial failure converges.
	if in.PaymentMethod == "card" {
		if _, err := s.payments.Submit(ctx, transaction.Request{
			DestinationWalletID: &walletID,
			ActorID:             userID,
			Amount:              e.Price,
			Category:            wallet.CategoryTopUp,
			IdempotencyKey:      idempotencyKey + "/fund",
			Metadata:            map[string]string{"event_id": e.ID.String()},
		}); err != nil {
			return nil, err
		}
	}

	res, err := s.payments.Submit(ctx, transaction.Request{
		SourceWalletID: &walletID,
		ActorID:        userID,
		Amount:         e.Price,
		Category:       wallet.CategoryEventPayment,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{"event_id": e.ID.String()},
		CoupledUpdate:  coupled,
	})
	if err != nil {
		return nil, err
	}
	s.linkTransaction(ctx, reg, res.TransactionID)
	log.Info().
		Str("event_id", e.ID.String()).
		Str("user_id", userID.String()).
		Int64("amount", e.Price).
		Msg("user registered")
	return reg, nil
}

// Cancel removes a registration. A seated participant gets a policy-based
// refund, the seat frees, and the waitlist head is promoted into a claim
// window. A waitlisted entry just leaves the queue. Returns the refunded
// amount.
func (s *Service) Cancel(ctx context.Context, registrationID uuid.UUID, idempotencyKey string) (int64, error) {
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return 0, err
	}
	if !reg.Active() {
		return 0, ErrRegistrationNotFound
	}

	unlock, err := s.lockEvent(ctx, reg.EventID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	// Reload under the lock; the unlocked read only located the event.
	if reg, err = s.store.GetRegistration(ctx, registrationID); err != nil {
		return 0, err
	}
	e, err := s.store.GetEvent(ctx, reg.EventID)
	if err != nil {
		return 0, err
	}

	switch reg.Status {
	case RegStatusWaitlisted:
		return 0, s.leaveWaitlist(ctx, reg)
	case RegStatusPromoted:
		return 0, s.declinePromotion(ctx, e, reg)
	case RegStatusRegistered:
		return s.cancelSeated(ctx, e, reg, idempotencyKey)
	default:
		return 0, ErrRegistrationNotFound
	}
}

func (s *Service) cancelSeated(ctx context.Context, e *Event, reg *Registration, idempotencyKey string) (int64, error) {
	now := time.Now().UTC()
	if !e.Cancellable(now) {
		return 0, ErrNotCancellable
	}
	refund := e.RefundAmount(reg.AmountPaid)

	// The freed seat passes straight to the waitlist head as a reserved
	// claim; it only becomes generally available when the waitlist is
	// empty. Direct registrants cannot snatch it out from under a
	// promoted user.
	coupled := func(tx *sqlx.Tx) error {
		reg.Status = RegStatusCancelled
		if err := s.store.UpdateRegistrationTx(ctx, tx, reg); err != nil {
			return err
		}
		promoted, err := s.promoteHead(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if !promoted {
			return s.store.FreeSeatTx(ctx, tx, e.ID)
		}
		return nil
	}

	if refund > 0 {
		res, err := s.payments.Submit(ctx, transaction.Request{
			DestinationWalletID: &reg.WalletID,
			ActorID:             reg.UserID,
			Amount:              refund,
			Category:            wallet.CategoryRefund,
			IdempotencyKey:      idempotencyKey,
			Metadata:            map[string]string{"event_id": e.ID.String(), "registration_id": reg.ID.String()},
			CoupledUpdate:       coupled,
		})
		if err != nil {
			return 0, err
		}
		log.Info().
			Str("registration_id", reg.ID.String()).
			Int64("refund", refund).
			Str("transaction_id", res.TransactionID.String()).
			Msg("registration cancelled with refund")
		return refund, nil
	}

	if err := s.uow.Transact(ctx, coupled); err != nil {
		return 0, err
	}
	log.Info().Str("registration_id", reg.ID.String()).Msg("registration cancelled, no refund due")
	return 0, nil
}

func (s *Service) leaveWaitlist(ctx context.Context, reg *Registration) error {
	pos := 0
	if reg.WaitlistPosition != nil {
		pos = *reg.WaitlistPosition
	}
	return s.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		reg.Status = RegStatusCancelled
		reg.WaitlistPosition = nil
		if err := s.store.UpdateRegistrationTx(ctx, tx, reg); err != nil {
			return err
		}
		return s.store.ShiftWaitlistTx(ctx, tx, reg.EventID, pos)
	})
}

// declinePromotion cancels a promoted entry and passes its reserved seat to
// the next waitlisted user, or frees it when the queue is empty.
func (s *Service) declinePromotion(ctx context.Context, e *Event, reg *Registration) error {
	return s.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		reg.Status = RegStatusCancelled
		reg.ClaimDeadline = nil
		if err := s.store.UpdateRegistrationTx(ctx, tx, reg); err != nil {
			return err
		}
		promoted, err := s.promoteHead(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if !promoted {
			return s.store.FreeSeatTx(ctx, tx, e.ID)
		}
		return nil
	})
}

// ConfirmPromotion finalizes a promoted entry inside its claim window: the
// user pays the current price and takes the seat, atomically.
func (s *Service) ConfirmPromotion(ctx context.Context, registrationID, walletID uuid.UUID, idempotencyKey string) (*Registration, error) {
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockEvent(ctx, reg.EventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reg, err = s.store.GetRegistration(ctx, registrationID); err != nil {
		return nil, err
	}
	if reg.Status != RegStatusPromoted {
		return nil, ErrNotPromoted
	}
	now := time.Now().UTC()
	if reg.ClaimDeadline == nil || now.After(*reg.ClaimDeadline) {
		return nil, ErrClaimExpired
	}
	e, err := s.store.GetEvent(ctx, reg.EventID)
	if err != nil {
		return nil, err
	}

	// The seat was reserved when the entry was promoted; confirming only
	// finalizes the registration and its payment.
	reg.WalletID = walletID
	reg.AmountPaid = e.Price
	reg.Status = RegStatusRegistered
	reg.ClaimDeadline = nil
	coupled := func(tx *sqlx.Tx) error {
		return s.store.UpdateRegistrationTx(ctx, tx, reg)
	}

	if e.Price == 0 {
		if err := s.uow.Transact(ctx, coupled); err != nil {
			return nil, err
		}
		return reg, nil
	}

	res, err := s.payments.Submit(ctx, transaction.Request{
		SourceWalletID: &walletID,
		ActorID:        reg.UserID,
		Amount:         e.Price,
		Category:       wallet.CategoryEventPayment,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{"event_id": e.ID.String(), "registration_id": reg.ID.String()},
		CoupledUpdate:  coupled,
	})
	if err != nil {
		return nil, err
	}
	s.linkTransaction(ctx, reg, res.TransactionID)
	log.Info().
		Str("registration_id", reg.ID.String()).
		Str("event_id", e.ID.String()).
		Msg("promotion confirmed")
	return reg, nil
}

// ExpireStaleClaims expires promoted entries whose window lapsed and offers
// the seat to the next waitlisted user. Run periodically by the worker.
func (s *Service) ExpireStaleClaims(ctx context.Context) error {
	regs, err := s.store.ListExpiredClaims(ctx, time.Now().UTC(), 50)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if err := s.expireClaim(ctx, reg); err != nil {
			log.Warn().Err(err).Str("registration_id", reg.ID.String()).Msg("claim expiry deferred")
		}
	}
	return nil
}

func (s *Service) expireClaim(ctx context.Context, reg *Registration) error {
	unlock, err := s.lockEvent(ctx, reg.EventID)
	if err != nil {
		if errors.Is(err, lock.ErrLockContention) {
			// Busy event; the next sweep retries.
			return nil
		}
		return err
	}
	defer unlock()

	// Reload: the claim may have been confirmed since the listing.
	cur, err := s.store.GetRegistration(ctx, reg.ID)
	if err != nil {
		return err
	}
	if cur.Status != RegStatusPromoted || cur.ClaimDeadline == nil || time.Now().UTC().Before(*cur.ClaimDeadline) {
		return nil
	}
	err = s.uow.Transact(ctx, func(tx *sqlx.Tx) error {
		cur.Status = RegStatusExpired
		cur.ClaimDeadline = nil
		if err := s.store.UpdateRegistrationTx(ctx, tx, cur); err != nil {
			return err
		}
		promoted, err := s.promoteHead(ctx, tx, cur.EventID)
		if err != nil {
			return err
		}
		if !promoted {
			return s.store.FreeSeatTx(ctx, tx, cur.EventID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("registration_id", cur.ID.String()).Msg("promotion claim expired")
	return nil
}

// promoteHead moves the position-1 waitlist entry into a claim window and
// shifts the rest of the queue down by one. Reports whether anyone was
// promoted.
func (s *Service) promoteHead(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) (bool, error) {
	head, err := s.store.WaitlistHead(ctx, eventID)
	if errors.Is(err, ErrRegistrationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pos := 0
	if head.WaitlistPosition != nil {
		pos = *head.WaitlistPosition
	}
	deadline := time.Now().UTC().Add(s.claimWindow)
	head.Status = RegStatusPromoted
	head.WaitlistPosition = nil
	head.ClaimDeadline = &deadline
	if err := s.store.UpdateRegistrationTx(ctx, tx, head); err != nil {
		return false, err
	}
	if err := s.store.ShiftWaitlistTx(ctx, tx, eventID, pos); err != nil {
		return false, err
	}
	log.Info().
		Str("registration_id", head.ID.String()).
		Str("event_id", eventID.String()).
		Time("claim_deadline", deadline).
		Msg("waitlist head promoted")
	return true, nil
}

func (s *Service) lockEvent(ctx context.Context, eventID uuid.UUID) (func(), error) {
	h, err := s.locker.Acquire(ctx, "event:"+eventID.String())
	if err != nil {
		return nil, err
	}
	stop := h.KeepAlive(ctx)
	return func() {
		stop()
		if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Str("event_id", eventID.String()).Msg("event lock release failed")
		}
	}, nil
}

func (s *Service) linkTransaction(ctx context.Context, reg *Registration, txnID uuid.UUID) {
	reg.TransactionID = &txnID
	if err := s.store.SetRegistrationTransaction(ctx, reg.ID, txnID); err != nil {
		log.Warn().Err(err).Str("registration_id", reg.ID.String()).Msg("transaction link not persisted")
	}
}
