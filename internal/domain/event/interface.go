package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hackspree/hackspree-api/internal/domain/transaction"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
)

// Store is the persistence surface the service needs. *Repository satisfies
// it.
type Store interface {
	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	TakeSeatTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error
	FreeSeatTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error
	GetRegistration(ctx context.Context, id uuid.UUID) (*Registration, error)
	GetActiveRegistration(ctx context.Context, eventID, userID uuid.UUID) (*Registration, error)
	InsertRegistration(ctx context.Context, reg *Registration) error
	InsertRegistrationTx(ctx context.Context, tx *sqlx.Tx, reg *Registration) error
	UpdateRegistrationTx(ctx context.Context, tx *sqlx.Tx, reg *Registration) error
	SetRegistrationTransaction(ctx context.Context, regID, txnID uuid.UUID) error
	CountWaitlisted(ctx context.Context, eventID uuid.UUID) (int, error)
	WaitlistHead(ctx context.Context, eventID uuid.UUID) (*Registration, error)
	ShiftWaitlistTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID, fromPosition int) error
	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*Registration, error)
}

// PaymentCore submits money movement; the orchestrator satisfies it.
type PaymentCore interface {
	Submit(ctx context.Context, req transaction.Request) (*transaction.Result, error)
}

// Locker grants fail-fast per-event mutual exclusion.
type Locker interface {
	Acquire(ctx context.Context, resourceKey string) (lock.Handle, error)
}

// UnitOfWork commits unpaid state changes (waitlist joins, free events)
// atomically.
type UnitOfWork interface {
	Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}
