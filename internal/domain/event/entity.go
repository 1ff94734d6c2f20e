package event

import (
	"time"

	"github.com/google/uuid"
)

// Status of an event for registration purposes.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusFull   Status = "FULL"
	StatusClosed Status = "CLOSED"
)

// RefundPolicy controls what a cancelling participant gets back.
type RefundPolicy string

const (
	RefundFull    RefundPolicy = "full"
	RefundPartial RefundPolicy = "partial"
	RefundNone    RefundPolicy = "none"
)

// RegistrationStatus tracks one user's relationship to an event.
type RegistrationStatus string

const (
	// RegStatusRegistered holds a paid seat.
	RegStatusRegistered RegistrationStatus = "REGISTERED"
	// RegStatusWaitlisted is queued; no payment has happened.
	RegStatusWaitlisted RegistrationStatus = "WAITLISTED"
	// RegStatusPromoted was offered a freed seat and must confirm (and pay)
	// before the claim deadline.
	RegStatusPromoted RegistrationStatus = "PROMOTED"
	RegStatusCancelled RegistrationStatus = "CANCELLED"
	// RegStatusExpired let a promotion claim lapse.
	RegStatusExpired RegistrationStatus = "EXPIRED"
)

// Event is the capacity aggregate. CurrentParticipants never exceeds
// MaxParticipants; both change only inside the same committed transaction as
// the payment that justifies the change.
type Event struct {
	ID                   uuid.UUID     `db:"id" json:"id"`
	Name                 string        `db:"name" json:"name"`
	Price                int64         `db:"price" json:"price"`
	MaxParticipants      int           `db:"max_participants" json:"max_participants"`
	CurrentParticipants  int           `db:"current_participants" json:"current_participants"`
	WaitlistEnabled      bool          `db:"waitlist_enabled" json:"waitlist_enabled"`
	WaitlistCapacity     int           `db:"waitlist_capacity" json:"waitlist_capacity"`
	RefundPolicy         RefundPolicy  `db:"refund_policy" json:"refund_policy"`
	RefundPercent        int           `db:"refund_percent" json:"refund_percent"`
	CancellationCutoff   time.Duration `db:"cancellation_cutoff" json:"cancellation_cutoff"`
	StartTime            time.Time     `db:"start_time" json:"start_time"`
	RegistrationDeadline time.Time     `db:"registration_deadline" json:"registration_deadline"`
	Status               Status        `db:"status" json:"status"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// HasSeat reports whether a direct registration can take a slot.
func (e *Event) HasSeat() bool {
	return e.CurrentParticipants < e.MaxParticipants
}

// AcceptsRegistrations reports whether the event is open for new sign-ups.
func (e *Event) AcceptsRegistrations(now time.Time) bool {
	return e.Status != StatusClosed && now.Before(e.RegistrationDeadline)
}

// Cancellable reports whether a participant may still cancel: the refund
// policy must allow it and the cutoff before start must not have passed.
func (e *Event) Cancellable(now time.Time) bool {
	if e.RefundPolicy == RefundNone {
		return false
	}
	return now.Before(e.StartTime.Add(-e.CancellationCutoff))
}

// RefundAmount computes the credit owed for a cancellation, given what the
// participant actually paid at registration time.
func (e *Event) RefundAmount(paid int64) int64 {
	switch e.RefundPolicy {
	case RefundFull:
		return paid
	case RefundPartial:
		return paid * int64(e.RefundPercent) / 100
	default:
		return 0
	}
}

// Registration is one user's seat or waitlist entry. WaitlistPosition is set
// only while WAITLISTED; positions are contiguous starting at 1.
type Registration struct {
	ID               uuid.UUID          `db:"id" json:"id"`
	EventID          uuid.UUID          `db:"event_id" json:"event_id"`
	UserID           uuid.UUID          `db:"user_id" json:"user_id"`
	WalletID         uuid.UUID          `db:"wallet_id" json:"wallet_id"`
	AmountPaid       int64              `db:"amount_paid" json:"amount_paid"`
	Status           RegistrationStatus `db:"status" json:"status"`
	WaitlistPosition *int               `db:"waitlist_position" json:"waitlist_position,omitempty"`
	ClaimDeadline    *time.Time         `db:"claim_deadline" json:"claim_deadline,omitempty"`
	TransactionID    *uuid.UUID         `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`
}

// Active reports whether the registration still binds user and event.
func (r *Registration) Active() bool {
	switch r.Status {
	case RegStatusRegistered, RegStatusWaitlisted, RegStatusPromoted:
		return true
	}
	return false
}
