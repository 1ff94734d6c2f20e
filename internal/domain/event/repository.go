package event

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository persists events and registrations. Capacity and waitlist
// mutations run inside a caller-supplied database transaction so they commit
// or roll back together with the payment that caused them.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateEvent(ctx context.Context, e *Event) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO events (id, name, price, max_participants, current_participants,
			waitlist_enabled, waitlist_capacity, refund_policy, refund_percent,
			cancellation_cutoff, start_time, registration_deadline, status, created_at, updated_at)
		VALUES (:id, :name, :price, :max_participants, :current_participants,
			:waitlist_enabled, :waitlist_capacity, :refund_policy, :refund_percent,
			:cancellation_cutoff, :start_time, :registration_deadline, :status, NOW(), NOW())
	`, e)
	return err
}

func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	var e Event
	err := r.db.GetContext(ctx, &e, `SELECT * FROM events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TakeSeatTx claims one slot inside tx. The guard in the WHERE clause keeps
// currentParticipants <= maxParticipants even if callers race past the
// advisory lock.
func (r *Repository) TakeSeatTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE events
		SET current_participants = current_participants + 1,
		    status = CASE WHEN current_participants + 1 >= max_participants THEN 'FULL' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND current_participants < max_participants AND status != 'CLOSED'
	`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventFull
	}
	return nil
}

// FreeSeatTx releases one slot inside tx.
func (r *Repository) FreeSeatTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE events
		SET current_participants = GREATEST(current_participants - 1, 0),
		    status = CASE WHEN status = 'FULL' THEN 'OPEN' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`, eventID)
	return err
}

func (r *Repository) GetRegistration(ctx context.Context, id uuid.UUID) (*Registration, error) {
	var reg Registration
	err := r.db.GetContext(ctx, &reg, `SELECT * FROM registrations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// GetActiveRegistration finds the user's live entry for an event, if any.
func (r *Repository) GetActiveRegistration(ctx context.Context, eventID, userID uuid.UUID) (*Registration, error) {
	var reg Registration
	err := r.db.GetContext(ctx, &reg, `
		SELECT * FROM registrations
		WHERE event_id = $1 AND user_id = $2 AND status IN ('REGISTERED', 'WAITLISTED', 'PROMOTED')
	`, eventID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Repository) InsertRegistrationTx(ctx context.Context, tx *sqlx.Tx, reg *Registration) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO registrations (id, event_id, user_id, wallet_id, amount_paid,
			status, waitlist_position, claim_deadline, transaction_id, created_at, updated_at)
		VALUES (:id, :event_id, :user_id, :wallet_id, :amount_paid,
			:status, :waitlist_position, :claim_deadline, :transaction_id, NOW(), NOW())
	`, reg)
	return err
}

func (r *Repository) InsertRegistration(ctx context.Context, reg *Registration) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		return r.InsertRegistrationTx(ctx, tx, reg)
	})
}

// UpdateRegistrationTx writes the mutable registration fields inside tx.
func (r *Repository) UpdateRegistrationTx(ctx context.Context, tx *sqlx.Tx, reg *Registration) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE registrations
		SET status = :status,
		    amount_paid = :amount_paid,
		    waitlist_position = :waitlist_position,
		    claim_deadline = :claim_deadline,
		    transaction_id = :transaction_id,
		    updated_at = NOW()
		WHERE id = :id
	`, reg)
	return err
}

// SetRegistrationTransaction links the payment record after commit.
func (r *Repository) SetRegistrationTransaction(ctx context.Context, regID, txnID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE registrations SET transaction_id = $2, updated_at = NOW() WHERE id = $1
	`, regID, txnID)
	return err
}

// CountWaitlisted returns the current waitlist depth for an event.
func (r *Repository) CountWaitlisted(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = 'WAITLISTED'
	`, eventID)
	return n, err
}

// WaitlistHead returns the position-1 entry, or ErrRegistrationNotFound when
// the waitlist is empty.
func (r *Repository) WaitlistHead(ctx context.Context, eventID uuid.UUID) (*Registration, error) {
	var reg Registration
	err := r.db.GetContext(ctx, &reg, `
		SELECT * FROM registrations
		WHERE event_id = $1 AND status = 'WAITLISTED'
		ORDER BY waitlist_position ASC
		LIMIT 1
	`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ShiftWaitlistTx moves every waitlisted entry behind fromPosition one step
// forward, keeping positions contiguous from 1.
func (r *Repository) ShiftWaitlistTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID, fromPosition int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE registrations
		SET waitlist_position = waitlist_position - 1, updated_at = NOW()
		WHERE event_id = $1 AND status = 'WAITLISTED' AND waitlist_position > $2
	`, eventID, fromPosition)
	return err
}

// ListExpiredClaims returns promoted entries whose claim window lapsed
// before now.
func (r *Repository) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*Registration, error) {
	var regs []*Registration
	err := r.db.SelectContext(ctx, &regs, `
		SELECT * FROM registrations
		WHERE status = 'PROMOTED' AND claim_deadline < $1
		ORDER BY claim_deadline ASC
		LIMIT $2
	`, now, limit)
	return regs, err
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
