package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Record captures one money-affecting action for the audit trail.
type Record struct {
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

// Logger enqueues audit records into the outbox table for at-least-once
// delivery to the audit sink. Emit never fails the caller: an enqueue error
// is logged and swallowed, because auditing must not abort or roll back the
// primary operation.
type Logger struct {
	outbox *OutboxRepository
	topic  string
}

func NewLogger(db *sqlx.DB, topic string) *Logger {
	return &Logger{outbox: NewOutboxRepository(db), topic: topic}
}

// Emit records one audit entry, best effort.
func (l *Logger) Emit(ctx context.Context, rec Record) {
	if l == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("action", rec.Action).Msg("audit record encode failed")
		return
	}

	if err := l.outbox.Enqueue(ctx, l.topic, rec.ResourceID, string(payload)); err != nil {
		log.Error().Err(err).
			Str("action", rec.Action).
			Str("resource_id", rec.ResourceID).
			Msg("audit enqueue failed")
		return
	}

	log.Debug().
		Str("actor", rec.Actor).
		Str("action", rec.Action).
		Str("resource_id", rec.ResourceID).
		Msg("audit record enqueued")
}
