package audit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxStatus tracks delivery state of one audit message.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage is a durably enqueued audit record awaiting publication.
type OutboxMessage struct {
	ID         int64        `db:"id"`
	Topic      string       `db:"topic"`
	MessageKey string       `db:"message_key"`
	Payload    string       `db:"payload"`
	Status     OutboxStatus `db:"status"`
	RetryCount int          `db:"retry_count"`
	CreatedAt  time.Time    `db:"created_at"`
	SentAt     *time.Time   `db:"sent_at"`
}

// OutboxRepository persists audit outbox rows.
type OutboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, topic, key, payload string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_outbox (topic, message_key, payload, status)
		VALUES ($1, $2, $3, 'pending')
	`, topic, key, payload)
	return err
}

func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	var messages []*OutboxMessage
	err := r.db.SelectContext(ctx, &messages, `
		SELECT id, topic, message_key, payload, status, retry_count, created_at, sent_at
		FROM audit_outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audit_outbox SET status = 'sent', sent_at = NOW() WHERE id = $1
	`, id)
	return err
}

func (r *OutboxRepository) IncrementRetry(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audit_outbox SET retry_count = retry_count + 1 WHERE id = $1
	`, id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audit_outbox SET status = 'failed' WHERE id = $1
	`, id)
	return err
}
