package audit

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Producer is the publishing side of the audit sink. Satisfied by
// sarama.SyncProducer.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// NewProducer creates a Kafka sync producer for the audit sink.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return sarama.NewSyncProducer(brokers, cfg)
}

// Sender drains the audit outbox into Kafka. Each row is retried up to
// maxRetries times before being marked failed; delivery is at-least-once.
type Sender struct {
	outbox     *OutboxRepository
	producer   Producer
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewSender(db *sqlx.DB, producer Producer, interval time.Duration, maxRetries int) *Sender {
	return &Sender{
		outbox:     NewOutboxRepository(db),
		producer:   producer,
		interval:   interval,
		batchSize:  100,
		maxRetries: maxRetries,
	}
}

// Start polls the outbox until ctx is cancelled.
func (s *Sender) Start(ctx context.Context) {
	log.Info().Msg("audit outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("audit outbox sender stopped")
			return
		case <-ticker.C:
			s.drainPending(ctx)
		}
	}
}

func (s *Sender) drainPending(ctx context.Context) {
	messages, err := s.outbox.GetPending(ctx, s.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("audit outbox query failed")
		return
	}

	for _, msg := range messages {
		s.send(ctx, msg)
	}
}

func (s *Sender) send(ctx context.Context, msg *OutboxMessage) {
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.MessageKey),
		Value: sarama.StringEncoder(msg.Payload),
	})
	if err == nil {
		if markErr := s.outbox.MarkSent(ctx, msg.ID); markErr != nil {
			// Row stays pending and will be re-sent; acceptable for
			// an at-least-once sink.
			log.Error().Err(markErr).Int64("id", msg.ID).Msg("audit outbox mark sent failed")
		}
		return
	}

	log.Warn().Err(err).Int64("id", msg.ID).Msg("audit publish failed")

	if incErr := s.outbox.IncrementRetry(ctx, msg.ID); incErr != nil {
		log.Error().Err(incErr).Int64("id", msg.ID).Msg("audit outbox retry increment failed")
	}

	if msg.RetryCount+1 >= s.maxRetries {
		if failErr := s.outbox.MarkFailed(ctx, msg.ID); failErr != nil {
			log.Error().Err(failErr).Int64("id", msg.ID).Msg("audit outbox mark failed failed")
		} else {
			log.Error().Int64("id", msg.ID).Msg("audit message exceeded max retries, marked failed")
		}
	}
}
