package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackspree/hackspree-api/internal/config"
	"github.com/hackspree/hackspree-api/internal/domain/event"
	"github.com/hackspree/hackspree-api/internal/domain/transaction"
	"github.com/hackspree/hackspree-api/internal/domain/wallet"
	"github.com/hackspree/hackspree-api/internal/pkg/audit"
	"github.com/hackspree/hackspree-api/internal/pkg/database"
	"github.com/hackspree/hackspree-api/internal/pkg/gateway"
	"github.com/hackspree/hackspree-api/internal/pkg/lock"
	"github.com/hackspree/hackspree-api/internal/pkg/logger"
)

const claimExpiryInterval = time.Minute

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().Msg("Starting wallet worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	producer, err := audit.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Kafka")
	}
	defer producer.Close()

	locker := lock.NewManager(rdb, cfg.LockTTL)
	uow := database.NewUnitOfWork(db)
	auditor := audit.NewLogger(db, cfg.AuditTopic)
	walletRepo := wallet.NewRepository(db)
	idem := transaction.NewPgIdempotencyStore(db)
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, time.Duration(cfg.GatewayTimeoutSeconds)*time.Second)

	sender := audit.NewSender(db, producer, cfg.OutboxInterval, cfg.AuditMaxRetries)
	reconciler := transaction.NewReconciler(walletRepo, gw, locker, uow, idem, auditor, cfg.ReconcileInterval, cfg.StaleClaimAfter)

	orch := transaction.NewOrchestrator(walletRepo, idem, locker, gw, auditor, uow, transaction.Config{
		Currency:          cfg.Currency,
		DailySpendLimit:   cfg.DailySpendLimit,
		GatewayMaxRetries: cfg.GatewayMaxRetries,
	})
	events := event.NewService(event.NewRepository(db), orch, locker, uow, cfg.WaitlistClaimWindow,
		time.Duration(cfg.CancellationCutoffHours)*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		sender.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reconciler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		expireClaims(ctx, events)
	}()

	wg.Wait()
	log.Info().Msg("wallet worker stopped")
}

// expireClaims sweeps lapsed waitlist promotion claims so the next queued
// user gets the seat.
func expireClaims(ctx context.Context, events *event.Service) {
	ticker := time.NewTicker(claimExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := events.ExpireStaleClaims(ctx); err != nil {
				log.Error().Err(err).Msg("claim expiry sweep failed")
			}
		}
	}
}
