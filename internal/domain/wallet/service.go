package wallet

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Balance is the caller-facing wallet snapshot.
type Balance struct {
	WalletID uuid.UUID `json:"wallet_id"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Status   Status    `json:"status"`
}

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// GetBalance returns the current balance snapshot for a wallet.
func (s *Service) GetBalance(ctx context.Context, walletID uuid.UUID) (*Balance, error) {
	w, err := s.repo.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &Balance{WalletID: w.ID, Amount: w.Balance, Currency: w.Currency, Status: w.Status}, nil
}

// Onboard ensures the user has a wallet, creating one on first use.
func (s *Service) Onboard(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error) {
	w, err := s.repo.EnsureWallet(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Str("wallet_id", w.ID.String()).Msg("wallet ensured")
	return w, nil
}

// Suspend blocks all mutations on the wallet until reactivated.
func (s *Service) Suspend(ctx context.Context, walletID uuid.UUID) error {
	if err := s.repo.UpdateStatus(ctx, walletID, StatusSuspended); err != nil {
		return err
	}
	log.Warn().Str("wallet_id", walletID.String()).Msg("wallet suspended")
	return nil
}

// Reactivate lifts a suspension.
func (s *Service) Reactivate(ctx context.Context, walletID uuid.UUID) error {
	if err := s.repo.UpdateStatus(ctx, walletID, StatusActive); err != nil {
		return err
	}
	log.Info().Str("wallet_id", walletID.String()).Msg("wallet reactivated")
	return nil
}

// History returns the wallet's transaction log, newest first.
func (s *Service) History(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, walletID, limit, offset)
}
