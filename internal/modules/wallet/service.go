// README: Wallet service: guarded credits and debits with a journal.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"presto/internal/types"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBadAmount         = errors.New("amount must be positive")
)

const defaultCurrency = "MAD"

// Store applies a transaction atomically and returns the new balance.
type Store interface {
	Apply(ctx context.Context, t *Transaction) (int64, error)
	Balance(ctx context.Context, providerID types.ID) (int64, error)
}

// Publisher receives committed wallet movements for the event stream.
// May be nil.
type Publisher interface {
	WalletMoved(ctx context.Context, t *Transaction, balance types.Money)
}

type Service struct {
	store Store
	pub   Publisher
	log   zerolog.Logger
}

func NewService(store Store, pub Publisher, log zerolog.Logger) *Service {
	return &Service{store: store, pub: pub, log: log}
}

func (s *Service) Credit(ctx context.Context, providerID types.ID, amount int64, requestID *types.ID, note string) (types.Money, error) {
	return s.apply(ctx, TxCredit, providerID, amount, requestID, note)
}

func (s *Service) Debit(ctx context.Context, providerID types.ID, amount int64, requestID *types.ID, note string) (types.Money, error) {
	return s.apply(ctx, TxDebit, providerID, amount, requestID, note)
}

func (s *Service) Balance(ctx context.Context, providerID types.ID) (types.Money, error) {
	balance, err := s.store.Balance(ctx, providerID)
	if err != nil {
		return types.Money{}, err
	}
	return types.Money{Amount: balance, Currency: defaultCurrency}, nil
}

func (s *Service) apply(ctx context.Context, kind TxKind, providerID types.ID, amount int64, requestID *types.ID, note string) (types.Money, error) {
	if amount <= 0 {
		return types.Money{}, fmt.Errorf("%s of %d: %w", kind, amount, ErrBadAmount)
	}
	if providerID == "" {
		return types.Money{}, fmt.Errorf("%s without provider: %w", kind, ErrBadAmount)
	}

	t := &Transaction{
		ID:         types.ID(uuid.NewString()),
		ProviderID: providerID,
		Kind:       kind,
		Amount:     types.Money{Amount: amount, Currency: defaultCurrency},
		RequestID:  requestID,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}

	balance, err := s.store.Apply(ctx, t)
	if err != nil {
		return types.Money{}, err
	}
	out := types.Money{Amount: balance, Currency: defaultCurrency}

	s.log.Info().
		Str("provider_id", string(providerID)).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Int64("balance", balance).
		Msg("wallet transaction applied")

	if s.pub != nil {
		s.pub.WalletMoved(ctx, t, out)
	}
	return out, nil
}
