// README: Postgres wallet store; balance moves and journal rows commit in one transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"presto/internal/types"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Apply moves the balance by the transaction amount and appends the
// journal row atomically. A debit that would go negative returns
// ErrInsufficientFunds and leaves nothing behind.
func (s *PGStore) Apply(ctx context.Context, t *Transaction) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	switch t.Kind {
	case TxCredit:
		err = tx.QueryRow(ctx, `
			INSERT INTO wallet_accounts (provider_id, balance, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (provider_id)
			DO UPDATE SET balance = wallet_accounts.balance + EXCLUDED.balance, updated_at = now()
			RETURNING balance`,
			string(t.ProviderID), t.Amount.Amount,
		).Scan(&balance)
	case TxDebit:
		err = tx.QueryRow(ctx, `
			UPDATE wallet_accounts
			SET balance = balance - $2, updated_at = now()
			WHERE provider_id = $1 AND balance >= $2
			RETURNING balance`,
			string(t.ProviderID), t.Amount.Amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientFunds
		}
	default:
		return 0, fmt.Errorf("unknown transaction kind %q", t.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("apply %s: %w", t.Kind, err)
	}

	var requestID *string
	if t.RequestID != nil {
		v := string(*t.RequestID)
		requestID = &v
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, provider_id, kind, amount, currency, request_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(t.ID), string(t.ProviderID), string(t.Kind),
		t.Amount.Amount, t.Amount.Currency, requestID, t.Note, t.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

// Balance returns the current balance; unknown providers hold zero.
func (s *PGStore) Balance(ctx context.Context, providerID types.ID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM wallet_accounts WHERE provider_id = $1`,
		string(providerID),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}
