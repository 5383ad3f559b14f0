package quota

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store handles ai_quota persistence.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Consume atomically checks the monthly allowance and deducts one suggestion.
// It resets the counter to DefaultAllowance when last_reset_month is behind
// the current month. Returns ErrQuotaExceeded when 0 rows are updated
// (allowance exhausted or user absent).
func (s *Store) Consume(ctx context.Context, userID string) error {
	now := time.Now().Format("2006-01")

	tag, err := s.db.Exec(ctx, `
		UPDATE ai_quota SET
			suggestions_remaining = CASE WHEN last_reset_month != $1 THEN $2 - 1 ELSE suggestions_remaining - 1 END,
			last_reset_month = $1
		WHERE user_id = $3 AND (last_reset_month < $1 OR suggestions_remaining > 0)
	`, now, DefaultAllowance, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// EnsureUser inserts a new ai_quota row for userID with the default allowance.
// If the row already exists the insert is silently skipped.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ai_quota (user_id, suggestions_remaining, last_reset_month)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, DefaultAllowance, time.Now().Format("2006-01"))
	return err
}
