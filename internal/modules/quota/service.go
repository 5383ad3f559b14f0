package quota

import "context"

// Service guards the monthly AI suggestion allowance.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Consume deducts one suggestion from the user's monthly allowance.
// If the user row does not exist yet it is initialised and the suggestion is
// immediately consumed. Returns ErrQuotaExceeded when the allowance for the
// current month is exhausted.
func (s *Service) Consume(ctx context.Context, userID string) error {
	err := s.store.Consume(ctx, userID)
	if err != ErrQuotaExceeded {
		return err
	}

	// Row may be missing: try to create it, then retry the deduction once.
	if initErr := s.store.EnsureUser(ctx, userID); initErr != nil {
		return initErr
	}
	return s.store.Consume(ctx, userID)
}
