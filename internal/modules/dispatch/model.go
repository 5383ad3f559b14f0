// README: Dispatch offers and candidate bookkeeping types.
package dispatch

import (
	"time"

	"presto/internal/types"
)

// Offer is one fan-out round for a request: the shortlist that was
// notified and the window in which an acceptance counts.
type Offer struct {
	RequestID  types.ID
	Candidates []types.ID
	Attempt    int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (o *Offer) expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// graceEntry tracks a provider that dropped its socket while holding an
// active mission. If no reconnect happens before the deadline the
// mission is requeued.
type graceEntry struct {
	ProviderID types.ID
	RequestID  types.ID
	Deadline   time.Time
}
