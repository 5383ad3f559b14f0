// README: Wire messages published to the platform event exchange.
package events

import (
	"time"

	"presto/internal/types"
)

type RequestStatusChangedMessage struct {
	RequestID     types.ID  `json:"request_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	ProviderID    *types.ID `json:"provider_id,omitempty"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	At            time.Time `json:"at"`
}

// MissionCompletedMessage is the wallet credit intent: downstream
// billing owns the payout amount.
type MissionCompletedMessage struct {
	RequestID     types.ID  `json:"request_id"`
	ProviderID    types.ID  `json:"provider_id"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	At            time.Time `json:"at"`
}

type WalletMovementMessage struct {
	TransactionID types.ID  `json:"transaction_id"`
	ProviderID    types.ID  `json:"provider_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Balance       int64     `json:"balance"`
	RequestID     *types.ID `json:"request_id,omitempty"`
	At            time.Time `json:"at"`
}
