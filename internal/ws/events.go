// README: Socket event envelope and payload contracts.
package ws

import (
	"encoding/json"
	"time"

	"presto/internal/types"
)

// Event names. Client-to-server events carry the provider's intent;
// server-to-client events mirror committed state.
const (
	EventAuth = "auth"

	EventProviderJoin      = "provider:join"
	EventProviderSetStatus = "provider:set_status"
	EventNewRequest        = "new_request"
	EventRequestAccept     = "request:accept"
	EventMessageSend       = "message:send"
	EventWalletCredit      = "wallet:credit"
	EventWalletDebit       = "wallet:debit"
	EventProviderLocation  = "provider-location"

	EventProviderStatusUpdate   = "provider:status_update"
	EventRequestAccepted        = "request:accepted"
	EventRequestTaken           = "request:taken"
	EventMessageReceive         = "message:receive"
	EventWalletUpdate           = "wallet:update"
	EventWalletError            = "wallet:error"
	EventProviderLocationUpdate = "provider-location-update"
	EventError                  = "error"
)

// Envelope is the wire frame: a type tag and a type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: data}, nil
}

type AuthPayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	ProviderID types.ID `json:"providerId"`
	Status     string   `json:"status,omitempty"`
}

type SetStatusPayload struct {
	ProviderID types.ID `json:"providerId"`
	Status     string   `json:"status"`
}

type NewRequestPayload struct {
	RequestID  types.ID  `json:"requestId"`
	ProviderID *types.ID `json:"providerId,omitempty"`
}

type AcceptPayload struct {
	RequestID types.ID `json:"requestId"`
}

type MessagePayload struct {
	From    types.ID `json:"from"`
	To      types.ID `json:"to"`
	Content string   `json:"content"`
}

type WalletOpPayload struct {
	ProviderID types.ID `json:"providerId"`
	Amount     int64    `json:"amount"`
}

type LocationPayload struct {
	ProviderID types.ID `json:"providerId"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
}

type StatusUpdatePayload struct {
	ProviderID types.ID `json:"providerId"`
	Status     string   `json:"status"`
}

// OfferPayload rides on the server-to-client new_request event.
type OfferPayload struct {
	RequestID   types.ID `json:"requestId"`
	ProviderID  types.ID `json:"providerId"`
	Category    string   `json:"category,omitempty"`
	Subcategory string   `json:"subcategory,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	DistanceKm  float64  `json:"distanceKm"`
	Address     string   `json:"address,omitempty"`
}

type TakenPayload struct {
	RequestID types.ID `json:"requestId"`
}

type AcceptedPayload struct {
	RequestID types.ID `json:"requestId"`
	Status    string   `json:"status"`
}

type WalletUpdatePayload struct {
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

type WalletErrorPayload struct {
	Message string `json:"message"`
	Balance *int64 `json:"balance,omitempty"`
}

type LocationUpdatePayload struct {
	ProviderID types.ID  `json:"providerId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Ts         time.Time `json:"ts"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
