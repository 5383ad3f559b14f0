// README: AMQP topic publisher for request lifecycle and wallet events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"presto/internal/modules/request"
	"presto/internal/modules/wallet"
	"presto/internal/types"
)

// Publisher fans committed domain changes out to the platform exchange.
// It implements request.Sink, dispatch.Intents, and wallet.Publisher.
// Publish failures are logged, never propagated: the event stream is a
// mirror of state, not part of it.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
	log      zerolog.Logger
}

func NewPublisher(ch *amqp.Channel, exchange string, log zerolog.Logger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, log: log}, nil
}

// StatusChanged implements request.Sink.
func (p *Publisher) StatusChanged(ctx context.Context, r *request.Request, from request.Status) {
	msg := RequestStatusChangedMessage{
		RequestID:     r.ID,
		FromStatus:    string(from),
		ToStatus:      string(r.Status),
		ProviderID:    r.ProviderID,
		Category:      r.Category,
		CorrelationID: correlationID(),
		At:            time.Now().UTC(),
	}
	key := "request.status." + strings.ToLower(string(r.Status))
	p.publish(ctx, key, msg, string(r.ID))
}

// MissionCompleted implements dispatch.Intents.
func (p *Publisher) MissionCompleted(ctx context.Context, r *request.Request) {
	if r.ProviderID == nil {
		return
	}
	msg := MissionCompletedMessage{
		RequestID:     r.ID,
		ProviderID:    *r.ProviderID,
		Category:      r.Category,
		CorrelationID: correlationID(),
		At:            time.Now().UTC(),
	}
	p.publish(ctx, "request.completed", msg, string(r.ID))
}

// WalletMoved implements wallet.Publisher.
func (p *Publisher) WalletMoved(ctx context.Context, t *wallet.Transaction, balance types.Money) {
	msg := WalletMovementMessage{
		TransactionID: t.ID,
		ProviderID:    t.ProviderID,
		Kind:          string(t.Kind),
		Amount:        t.Amount.Amount,
		Currency:      t.Amount.Currency,
		Balance:       balance.Amount,
		RequestID:     t.RequestID,
		At:            t.CreatedAt,
	}
	key := "wallet." + strings.ToLower(string(t.Kind))
	p.publish(ctx, key, msg, string(t.ID))
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg any, entityID string) {
	body, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("routing_key", routingKey).Str("entity_id", entityID).Msg("marshal event failed")
		return
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		p.log.Error().Err(err).Str("routing_key", routingKey).Str("entity_id", entityID).Msg("publish event failed")
		return
	}
	p.log.Debug().Str("routing_key", routingKey).Str("entity_id", entityID).Msg("event published")
}

func correlationID() string {
	return fmt.Sprintf("evt_%d", time.Now().UnixNano())
}
