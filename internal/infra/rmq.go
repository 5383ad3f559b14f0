// README: RabbitMQ connection with exponential-backoff dial.
package infra

import (
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type RabbitMQ struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
}

func NewRabbitMQ(url string, log zerolog.Logger) (*RabbitMQ, error) {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open channel: %w", chErr)
			}
			log.Info().Msg("connected to rabbitmq")
			return &RabbitMQ{Conn: conn, Chan: ch}, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("rabbitmq dial failed")
		time.Sleep(time.Second * time.Duration(math.Pow(2, float64(attempt))))
	}
	return nil, fmt.Errorf("connect to rabbitmq after retries: %w", lastErr)
}

func (r *RabbitMQ) Close() {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}
