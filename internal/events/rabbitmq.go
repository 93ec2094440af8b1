package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitRelay republishes lifecycle events to a durable topic exchange
// so out-of-process consumers can subscribe with routing keys like
// "transaction.#". It is registered as an ordinary bus handler; relay
// failures are logged, never surfaced to the lifecycle operation.
type RabbitRelay struct {
	channel  *amqp.Channel
	exchange string
}

// NewRabbitRelay declares the exchange and returns the relay.
func NewRabbitRelay(ch *amqp.Channel, exchange string) (*RabbitRelay, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &RabbitRelay{channel: ch, exchange: exchange}, nil
}

// Handle publishes the event with its type as the routing key.
func (r *RabbitRelay) Handle(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event", e.Type).Msg("Failed to marshal event for relay")
		return
	}

	err = r.channel.PublishWithContext(ctx,
		r.exchange,
		e.Type, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		log.Error().Err(err).
			Str("event", e.Type).
			Str("transaction_id", e.TransactionID).
			Msg("Failed to relay event to RabbitMQ")
		return
	}
	log.Debug().Str("routing_key", e.Type).Msg("Event relayed to RabbitMQ")
}
