package outbox

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker publishes envelopes to a durable topic exchange with
// persistent delivery mode, using one confirmable channel.
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPBroker declares exchange as a durable topic exchange (idempotent)
// and returns a Broker bound to it.
func NewAMQPBroker(conn *amqp.Connection, exchanges ...string) (*AMQPBroker, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("outbox: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("outbox: enable publisher confirms: %w", err)
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("outbox: declare exchange %q: %w", ex, err)
		}
	}
	return &AMQPBroker{conn: conn, ch: ch}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table(headers),
		Body:         body,
	}
	conf, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("outbox: broker nacked publish to %q", exchange)
	}
	return nil
}

func (b *AMQPBroker) Close() error {
	return b.ch.Close()
}
