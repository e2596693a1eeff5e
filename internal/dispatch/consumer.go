package dispatch

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery wraps one dispatched Task together with the broker
// acknowledgement calls the worker must eventually make exactly once.
type Delivery struct {
	Task Task

	ackFunc  func() error
	nackFunc func(requeue bool) error
}

// Ack confirms the message was fully processed to a terminal verdict.
func (d Delivery) Ack() error { return d.ackFunc() }

// Nack rejects the message. requeue=true redelivers it (worker shutdown
// mid-task); requeue=false sends it straight to the dead-letter queue
// (parse failure — the message can never become processable).
func (d Delivery) Nack(requeue bool) error { return d.nackFunc(requeue) }

// Consumer receives judge-submission tasks from the dispatch queue.
type Consumer interface {
	// Consume returns a channel of deliveries. The channel closes when the
	// underlying subscription ends (connection loss, Close call).
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// AMQPConsumer consumes from Queue with prefetch 1, as required for fair
// per-connection dispatch across judge workers.
type AMQPConsumer struct {
	ch *amqp.Channel
}

// NewAMQPConsumer declares the dispatch topology (exchange, primary queue,
// dead-letter exchange/queue, binding) and returns a Consumer bound to it.
// Declarations are idempotent so every judge worker can call this safely at
// startup.
func NewAMQPConsumer(conn *amqp.Connection) (*AMQPConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("dispatch: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("dispatch: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("dispatch: declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("dispatch: declare dlq: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, RoutingKey, DeadLetterExchange, false, nil); err != nil {
		return nil, fmt.Errorf("dispatch: bind dlq: %w", err)
	}

	queueArgs := amqp.Table{"x-dead-letter-exchange": DeadLetterExchange}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, queueArgs); err != nil {
		return nil, fmt.Errorf("dispatch: declare queue: %w", err)
	}
	if err := ch.QueueBind(Queue, RoutingKey, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("dispatch: bind queue: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("dispatch: set prefetch: %w", err)
	}

	return &AMQPConsumer{ch: ch}, nil
}

func (c *AMQPConsumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range msgs {
			task, err := UnmarshalTask(msg.Body)
			if err != nil {
				// unparseable message can never become processable; drop it
				// straight to the dead-letter queue without redelivery.
				_ = msg.Nack(false, false)
				continue
			}
			m := msg
			select {
			case out <- Delivery{
				Task:     task,
				ackFunc:  func() error { return m.Ack(false) },
				nackFunc: func(requeue bool) error { return m.Nack(false, requeue) },
			}:
			case <-ctx.Done():
				_ = m.Nack(false, true)
				return
			}
		}
	}()
	return out, nil
}

func (c *AMQPConsumer) Close() error {
	return c.ch.Close()
}
