package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes payment events as persistent JSON messages to a
// durable RabbitMQ queue.
type AMQPNotifier struct {
	ch    publisher
	queue string
}

// NewAMQPNotifier opens a channel on conn and declares queue.
func NewAMQPNotifier(conn *amqp.Connection, queue string) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPNotifier{ch: ch, queue: queue}, nil
}

// Send publishes message on the default exchange routed to the queue.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	if message.OccurredAt.IsZero() {
		message.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         message.Kind,
		Timestamp:    message.OccurredAt,
		Body:         body,
	})
}

// Close releases the underlying channel when it supports closing.
func (n *AMQPNotifier) Close() error {
	if c, ok := n.ch.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
