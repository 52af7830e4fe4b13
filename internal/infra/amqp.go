package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialAttempts = 5
	amqpDialBackoff  = 2 * time.Second
)

// DialAMQP connects to RabbitMQ, retrying while the broker starts up.
func DialAMQP(ctx context.Context, url string, logger *slog.Logger) (*amqp.Connection, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url is required")
	}

	var lastErr error
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("connect rabbitmq",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", amqpDialAttempts),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpDialBackoff):
		}
	}
	return nil, fmt.Errorf("connect rabbitmq: %w", lastErr)
}
