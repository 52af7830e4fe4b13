package infra

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/bitcoin-brave/brave_ussd/internal/config"
)

// Resources holds the external connections the service was configured with.
// Nil fields were not configured.
type Resources struct {
	DB    *pgxpool.Pool
	Cache *redis.Client
	AMQP  *amqp.Connection

	logger *slog.Logger
}

// Open connects to every backend named in cfg. Partially opened resources are
// closed on error.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Resources, error) {
	res := &Resources{logger: logger}

	if cfg.LedgerBackend == config.LedgerPostgres && cfg.DatabaseURL != "" {
		db, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		res.DB = db
	}

	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.Cache = cache
	}

	if cfg.AMQPURL != "" {
		conn, err := DialAMQP(ctx, cfg.AMQPURL, logger)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.AMQP = conn
	}

	return res, nil
}

// Close releases every open connection.
func (r *Resources) Close() {
	if r.AMQP != nil {
		if err := r.AMQP.Close(); err != nil {
			r.logger.Warn("close rabbitmq", "error", err)
		}
	}
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			r.logger.Warn("close redis", "error", err)
		}
	}
	if r.DB != nil {
		r.DB.Close()
	}
}
