package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	invoiceKeyPrefix = "ussd:invoice:"
	pendingIndexKey  = "ussd:invoices:pending"
)

// requeueScript moves a member behind the current tail of the index.
var requeueScript = redis.NewScript(`
local last = redis.call("ZRANGE", KEYS[1], -1, -1, "WITHSCORES")
local score = tonumber(ARGV[2])
if last[2] and tonumber(last[2]) >= score then
	score = tonumber(last[2]) + 1
end
return redis.call("ZADD", KEYS[1], "XX", score, ARGV[1])
`)

// RedisStore keeps each pending invoice as a JSON value that outlives the
// invoice by the expiry grace, indexed by a sorted set ordered by last check.
type RedisStore struct {
	client *redis.Client
	grace  time.Duration
}

// NewRedisStore builds a Redis-backed pending invoice store. A non-positive
// grace selects DefaultExpiryGrace.
func NewRedisStore(client *redis.Client, grace time.Duration) *RedisStore {
	if grace <= 0 {
		grace = DefaultExpiryGrace
	}
	return &RedisStore{client: client, grace: grace}
}

// Track stores the invoice and adds it to the pending index.
func (s *RedisStore) Track(ctx context.Context, invoice PendingInvoice) error {
	payload, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("encode invoice: %w", err)
	}
	ttl := s.grace
	if !invoice.ExpiresAt.IsZero() {
		if until := time.Until(invoice.ExpiresAt); until > 0 {
			ttl += until
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, invoiceKeyPrefix+invoice.PaymentHash, payload, ttl)
	pipe.ZAdd(ctx, pendingIndexKey, redis.Z{
		Score:  float64(invoice.CreatedAt.UnixMilli()),
		Member: invoice.PaymentHash,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track invoice: %w", err)
	}
	return nil
}

// Pending returns the least recently checked invoices. Index entries whose
// value has expired are pruned.
func (s *RedisStore) Pending(ctx context.Context, limit int) ([]PendingInvoice, error) {
	if limit <= 0 {
		limit = sweepBatch
	}
	hashes, err := s.client.ZRange(ctx, pendingIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending invoices: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = invoiceKeyPrefix + h
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending invoices: %w", err)
	}

	out := make([]PendingInvoice, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, hashes[i])
			continue
		}
		var inv PendingInvoice
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			expired = append(expired, hashes[i])
			continue
		}
		out = append(out, inv)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, pendingIndexKey, expired...).Err(); err != nil {
			return out, fmt.Errorf("prune pending index: %w", err)
		}
	}
	return out, nil
}

// Requeue scores the invoice after the current tail of the index.
func (s *RedisStore) Requeue(ctx context.Context, paymentHash string) error {
	now := time.Now().UnixMilli()
	if err := requeueScript.Run(ctx, s.client, []string{pendingIndexKey}, paymentHash, now).Err(); err != nil {
		return fmt.Errorf("requeue invoice: %w", err)
	}
	return nil
}

// Resolve forgets the invoice.
func (s *RedisStore) Resolve(ctx context.Context, paymentHash string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, invoiceKeyPrefix+paymentHash)
	pipe.ZRem(ctx, pendingIndexKey, paymentHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resolve invoice: %w", err)
	}
	return nil
}
