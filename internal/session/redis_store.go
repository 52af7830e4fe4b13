package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ussd:session:"

// RedisStore keeps sessions as JSON values that expire ttl after their last write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Get loads the session for id.
func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Create reserves the key with SETNX so concurrent first contacts agree on
// one record.
func (s *RedisStore) Create(ctx context.Context, id string, stage Stage) (Session, error) {
	if !stage.Valid() {
		return Session{}, ErrInvalidStage
	}
	now := time.Now().UTC()
	sess := Session{ID: id, Stage: stage, CreatedAt: now, UpdatedAt: now}
	payload, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}

	created, err := s.client.SetNX(ctx, keyPrefix+id, payload, s.ttl).Result()
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	if !created {
		return s.Get(ctx, id)
	}
	return sess, nil
}

// Update rewrites the session and refreshes its TTL.
func (s *RedisStore) Update(ctx context.Context, id string, changes Changes) error {
	if !changes.Stage.Valid() {
		return ErrInvalidStage
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sess.apply(changes, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+id, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}
