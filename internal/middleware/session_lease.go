package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "ussd:lease:"

// releaseLease deletes the lease only while it still holds our token.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLease serialises requests for the same USSD session. A second request
// arriving while the first is in flight is refused with 409. Redis failures
// let the request through.
func SessionLease(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || ttl <= 0 {
			return c.Next()
		}
		sessionID := strings.TrimSpace(c.FormValue("sessionId"))
		if sessionID == "" {
			return c.Next()
		}

		key := leasePrefix + sessionID
		token := uuid.NewString()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		acquired, err := cache.SetNX(ctx, key, token, ttl).Result()
		cancel()
		if err != nil {
			logger.Warn("session lease unavailable", slog.String("session_id", sessionID), slog.Any("error", err))
			return c.Next()
		}
		if !acquired {
			return fiber.NewError(fiber.StatusConflict, "session busy")
		}

		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseLease.Run(releaseCtx, cache, []string{key}, token).Err(); err != nil && err != redis.Nil {
				logger.Warn("release session lease", slog.String("session_id", sessionID), slog.Any("error", err))
			}
		}()
		return c.Next()
	}
}
