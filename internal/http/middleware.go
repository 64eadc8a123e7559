package http

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"harvest/internal/config"
)

// authMiddleware validates the Authorization: Bearer <key> header against
// the configured API keys and stores the caller identity as "apiKey".
func authMiddleware(cfg *config.Config) fiber.Handler {
	keys := make([][]byte, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(c *fiber.Ctx) error {
		if !cfg.Auth.Enabled {
			return c.Next()
		}

		rawAuth := c.Get("Authorization")
		if rawAuth == "" || !strings.HasPrefix(rawAuth, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "Missing Authorization Bearer token",
			})
		}

		token := []byte(strings.TrimSpace(strings.TrimPrefix(rawAuth, "Bearer ")))
		for _, k := range keys {
			if subtle.ConstantTimeCompare(token, k) == 1 {
				c.Locals("apiKey", keyID(string(token)))
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Success: false,
			Code:    "UNAUTHENTICATED",
			Error:   "Invalid API key",
		})
	}
}

// keyID is a stable, non-secret identifier for an API key, safe to use
// in Redis keys and logs.
func keyID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// callerID is the rate limit bucket for a request: the API key when auth
// is on, otherwise the client IP.
func callerID(c *fiber.Ctx) string {
	if id, ok := c.Locals("apiKey").(string); ok && id != "" {
		return id
	}
	return "ip:" + c.IP()
}

// rateLimitMiddleware enforces a per-minute fixed-window limit per caller
// using Redis.
func rateLimitMiddleware(cfg *config.Config, rdb redis.Cmdable) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := cfg.RateLimit.DefaultPerMinute
		if limit <= 0 {
			return c.Next()
		}

		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("harvest:rl:%s:%s", callerID(c), window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "INTERNAL_ERROR",
				Error:   fmt.Sprintf("rate limit increment failed: %v", err),
			})
		}
		if count == 1 {
			// First hit in this window; set TTL
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			return tooManyRequests(c)
		}
		return c.Next()
	}
}

// localRateLimitMiddleware is the in-process limiter used when Redis is
// not configured. Each caller gets a token bucket refilled at the
// per-minute rate.
func localRateLimitMiddleware(cfg *config.Config) fiber.Handler {
	limit := cfg.RateLimit.DefaultPerMinute
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(id string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[id]
		if !ok {
			l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)
			limiters[id] = l
		}
		return l
	}

	return func(c *fiber.Ctx) error {
		if limit <= 0 {
			return c.Next()
		}
		if !get(callerID(c)).Allow() {
			return tooManyRequests(c)
		}
		return c.Next()
	}
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
		Success: false,
		Code:    "RATE_LIMIT_EXCEEDED",
		Error:   "Rate limit exceeded, try again later",
	})
}
