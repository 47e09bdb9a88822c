package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/config"
)

// joinBucket is a token bucket refilled continuously at
// refill/interval tokens per millisecond.  The hash keeps the fractional
// token count and the time it was computed.
//
// KEYS[1] bucket; ARGV now_ms, capacity, refill, interval_ms, ttl_ms.
// Returns {allowed, whole tokens left, ms until the next token}.
var joinBucket = redis.NewScript(`
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local rate = tonumber(ARGV[3]) / tonumber(ARGV[4])

local b = redis.call('HMGET', KEYS[1], 'tk', 'ts')
local tk = tonumber(b[1]) or cap
local ts = tonumber(b[2]) or now
if now > ts then
  tk = math.min(cap, tk + (now - ts) * rate)
end

local ok, wait = 0, 0
if tk >= 1 then
  ok = 1
  tk = tk - 1
else
  wait = math.ceil((1 - tk) / rate)
end

redis.call('HSET', KEYS[1], 'tk', tostring(tk), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {ok, math.floor(tk), wait}
`)

// NewTokenBucket throttles token requests per caller using a bucket kept
// in Redis.  With the limiter disabled or no Redis client it is a no-op.
// Redis failures let the request through: a join must not fail because
// the limiter is down.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, logger *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limit := strconv.Itoa(cfg.Capacity)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			res, err := joinBucket.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(), cfg.TTL.Milliseconds(),
			).Int64Slice()
			if err != nil || len(res) != 3 {
				logger.Warn("rate limiter unavailable, request allowed", zap.String("key", key), zap.Error(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res[1], 10))
			if res[0] == 1 {
				return next(c)
			}

			wait := retryAfterSeconds(res[2])
			h.Set("Retry-After", strconv.Itoa(wait))
			if cfg.Debug {
				logger.Info("token request throttled", zap.String("key", key), zap.Int64("wait_ms", res[2]))
			}
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too many token requests",
				"retry_after": wait,
			})
		}
	}
}

// retryAfterSeconds rounds a wait up to whole seconds for Retry-After.
func retryAfterSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}

// buildRateKey scopes the bucket.  "user" and "user_route" fall back to
// the client IP for unauthenticated callers.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	who := []string{"ip", c.RealIP()}
	if id, ok := UserID(c); ok {
		who = []string{"user", strconv.FormatUint(id, 10)}
	}

	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", c.RealIP())
	case "user":
		parts = append(parts, who...)
	default:
		parts = append(parts, who...)
		parts = append(parts, "route", c.Request().Method+" "+c.Path())
	}
	return strings.Join(parts, ":")
}
