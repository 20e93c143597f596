package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/response"
)

// tokenBucket refills rate tokens per second up to burst. It returns 1 when a
// token was taken. Keys expire once a full bucket would have refilled.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 1000) + 1000)
return allowed
`)

// RateLimiter is a per-user token bucket shared across replicas through Redis.
type RateLimiter struct {
	rdb   *redis.Client
	rate  float64
	burst int
	log   zerolog.Logger
}

// NewRateLimiter creates a RateLimiter allowing rate requests per second with bursts up to burst.
func NewRateLimiter(rdb *redis.Client, rate float64, burst int, log zerolog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rdb:   rdb,
		rate:  rate,
		burst: burst,
		log:   log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow takes one token for subject.
func (rl *RateLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	res, err := tokenBucket.Run(ctx, rl.rdb, []string{config.CacheKey.RateLimitKey(subject)},
		rl.rate, rl.burst, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Middleware rate-limits by authenticated user, or by client IP before authentication.
// Redis failures let the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}

		subject := "ip:" + c.ClientIP()
		if claims := GetClaims(c); claims != nil {
			subject = "user:" + claims.UserID.String()
		}

		ok, err := rl.Allow(c.Request.Context(), subject)
		if err != nil {
			rl.log.Warn().Err(err).Str("subject", subject).Msg("Rate limit check failed, allowing request")
			c.Next()
			return
		}
		if !ok {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
