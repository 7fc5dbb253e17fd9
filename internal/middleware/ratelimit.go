package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/auth"
)

// luaRateLimit is an atomic sliding-window counter.
// KEYS[1]=key, ARGV[1]=now (ms), ARGV[2]=window start (ms), ARGV[3]=window seconds,
// ARGV[4]=member, ARGV[5]=limit. Returns the count in the window, or -1 when the
// request is over the limit.
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// Scripter runs Lua scripts. *redis.Client satisfies it.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *rd.Cmd
}

// RedisRateLimit limits each signed-in user (or client IP) to limit requests per
// window. Redis failures let the request through.
func RedisRateLimit(rdb Scripter, prefix string, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		var key string
		if u, ok := auth.CurrentUser(c); ok {
			key = fmt.Sprintf("rate_limit:%s:user:%s", prefix, u.ID)
		} else {
			key = fmt.Sprintf("rate_limit:%s:ip:%s", prefix, c.ClientIP())
		}

		now := time.Now()
		nowMs := now.UnixMilli()
		member := fmt.Sprintf("%d", now.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			nowMs, nowMs-windowSec*1000, windowSec, member, limit).Int()
		if err != nil {
			log.Warn("rate limit unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", windowSec))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
