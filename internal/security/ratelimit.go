package security

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errBadScriptReply = errors.New("unexpected token bucket reply")

// RedisTokenBucket is a token bucket per key kept in Redis, so that every
// node behind one Redis shares the budget of a counterparty.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = tokens + (delta * refill_rate)
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', tostring(filled), 'last', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token for rawKey. A limiter without Redis or with a
// non-positive capacity or rate allows everything.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (bool, int, error) {
	if l == nil || l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return true, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	res, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Result()
	if err != nil {
		return false, 0, err
	}

	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, errBadScriptReply
	}
	allowed, ok1 := scriptNumber(reply[0])
	remaining, ok2 := scriptNumber(reply[1])
	if !ok1 || !ok2 {
		return false, 0, errBadScriptReply
	}
	return allowed == 1, int(remaining), nil
}

// scriptNumber reads a Lua reply value: int64 for integers, string for the
// fractional token count.
func scriptNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// RateLimitMiddleware rejects requests whose key has run out of tokens and
// reports the remaining budget in X-RateLimit-Remaining. Requests for which
// keyFn returns "" are not limited.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter is the number of whole seconds until one token is back.
func (l *RedisTokenBucket) retryAfter() int {
	if l == nil || l.RefillRate <= 0 {
		return 1
	}
	secs := int(math.Ceil(1 / l.RefillRate))
	return max(secs, 1)
}

// KeyByIP keys the limiter by the client's address.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

// KeyByHeaderHost keys the limiter by the host of the URL carried in header,
// falling back to the client's address when the header is absent or not a
// URL. ILP-over-HTTP senders are identified by their callback host.
func KeyByHeaderHost(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if raw := r.Header.Get(header); raw != "" {
			if u, err := url.Parse(raw); err == nil && u.Host != "" {
				return "host:" + strings.ToLower(u.Host)
			}
		}
		return KeyByIP(r)
	}
}
