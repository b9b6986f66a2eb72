package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/auth"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the token bucket, by scope.",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles trip API callers with a Redis token bucket shared by
// every instance. Reads and writes draw from separate buckets.
type RateLimiter struct {
	client   redis.Scripter
	readCfg  RateConfig
	writeCfg RateConfig
	script   *redis.Script
	logger   *zap.Logger
	now      func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes
// everything through.
func NewRateLimiter(client redis.Scripter, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:   client,
		readCfg:  read,
		writeCfg: write,
		script:   redis.NewScript(tokenBucketLua),
		logger:   logger,
		now:      time.Now,
	}
}

// Middleware charges one token per request against the caller's read or write
// bucket. A rejected request gets 429 with Retry-After in whole seconds.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (l.readCfg.Rate <= 0 && l.writeCfg.Rate <= 0) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.bucketFor(r.Method)
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		res, err := l.take(r.Context(), bucketKey(scope, clientIdentifier(r)), cfg)
		if err != nil {
			// the limiter must not take the trip API down with it
			l.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.remaining, 10))
		if !res.allowed {
			rejectedTotal.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(res.wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) bucketFor(method string) (string, RateConfig) {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read", l.readCfg
	default:
		return "write", l.writeCfg
	}
}

type bucketResult struct {
	allowed   bool
	remaining int64
	wait      time.Duration
}

// take runs the bucket script. Every reply element is an integer since Redis
// truncates Lua numbers.
func (l *RateLimiter) take(ctx context.Context, key string, cfg RateConfig) (bucketResult, error) {
	reply, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return bucketResult{}, err
	}
	if len(reply) != 3 {
		return bucketResult{}, fmt.Errorf("token bucket: unexpected reply %v", reply)
	}
	return bucketResult{
		allowed:   reply[0] == 1,
		remaining: reply[1],
		wait:      time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func bucketKey(scope, identifier string) string {
	return "rl:trip:" + scope + ":" + identifier
}

// clientIdentifier prefers the authenticated actor, then the declared client,
// then the network peer.
func clientIdentifier(r *http.Request) string {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return "actor:" + actor.String()
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// tokenBucketLua keeps tokens and the last refill time in a hash that expires
// once the bucket would be full again.
// KEYS[1] bucket; ARGV now_ms, rate per second, burst.
// Returns {allowed, floor(tokens left), wait_ms}.
const tokenBucketLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens')) or burst
local stamp = tonumber(redis.call('HGET', KEYS[1], 'stamp')) or now
if now > stamp then
  tokens = math.min(burst, tokens + (now - stamp) * rate / 1000)
  stamp = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'stamp', stamp)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return {allowed, math.floor(tokens), wait}
`
