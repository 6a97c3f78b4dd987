package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/auth"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// requireAPIKey authenticates every /api request against the hashed key
// store. Repeated failures trip the per-IP lockout inside the keyring.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.KeyFromRequest(r)
		if !s.keyring.Authenticate(key, r.RemoteAddr) {
			httputil.Unauthorized(w, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF enforces the double-submit token on state-changing requests
// that originate from browser sessions (identified by an Origin header).
// Server-to-server API clients and webhooks are unaffected.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Origin") == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.csrf.Verify(r.Header.Get("X-Csrf-Token")) {
			httputil.Error(w, http.StatusForbidden, "missing or invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyRateLimiter enforces a per-API-key request limit in Redis over fixed
// one-minute windows keyed by the Unix minute; it is not a sliding window,
// so a burst straddling a minute boundary can reach twice the limit. The Lua
// script checks and increments atomically so concurrent requests cannot
// slip past the limit between GET and INCR.
type KeyRateLimiter struct {
	redis     *redis.Client
	perMinute int
	script    *redis.Script
}

const keyLimitLua = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return {0, redis.call("TTL", key)}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, 0}
`

// NewKeyRateLimiter builds the limiter with a pre-compiled script.
func NewKeyRateLimiter(client *redis.Client, perMinute int) *KeyRateLimiter {
	return &KeyRateLimiter{
		redis:     client,
		perMinute: perMinute,
		script:    redis.NewScript(keyLimitLua),
	}
}

// Allow consumes one request slot for the key's current minute window.
// Returns the seconds to wait when denied.
func (l *KeyRateLimiter) Allow(r *http.Request, fingerprint string) (bool, int) {
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("apilimit:%s:%d", fingerprint, window)

	res, err := l.script.Run(r.Context(), l.redis, []string{key}, l.perMinute, 120).Slice()
	if err != nil {
		// Redis down: fail open, the API-key auth still gates access.
		logger.Warn("api rate limit check failed", "error", err.Error())
		return true, 0
	}
	allowed := res[0].(int64) == 1
	if allowed {
		return true, 0
	}
	retryAfter := 60 - int(time.Now().Unix()%60)
	return false, retryAfter
}

// rateLimitByKey applies the per-key one-minute window. Health is mounted
// outside the authenticated subtree, so it is naturally exempt.
func (s *Server) rateLimitByKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keyLimit == nil {
			next.ServeHTTP(w, r)
			return
		}
		fp := auth.Fingerprint(auth.KeyFromRequest(r))
		if ok, retryAfter := s.keyLimit.Allow(r, fp); !ok {
			httputil.TooManyRequests(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}
