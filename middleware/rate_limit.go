package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"cardgate-api/models"
)

type RateLimiter struct {
	client *redis.Client
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Message  string
}

// Per-endpoint limits. Tokenize is the expensive call; the gate page is
// cheap but a convenient probe target.
var defaultConfigs = map[string]RateLimitConfig{
	"/api/proxy/tokenize": {
		Requests: 30,
		Window:   time.Minute,
		Message:  "Too many tokenization attempts. Please slow down.",
	},
	"/api/proxy/purchase": {
		Requests: 10,
		Window:   time.Minute,
		Message:  "Too many purchase attempts. Please wait a minute.",
	},
	"/gate": {
		Requests: 60,
		Window:   time.Minute,
		Message:  "Too many page loads. Please slow down.",
	},
	"default": {
		Requests: 120,
		Window:   time.Minute,
		Message:  "Rate limit exceeded. Please slow down your requests.",
	},
}

func NewRateLimiter(redisURL string) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL for rate limiter: %v", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis for rate limiting: %v", err)
	}

	return &RateLimiter{client: client}, nil
}

// NewRateLimiterWithClient wraps an existing Redis client, used by tests.
func NewRateLimiterWithClient(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

func (rl *RateLimiter) RateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			config := rl.getConfigForEndpoint(r.URL.Path)
			key := rl.getRateLimitKey(r, config)

			allowed, remaining, resetTime, err := rl.checkRateLimit(r.Context(), key, config)
			if err != nil {
				// Fail open: a rate limiter outage must not take the
				// gate down with it.
				log.Printf("Rate limit check error: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				log.Printf("Rate limit exceeded for key: %s, endpoint: %s", key, r.URL.Path)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetTime).Seconds()), 10))
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(models.APIResponse{
					Status:  "error",
					Message: config.Message,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) getConfigForEndpoint(path string) RateLimitConfig {
	if config, exists := defaultConfigs[path]; exists {
		return config
	}
	for prefix, config := range defaultConfigs {
		if prefix != "default" && strings.HasPrefix(path, prefix) {
			return config
		}
	}
	return defaultConfigs["default"]
}

// getRateLimitKey scopes the counter to the verified merchant when one
// is present, otherwise to the caller's IP.
func (rl *RateLimiter) getRateLimitKey(r *http.Request, config RateLimitConfig) string {
	if identity := GetMerchantFromContext(r.Context()); identity != nil {
		return fmt.Sprintf("ratelimit:merchant:%s:%s", identity.MerchantID, r.URL.Path)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return fmt.Sprintf("ratelimit:ip:%s:%s", host, r.URL.Path)
}

func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string, config RateLimitConfig) (bool, int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	if count == 1 {
		if err := rl.client.Expire(ctx, key, config.Window).Err(); err != nil {
			return false, 0, time.Time{}, err
		}
	}

	ttl, err := rl.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = config.Window
	}
	resetTime := time.Now().Add(ttl)

	remaining := config.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return int(count) <= config.Requests, remaining, resetTime, nil
}

func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}
