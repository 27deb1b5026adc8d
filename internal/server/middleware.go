package server

import (
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deliverline/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// newObserveMiddleware logs every request and records its latency.
func newObserveMiddleware(logger *slog.Logger, rec metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			ctx, slot := withPrincipalSlot(r.Context())
			next.ServeHTTP(sr, r.WithContext(ctx))
			duration := time.Since(start)
			rec.RecordHTTPRequest(r.Method, sr.statusCode, duration)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sr.statusCode),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/float64(time.Millisecond)),
			}
			if slot.set {
				args = append(args, slog.String("user_id", slot.principal.UserID))
			}
			level := slog.LevelInfo
			if sr.statusCode >= 500 {
				level = slog.LevelError
			} else if sr.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}

func newRecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())),
					)
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter keeps one token bucket per authenticated user. Idle buckets
// are dropped during lookups once per cleanup interval.
type rateLimiter struct {
	cfg             RateLimitConfig
	cleanupInterval time.Duration

	mu          sync.Mutex
	limiters    map[string]*userLimiter
	lastCleanup time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:             cfg,
		cleanupInterval: 5 * time.Minute,
		limiters:        map[string]*userLimiter{},
		lastCleanup:     time.Now(),
	}
}

func (rl *rateLimiter) limiterFor(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanupInterval {
		for id, ul := range rl.limiters {
			if now.Sub(ul.lastAccess) > 2*rl.cleanupInterval {
				delete(rl.limiters, id)
			}
		}
		rl.lastCleanup = now
	}
	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst)}
		rl.limiters[userID] = ul
	}
	ul.lastAccess = now
	return ul.limiter
}

// middleware must run after authentication; anonymous requests pass through.
func (rl *rateLimiter) middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl.cfg.PerSecond <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.limiterFor(p.UserID).Allow() {
				retryAfter := max(int(math.Ceil(1.0/rl.cfg.PerSecond)), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.Warn("rate limit exceeded", slog.String("user_id", p.UserID))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
