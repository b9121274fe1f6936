package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; img-src 'self' data:; frame-ancestors 'none'")
		c.Set("Cache-Control", "no-store")
		if c.Protocol() == "https" {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		return c.Next()
	}
}

// Deadline bounds the handler's UserContext. fasthttp never cancels it when
// the client disconnects.
func Deadline(d time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if d <= 0 {
			return c.Next()
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), d)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// RateLimiter implements a token bucket rate limiter per client IP
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	if b < 1 {
		b = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.evict(now)
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// evict forgets visitors idle for longer than ttl. Callers hold mu.
func (rl *RateLimiter) evict(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.ttl {
			delete(rl.visitors, ip)
		}
	}
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rl.getLimiter(c.IP()).Allow() {
			return fiber.NewError(fiber.StatusTooManyRequests, "Too many requests")
		}
		return c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else if status < fiber.StatusBadRequest {
				status = fiber.StatusInternalServerError
			}
		}

		ev := log.Info()
		if status >= fiber.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote_ip", c.IP()).
			Interface("request_id", c.Locals("requestid")).
			Str("subject", Subject(c)).
			Msg("request")
		return err
	}
}

// Metrics tracks request metrics
type Metrics struct {
	totalRequests  int64
	activeRequests int64
	totalDuration  time.Duration
	statusCodes    map[int]int64
	mu             sync.Mutex
}

func NewMetrics() *Metrics {
	return &Metrics{
		statusCodes: make(map[int]int64),
	}
}

func (m *Metrics) Track() fiber.Handler {
	return func(c *fiber.Ctx) error {
		m.mu.Lock()
		m.totalRequests++
		m.activeRequests++
		m.mu.Unlock()

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		m.mu.Lock()
		m.activeRequests--
		m.totalDuration += duration
		m.statusCodes[status]++
		m.mu.Unlock()
		return err
	}
}

// MetricsSnapshot is the JSON form of Metrics.
type MetricsSnapshot struct {
	TotalRequests  int64            `json:"totalRequests"`
	ActiveRequests int64            `json:"activeRequests"`
	AvgDurationMS  int64            `json:"avgDurationMs"`
	StatusCodes    map[string]int64 `json:"statusCodes"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests:  m.totalRequests,
		ActiveRequests: m.activeRequests,
		StatusCodes:    make(map[string]int64, len(m.statusCodes)),
	}
	if done := m.totalRequests - m.activeRequests; done > 0 {
		snap.AvgDurationMS = (m.totalDuration / time.Duration(done)).Milliseconds()
	}
	for code, n := range m.statusCodes {
		snap.StatusCodes[strconv.Itoa(code)] = n
	}
	return snap
}
