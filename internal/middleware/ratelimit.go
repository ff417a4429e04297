package middleware

import (
	"log"
	"time"

	"chatrelay/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// WebSocket upgrade attempts (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration

	// Plain HTTP endpoints such as /health (per IP)
	HTTPMax        int
	HTTPExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,

		HTTPMax:        120,
		HTTPExpiration: 1 * time.Minute,
	}
}

// NewRateLimitConfig applies the server configuration over the defaults.
// Development mode is relaxed so that hot reloads don't lock the browser out.
func NewRateLimitConfig(cfg *config.Config) *RateLimitConfig {
	rl := DefaultRateLimitConfig()
	if cfg.RateLimitWebSocket > 0 {
		rl.WebSocketMax = cfg.RateLimitWebSocket
	}
	if !cfg.IsProduction() {
		rl.WebSocketMax *= 10
		rl.HTTPMax *= 10
	}
	log.Printf("🛡️  [RATE-LIMIT] WebSocket=%d/%s, HTTP=%d/%s",
		rl.WebSocketMax, rl.WebSocketExpiration, rl.HTTPMax, rl.HTTPExpiration)
	return rl
}

// WebSocketRateLimiter for WebSocket connection attempts
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.WebSocketMax,
		Expiration: config.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] WebSocket connection limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"retry_after": int(config.WebSocketExpiration.Seconds()),
			})
		},
	})
}

// HTTPRateLimiter for the plain HTTP endpoints
func HTTPRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.HTTPMax,
		Expiration: config.HTTPExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "http:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests",
				"retry_after": int(config.HTTPExpiration.Seconds()),
			})
		},
	})
}
