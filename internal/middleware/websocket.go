package middleware

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// WebSocketUpgrade rejects non-upgrade requests and passes the client IP
// and the optional ?userId= declaration to the connection handler.
func WebSocketUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("allowed", true)
		c.Locals("client_ip", c.IP())
		if userID := strings.TrimSpace(c.Query("userId")); userID != "" {
			c.Locals("user_id", userID)
		}
		return c.Next()
	}
}
