package handlers

import (
	"context"
	"time"

	"chatrelay/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	tracker     *services.InvocationTracker
	storeCheck  func(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. storeCheck may be nil for
// backends without a remote server.
func NewHealthHandler(connManager *services.ConnectionManager, tracker *services.InvocationTracker, storeCheck func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{connManager: connManager, tracker: tracker, storeCheck: storeCheck}
}

// Handle always answers 200 while the process is up; the store field is
// informational.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	store := "ok"
	if h.storeCheck != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.storeCheck(ctx); err != nil {
			store = "unavailable"
		}
	}

	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": h.connManager.Count(),
		"registered":  h.connManager.Registered(),
		"inflight":    h.tracker.Count(),
		"draining":    h.tracker.IsDraining(),
		"store":       store,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
