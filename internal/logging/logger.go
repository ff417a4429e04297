package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithInvocation returns a logger with stream invocation fields attached.
// Use this for all logging within one orchestrator run.
func WithInvocation(artifactID, userID, sessionID string) *slog.Logger {
	return slog.With(
		"artifact_id", artifactID,
		"user_id", userID,
		"session_id", sessionID,
	)
}

// WithConnection returns a logger scoped to a gateway connection.
func WithConnection(connID, userID string) *slog.Logger {
	return slog.With(
		"conn_id", connID,
		"user_id", userID,
	)
}
