package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/engine"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
)

// ErrDraining is returned when a run is refused because the server is shutting down
var ErrDraining = errors.New("server is draining, invocation not started")

// StreamOrchestrator drives generation invocations end to end. Each run
// streams from the engine, persists tool records and the final artifact,
// and emits notifications to the user's connection whenever one is present.
// Runs are independent: nothing serializes overlapping invocations, even
// for the same session.
type StreamOrchestrator struct {
	messages *MessageLog
	presence *PresenceRegistry
	engine   engine.Engine
	tracker  *InvocationTracker
	metrics  *Metrics
}

// NewStreamOrchestrator creates an orchestrator. tracker and metrics may be nil.
func NewStreamOrchestrator(messages *MessageLog, presence *PresenceRegistry, eng engine.Engine, tracker *InvocationTracker, metrics *Metrics) *StreamOrchestrator {
	if tracker == nil {
		tracker = NewInvocationTracker()
	}
	return &StreamOrchestrator{
		messages: messages,
		presence: presence,
		engine:   eng,
		tracker:  tracker,
		metrics:  metrics,
	}
}

// Tracker returns the registry of in-flight runs
func (o *StreamOrchestrator) Tracker() *InvocationTracker {
	return o.tracker
}

// invocation is the ephemeral state of one run, owned by its goroutine
type invocation struct {
	artifactID string
	userID     string
	sessionID  string
	state      StreamState
	buffer     strings.Builder
	logger     *slog.Logger
	startedAt  time.Time
}

// Start allocates an artifact id and launches the run in the background.
// It does not wait for the run. ErrDraining means no run was started.
func (o *StreamOrchestrator) Start(userID, sessionID, input string) (string, error) {
	artifactID := models.NewMessageID()
	if !o.tracker.Acquire(artifactID, userID, sessionID) {
		return "", ErrDraining
	}

	go func() {
		defer o.tracker.Release(artifactID)
		o.run(context.Background(), artifactID, engine.Request{
			UserID:    userID,
			SessionID: sessionID,
			Input:     input,
		})
	}()
	return artifactID, nil
}

// Run executes one invocation synchronously under a fresh artifact id and
// returns the artifact id with the terminal state.
func (o *StreamOrchestrator) Run(ctx context.Context, req engine.Request) (string, StreamState, error) {
	artifactID := models.NewMessageID()
	if !o.tracker.Acquire(artifactID, req.UserID, req.SessionID) {
		return "", StateFailed, ErrDraining
	}
	defer o.tracker.Release(artifactID)

	state, err := o.run(ctx, artifactID, req)
	return artifactID, state, err
}

func (o *StreamOrchestrator) run(ctx context.Context, artifactID string, req engine.Request) (state StreamState, err error) {
	inv := &invocation{
		artifactID: artifactID,
		userID:     req.UserID,
		sessionID:  req.SessionID,
		logger:     logging.WithInvocation(artifactID, req.UserID, req.SessionID),
		startedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during invocation: %v", r)
		}
		if err != nil {
			o.transition(inv, StateFailed)
			inv.logger.Error("invocation failed",
				"error", err,
				"buffered_chars", inv.buffer.Len(),
				"duration_ms", time.Since(inv.startedAt).Milliseconds())
		}
		state = inv.state
		o.metrics.RecordInvocation(inv.state, time.Since(inv.startedAt).Seconds())
	}()

	o.transition(inv, StateStarted)
	o.emit(inv, models.StartedNotification{ID: artifactID, SessionID: inv.sessionID})

	stream, err := o.engine.Stream(ctx, req)
	if err != nil {
		return StateFailed, fmt.Errorf("failed to start %s engine: %w", o.engine.Name(), err)
	}
	defer stream.Close()

	o.transition(inv, StateStreaming)
	if err := o.consume(ctx, inv, stream); err != nil {
		return StateFailed, err
	}
	if err := o.finalize(ctx, inv, stream); err != nil {
		return StateFailed, err
	}

	o.transition(inv, StateFinished)
	inv.logger.Info("invocation finished",
		"chars", inv.buffer.Len(),
		"duration_ms", time.Since(inv.startedAt).Milliseconds())
	return StateFinished, nil
}

// consume pulls the feed until it is exhausted
func (o *StreamOrchestrator) consume(ctx context.Context, inv *invocation, stream engine.Stream) error {
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("generation feed failed: %w", err)
		}

		switch ev.Kind {
		case engine.EventTextDelta:
			inv.buffer.WriteString(ev.Text)
			o.emit(inv, models.ChunkNotification{ID: inv.artifactID, SessionID: inv.sessionID, Delta: ev.Text})

		case engine.EventToolCall:
			msg := models.NewToolUseMessage(inv.userID, inv.sessionID, ev.ToolName)
			notification := models.ToolCallNotification{SessionID: inv.sessionID, Name: ev.ToolName}
			if err := o.persistAndEmit(ctx, inv, msg, notification); err != nil {
				return err
			}
			o.metrics.RecordToolEvent(ev.ToolName, string(models.BodyToolUse))

		case engine.EventToolResult:
			msg := models.NewToolResultMessage(inv.userID, inv.sessionID, ev.ToolName)
			notification := models.ToolResultNotification{SessionID: inv.sessionID, Name: ev.ToolName}
			if err := o.persistAndEmit(ctx, inv, msg, notification); err != nil {
				return err
			}
			o.metrics.RecordToolEvent(ev.ToolName, string(models.BodyToolResult))

		case engine.EventFinish:
			// completion is decided by the final text below
		}
	}
}

// finalize persists exactly one ai record under the artifact id
func (o *StreamOrchestrator) finalize(ctx context.Context, inv *invocation, stream engine.Stream) error {
	text, err := stream.FinalText()
	if err != nil {
		return fmt.Errorf("failed to resolve final text: %w", err)
	}
	if text == "" {
		text = inv.buffer.String()
	}

	msg := models.NewArtifactMessage(inv.artifactID, inv.userID, inv.sessionID, text)
	return o.persistAndEmit(ctx, inv, msg, models.CompleteNotification{
		ID:        inv.artifactID,
		SessionID: inv.sessionID,
		Text:      text,
	})
}

// persistAndEmit appends msg, then marks it delivered if the notification
// reached a live connection. Only a failed append fails the run; a record
// whose mark fails stays undelivered.
func (o *StreamOrchestrator) persistAndEmit(ctx context.Context, inv *invocation, msg *models.Message, n models.Notification) error {
	if err := o.messages.Append(ctx, msg); err != nil {
		return err
	}
	if !o.emit(inv, n) {
		return nil
	}
	if _, err := o.messages.MarkDelivered(ctx, msg.ID); err != nil {
		inv.logger.Warn("failed to mark record delivered", "message_id", msg.ID, "error", err)
	}
	return nil
}

// emit sends n to the user's current connection. The registry is consulted
// on every emission so a reconnect mid-stream receives the rest of the run.
func (o *StreamOrchestrator) emit(inv *invocation, n models.Notification) bool {
	conn, ok := o.presence.Lookup(inv.userID)
	if !ok {
		return false
	}
	return conn.Send(n)
}

func (o *StreamOrchestrator) transition(inv *invocation, state StreamState) {
	if inv.state.Terminal() {
		return
	}
	inv.state = state
	o.tracker.SetState(inv.artifactID, state)
	if state == StateStarted {
		log.Printf("🚀 [STREAM] Invocation %s started for user %s (session %s)", inv.artifactID, inv.userID, inv.sessionID)
	}
}
