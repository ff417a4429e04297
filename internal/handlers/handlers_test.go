package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/engine"
	"chatrelay/internal/middleware"
	"chatrelay/internal/models"
	"chatrelay/internal/services"
	"chatrelay/internal/tools"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type gateway struct {
	addr        string
	sessions    *services.SessionDirectory
	presence    *services.PresenceRegistry
	messages    *services.MessageLog
	connManager *services.ConnectionManager
	tracker     *services.InvocationTracker
}

// gatedEngine emits whatever the test pushes into feed and ends when feed is closed
type gatedEngine struct {
	feed chan engine.Event
}

func newGatedEngine() *gatedEngine {
	return &gatedEngine{feed: make(chan engine.Event)}
}

func (e *gatedEngine) Name() string { return "gated" }

func (e *gatedEngine) Stream(context.Context, engine.Request) (engine.Stream, error) {
	return gatedStream{feed: e.feed}, nil
}

type gatedStream struct {
	feed chan engine.Event
}

func (s gatedStream) Recv() (engine.Event, error) {
	ev, ok := <-s.feed
	if !ok {
		return engine.Event{}, io.EOF
	}
	return ev, nil
}

func (s gatedStream) FinalText() (string, error) { return "", nil }
func (s gatedStream) Close()                     {}

func (e *gatedEngine) delta(text string) {
	e.feed <- engine.Event{Kind: engine.EventTextDelta, Text: text}
}

func setupGateway(t *testing.T, opts ...func(*WebSocketHandler)) *gateway {
	t.Helper()
	return setupGatewayWith(t, engine.NewScriptedEngine(tools.NewBuiltinRegistry(), 4), opts...)
}

func setupGatewayWith(t *testing.T, eng engine.Engine, opts ...func(*WebSocketHandler)) *gateway {
	t.Helper()

	connManager := services.NewConnectionManager()
	presence := services.NewPresenceRegistry()
	messages := services.NewMessageLog(services.NewMemoryMessageStore())
	sessions := services.NewSessionDirectory(services.NewMemorySessionStore())
	tracker := services.NewInvocationTracker()
	metrics := services.NewMetrics(prometheus.NewRegistry(), services.MetricsSources{
		Connections: connManager,
		Presence:    presence,
		Tracker:     tracker,
	})
	orchestrator := services.NewStreamOrchestrator(messages, presence, eng, tracker, metrics)

	h := NewWebSocketHandler(connManager, presence, messages, sessions, orchestrator, metrics)
	for _, opt := range opts {
		opt(h)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", NewHealthHandler(connManager, tracker, nil).Handle)
	app.Use("/ws", middleware.WebSocketUpgrade())
	app.Get("/ws", websocket.New(h.Handle))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() {
		tracker.Drain(5 * time.Second)
		app.ShutdownWithTimeout(5 * time.Second)
	})

	return &gateway{
		addr:        ln.Addr().String(),
		sessions:    sessions,
		presence:    presence,
		messages:    messages,
		connManager: connManager,
		tracker:     tracker,
	}
}

func (g *gateway) dial(t *testing.T, query string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+g.addr+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *gorilla.Conn, event string, data interface{}) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"event": event, "data": data}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

func next(t *testing.T, conn *gorilla.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

func (g *gateway) waitForConnections(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for g.connManager.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d connections, have %d", n, g.connManager.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func expect(t *testing.T, conn *gorilla.Conn, event string) frame {
	t.Helper()
	f := next(t, conn)
	if f.Event != event {
		t.Fatalf("Expected %s, got %s (%s)", event, f.Event, string(f.Data))
	}
	return f
}

func getHealth(t *testing.T, app *fiber.App) map[string]interface{} {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var health map[string]interface{}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Failed to parse body: %v", err)
	}
	return health
}

func TestHealthEndpoint(t *testing.T) {
	connManager := services.NewConnectionManager()
	tracker := services.NewInvocationTracker()
	app := fiber.New()
	app.Get("/health", NewHealthHandler(connManager, tracker, nil).Handle)

	health := getHealth(t, app)
	if health["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", health["status"])
	}
	if health["connections"] != float64(0) || health["inflight"] != float64(0) {
		t.Errorf("Expected zero counters, got %v", health)
	}
	if health["store"] != "ok" {
		t.Errorf("Expected store ok, got %v", health["store"])
	}
}

func TestHealthEndpointStoreDown(t *testing.T) {
	app := fiber.New()
	down := func(context.Context) error { return errors.New("connection refused") }
	app.Get("/health", NewHealthHandler(services.NewConnectionManager(), services.NewInvocationTracker(), down).Handle)

	health := getHealth(t, app)
	if health["status"] != "healthy" {
		t.Errorf("Expected liveness to stay healthy, got %v", health["status"])
	}
	if health["store"] != "unavailable" {
		t.Errorf("Expected store unavailable, got %v", health["store"])
	}
}

func TestGatewayRegisterPushesSessionList(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t, "")

	send(t, conn, models.EventRegister, map[string]string{"userId": "alice"})
	f := expect(t, conn, models.EventSessionList)

	var sessions []models.SessionItem
	if err := json.Unmarshal(f.Data, &sessions); err != nil {
		t.Fatalf("Failed to decode session list: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions, got %d", len(sessions))
	}
	if _, ok := g.presence.Lookup("alice"); !ok {
		t.Error("Expected alice to be online")
	}
}

func TestGatewaySessionCreate(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t, "?userId=alice")
	expect(t, conn, models.EventSessionList)

	send(t, conn, models.EventSessionCreate, map[string]string{"sessionId": "s1", "title": "Trip"})
	f := expect(t, conn, models.EventSessionList)

	var sessions []models.SessionItem
	if err := json.Unmarshal(f.Data, &sessions); err != nil {
		t.Fatalf("Failed to decode session list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].Title != "Trip" {
		t.Errorf("Unexpected session list: %+v", sessions)
	}
}

func TestGatewaySendStreamsAndReplays(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t, "?userId=alice")
	expect(t, conn, models.EventSessionList)

	send(t, conn, models.EventAISend, map[string]string{"sessionId": "s1", "text": "what's the weather in Paris?"})

	f := expect(t, conn, models.EventSessionList)
	var sessions []models.SessionItem
	json.Unmarshal(f.Data, &sessions)
	if len(sessions) != 1 || sessions[0].Title != models.DefaultSessionTitle {
		t.Errorf("Expected a default-titled session, got %+v", sessions)
	}

	var started models.StartedNotification
	json.Unmarshal(expect(t, conn, models.EventAIStarted).Data, &started)
	if started.ID == "" || started.SessionID != "s1" {
		t.Fatalf("Unexpected started payload: %+v", started)
	}

	var call models.ToolCallNotification
	json.Unmarshal(expect(t, conn, models.EventAIToolCall).Data, &call)
	if call.Name != "get_weather" {
		t.Errorf("Expected get_weather tool call, got %q", call.Name)
	}
	expect(t, conn, models.EventAIToolResult)

	streamed := ""
	for {
		f := next(t, conn)
		if f.Event == models.EventAIComplete {
			var complete models.CompleteNotification
			json.Unmarshal(f.Data, &complete)
			if complete.ID != started.ID {
				t.Errorf("Complete id %s does not match started id %s", complete.ID, started.ID)
			}
			if complete.Text != streamed {
				t.Errorf("Complete text %q does not match streamed text %q", complete.Text, streamed)
			}
			break
		}
		if f.Event != models.EventAIChunk {
			t.Fatalf("Unexpected event while streaming: %s", f.Event)
		}
		var chunk models.ChunkNotification
		json.Unmarshal(f.Data, &chunk)
		streamed += chunk.Delta
	}

	send(t, conn, models.EventSessionOpen, map[string]string{"sessionId": "s1"})
	var replay models.SessionMessagesNotification
	if err := json.Unmarshal(expect(t, conn, models.EventSessionMessages).Data, &replay); err != nil {
		t.Fatalf("Failed to decode replay: %v", err)
	}

	wantRoles := []models.Role{models.RoleUser, models.RoleSystem, models.RoleSystem, models.RoleAI}
	if len(replay.Messages) != len(wantRoles) {
		t.Fatalf("Expected %d messages, got %d", len(wantRoles), len(replay.Messages))
	}
	for i, role := range wantRoles {
		if replay.Messages[i].Role != role {
			t.Errorf("Message %d: expected role %s, got %s", i, role, replay.Messages[i].Role)
		}
	}
	if replay.Messages[3].ID != started.ID {
		t.Errorf("Expected the artifact to be stored under %s, got %s", started.ID, replay.Messages[3].ID)
	}
	if !replay.Messages[0].Delivered {
		t.Error("Expected the user's own message to be delivered")
	}
}

func TestGatewayDropsInvalidFrames(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t, "")

	// Before register: valid intents are dropped too
	send(t, conn, models.EventSessionCreate, map[string]string{"sessionId": "s1"})
	conn.WriteMessage(gorilla.TextMessage, []byte("not json"))
	send(t, conn, "shout", map[string]string{})
	send(t, conn, models.EventAISend, map[string]string{"sessionId": "s1"})

	send(t, conn, models.EventRegister, map[string]string{"userId": "bob"})
	f := expect(t, conn, models.EventSessionList)

	var sessions []models.SessionItem
	json.Unmarshal(f.Data, &sessions)
	if len(sessions) != 0 {
		t.Errorf("Expected dropped frames to leave no sessions, got %+v", sessions)
	}

	msgs, err := g.messages.Query(t.Context(), "bob", "s1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no messages, got %d", len(msgs))
	}
}

func TestGatewayIgnoresReregister(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t, "?userId=alice")
	expect(t, conn, models.EventSessionList)

	send(t, conn, models.EventRegister, map[string]string{"userId": "mallory"})
	send(t, conn, models.EventSessionOpen, map[string]string{"sessionId": "s1"})

	// The next frame answers session_open; the second register produced nothing
	expect(t, conn, models.EventSessionMessages)
	if _, ok := g.presence.Lookup("mallory"); ok {
		t.Error("Expected the second register to be ignored")
	}
}

func TestGatewayDisconnectKeepsNewerConnection(t *testing.T) {
	g := setupGateway(t)

	first := g.dial(t, "?userId=alice")
	expect(t, first, models.EventSessionList)
	second := g.dial(t, "?userId=alice")
	expect(t, second, models.EventSessionList)

	first.Close()

	deadline := time.Now().Add(5 * time.Second)
	for g.connManager.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected one connection to remain, have %d", g.connManager.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := g.presence.Lookup("alice"); !ok {
		t.Fatal("Expected alice to stay online through the newer connection")
	}

	send(t, second, models.EventAISend, map[string]string{"sessionId": "s1", "text": "hello"})
	expect(t, second, models.EventSessionList)
	expect(t, second, models.EventAIStarted)
}

func TestGatewayFrameLimit(t *testing.T) {
	g := setupGateway(t, func(h *WebSocketHandler) { h.WithFrameLimit(1, 1) })
	conn := g.dial(t, "?userId=alice")
	expect(t, conn, models.EventSessionList)

	send(t, conn, models.EventSessionCreate, map[string]string{"sessionId": "s1"})
	expect(t, conn, models.EventSessionList)

	// Over the limit: dropped without a reply
	send(t, conn, models.EventSessionCreate, map[string]string{"sessionId": "s2"})

	time.Sleep(1100 * time.Millisecond)
	send(t, conn, models.EventSessionCreate, map[string]string{"sessionId": "s3"})
	f := expect(t, conn, models.EventSessionList)

	var sessions []models.SessionItem
	json.Unmarshal(f.Data, &sessions)
	if len(sessions) != 2 {
		t.Fatalf("Expected s1 and s3 only, got %+v", sessions)
	}
	for _, s := range sessions {
		if s.ID == "s2" {
			t.Error("Expected s2 to be dropped by the frame limit")
		}
	}
}

func TestGatewayReconnectMidRunReceivesRest(t *testing.T) {
	eng := newGatedEngine()
	g := setupGatewayWith(t, eng)

	first := g.dial(t, "?userId=alice")
	expect(t, first, models.EventSessionList)
	send(t, first, models.EventAISend, map[string]string{"sessionId": "s1", "text": "hi"})
	expect(t, first, models.EventSessionList)

	var started models.StartedNotification
	json.Unmarshal(expect(t, first, models.EventAIStarted).Data, &started)

	eng.delta("Hel")
	var chunk models.ChunkNotification
	json.Unmarshal(expect(t, first, models.EventAIChunk).Data, &chunk)
	if chunk.Delta != "Hel" {
		t.Fatalf("Expected the first delta on the first connection, got %q", chunk.Delta)
	}

	first.Close()
	g.waitForConnections(t, 0)

	second := g.dial(t, "?userId=alice")
	expect(t, second, models.EventSessionList)

	eng.delta("lo")
	close(eng.feed)

	json.Unmarshal(expect(t, second, models.EventAIChunk).Data, &chunk)
	if chunk.Delta != "lo" || chunk.ID != started.ID {
		t.Errorf("Expected the remaining delta of %s, got %+v", started.ID, chunk)
	}
	var complete models.CompleteNotification
	json.Unmarshal(expect(t, second, models.EventAIComplete).Data, &complete)
	if complete.ID != started.ID || complete.Text != "Hello" {
		t.Errorf("Expected the complete reply under %s, got %+v", started.ID, complete)
	}
}

func TestGatewayOfflineRunVisibleOnReplay(t *testing.T) {
	eng := newGatedEngine()
	g := setupGatewayWith(t, eng)

	first := g.dial(t, "?userId=alice")
	expect(t, first, models.EventSessionList)
	send(t, first, models.EventAISend, map[string]string{"sessionId": "s1", "text": "hi"})
	expect(t, first, models.EventSessionList)

	var started models.StartedNotification
	json.Unmarshal(expect(t, first, models.EventAIStarted).Data, &started)

	first.Close()
	g.waitForConnections(t, 0)

	eng.delta("Hel")
	eng.delta("lo")
	close(eng.feed)

	deadline := time.Now().Add(5 * time.Second)
	for g.tracker.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not finish while the user was offline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := g.dial(t, "?userId=alice")
	expect(t, second, models.EventSessionList)
	send(t, second, models.EventSessionOpen, map[string]string{"sessionId": "s1"})

	// nothing from the finished run is pushed; the next frame is the replay
	var replay models.SessionMessagesNotification
	if err := json.Unmarshal(expect(t, second, models.EventSessionMessages).Data, &replay); err != nil {
		t.Fatalf("Failed to decode replay: %v", err)
	}
	if len(replay.Messages) != 2 {
		t.Fatalf("Expected the user message and the reply, got %d messages", len(replay.Messages))
	}
	reply := replay.Messages[1]
	if reply.ID != started.ID || reply.Role != models.RoleAI || reply.Delivered {
		t.Errorf("Expected an undelivered reply under %s, got %+v", started.ID, reply)
	}
	if body, ok := reply.Body.(models.TextBody); !ok || body.Content != "Hello" {
		t.Errorf("Expected the aggregated reply text, got %+v", reply.Body)
	}
}
