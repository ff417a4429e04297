package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/engine"
	"chatrelay/internal/handlers"
	"chatrelay/internal/logging"
	"chatrelay/internal/middleware"
	"chatrelay/internal/services"
	"chatrelay/internal/tools"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// stores bundles the durable backends selected at startup
type stores struct {
	messages services.MessageStore
	sessions services.SessionStore
	ping     func(ctx context.Context) error
	close    func()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting chat relay server...")

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Store: %s, Engine: %s)", cfg.Port, cfg.StoreBackend, cfg.EngineProvider)

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer st.close()

	// Engine profile (system prompt, step budget), hot reloaded from YAML
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profiles, err := config.NewProfileStore(cfg.EngineProfile)
	if err != nil {
		log.Fatalf("❌ Failed to load engine profile: %v", err)
	}
	if cfg.EngineProfile != "" {
		if err := profiles.Watch(ctx); err != nil {
			log.Printf("⚠️  Engine profile hot reload disabled: %v", err)
		}
	}

	registry := tools.NewBuiltinRegistry()
	log.Printf("🔧 %d tools registered", registry.Count())

	eng, err := newEngine(ctx, cfg, registry, profiles)
	if err != nil {
		log.Fatalf("❌ Failed to initialize %s engine: %v", cfg.EngineProvider, err)
	}

	connManager := services.NewConnectionManager()
	presence := services.NewPresenceRegistry()
	messageLog := services.NewMessageLog(st.messages)
	sessions := services.NewSessionDirectory(st.sessions)
	tracker := services.NewInvocationTracker()
	metrics := services.NewMetrics(prometheus.DefaultRegisterer, services.MetricsSources{
		Connections: connManager,
		Presence:    presence,
		Tracker:     tracker,
	})
	orchestrator := services.NewStreamOrchestrator(messageLog, presence, eng, tracker, metrics)

	sweeper, err := services.NewPresenceSweeper(presence, cfg.PresenceSweepInterval)
	if err != nil {
		log.Fatalf("❌ Failed to create presence sweeper: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("❌ Failed to start presence sweeper: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "chatrelay",
		ReadTimeout:  900 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prom := fiberprometheus.New("chatrelay")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: allowedOrigins != "*",
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	rateLimitConfig := middleware.NewRateLimitConfig(cfg)

	healthHandler := handlers.NewHealthHandler(connManager, tracker, st.ping)
	app.Get("/health", middleware.HTTPRateLimiter(rateLimitConfig), healthHandler.Handle)

	wsHandler := handlers.NewWebSocketHandler(connManager, presence, messageLog, sessions, orchestrator, metrics).
		WithFrameLimit(float64(cfg.FramesPerSecond), cfg.FramesPerSecond*2)
	app.Use("/ws", middleware.WebSocketRateLimiter(rateLimitConfig), middleware.WebSocketUpgrade())
	app.Get("/ws", websocket.New(wsHandler.Handle, websocket.Config{
		Origins: cfg.AllowedOrigins,
	}))

	log.Printf("💬 Chat endpoint: ws://localhost:%s/ws", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Refuse new generations and let the running ones persist their artifacts
		if !tracker.Drain(cfg.ShutdownDrainTimeout) {
			log.Printf("⚠️ %d invocations still running after %s", tracker.Count(), cfg.ShutdownDrainTimeout)
		}
		log.Printf("🔌 Closed %d websocket connections", connManager.CloseAll())

		if err := sweeper.Stop(); err != nil {
			log.Printf("⚠️ Error stopping presence sweeper: %v", err)
		}
		cancel()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// openStores connects the configured backend and returns both stores over it
func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Println("⚠️  Using in-memory store, history is lost on restart")
		return &stores{
			messages: services.NewMemoryMessageStore(),
			sessions: services.NewMemorySessionStore(),
			close:    func() {},
		}, nil

	case config.StoreSQLite, config.StoreMySQL:
		dsn := cfg.DatabaseURL
		if cfg.StoreBackend == config.StoreSQLite {
			dsn = cfg.SQLitePath
		}
		db, err := database.New(dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Initialize(); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			messages: services.NewSQLMessageStore(db),
			sessions: services.NewSQLSessionStore(db),
			ping:     db.PingContext,
			close:    func() { db.Close() },
		}, nil

	case config.StoreMongo:
		mongoDB, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mongoDB.Initialize(ctx); err != nil {
			mongoDB.Close(ctx)
			return nil, err
		}
		return &stores{
			messages: services.NewMongoMessageStore(mongoDB),
			sessions: services.NewMongoSessionStore(mongoDB),
			ping:     mongoDB.Ping,
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				mongoDB.Close(ctx)
			},
		}, nil

	case config.StoreRedis:
		redisService, err := services.NewRedisService(cfg.RedisURL, "chatrelay")
		if err != nil {
			return nil, err
		}
		return &stores{
			messages: services.NewRedisMessageStore(redisService),
			sessions: services.NewRedisSessionStore(redisService),
			ping:     redisService.Ping,
			close:    func() { redisService.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// newEngine builds the configured generation engine
func newEngine(ctx context.Context, cfg *config.Config, registry *tools.Registry, profiles *config.ProfileStore) (engine.Engine, error) {
	switch cfg.EngineProvider {
	case config.ProviderOpenAI:
		return engine.NewOpenAIEngine(engine.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, registry, profiles.Current)
	case config.ProviderGemini:
		return engine.NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, registry, profiles.Current)
	case config.ProviderScripted:
		log.Println("⚠️  No model provider configured, using the scripted engine")
		return engine.NewScriptedEngine(registry, 0), nil
	}
	return nil, fmt.Errorf("unknown engine provider %q", cfg.EngineProvider)
}
