package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"manabi-backend/internal/config"
	"manabi-backend/internal/database"
	"manabi-backend/internal/handlers"
	"manabi-backend/internal/idempotency"
	"manabi-backend/internal/logger"
	"manabi-backend/internal/middleware"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/router"
	"manabi-backend/internal/services"
	"manabi-backend/internal/telemetry"
	"manabi-backend/internal/versioning"
	"manabi-backend/internal/websocket"
	"manabi-backend/internal/worker"
	"manabi-backend/migrations"
)

const materialWorkers = 5

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting manabi backend", "env", cfg.Env, "store", cfg.StoreBackend)

	shutdownTracing, err := telemetry.SetupTracing(cfg.OTelStdout)
	if err != nil {
		log.Fatal("tracing setup failed", "error", err)
	}

	// ──── Step 2: Storage ────
	var stores *repository.Stores
	switch cfg.StoreBackend {
	case "memory":
		stores = repository.NewMemoryStores()
		log.Warn("using in-memory store, data is lost on restart")
	default:
		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres connection failed", "error", err)
		}
		defer pool.Close()
		log.Info("postgres connected")

		if err := database.RunMigrations(context.Background(), pool, migrations.FS, log); err != nil {
			log.Fatal("database migration failed", "error", err)
		}
		stores = repository.NewPostgresStores(pool)
	}

	// ──── Step 3: Redis ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatal("redis connection failed", "error", err)
	}
	defer redisClients.Close()
	log.Info("redis connected")

	// ──── Step 4: Gemini ────
	gemini, err := services.NewGeminiGenerator(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatal("gemini client initialization failed", "error", err)
	}
	defer gemini.Close()
	log.Info("gemini client initialized", "model", gemini.Model())

	// ──── Step 5: Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	publisher := services.NewRedisPublisher(redisClients.Cache, log)
	materialQueue := worker.NewRedisQueue(redisClients.Cache)
	orchestrator := services.NewOrchestrator(gemini, stores.GenerationLogs, log, cfg.ChatReplyTimeout)
	limiter := services.NewGenerationLimiter(stores.GenerationLogs)

	materialStore := versioning.NewStore[models.Material]("material", stores.Materials)
	quizStore := versioning.NewStore[models.DailyQuiz]("daily_quiz", stores.DailyQuizzes)

	chatService := services.NewChatService(stores.Conversations, orchestrator, limiter, materialQueue, log)
	materialService := services.NewMaterialService(stores.Conversations, materialStore, orchestrator, limiter, publisher, log)
	quizService := services.NewQuizService(stores.Conversations, quizStore, orchestrator, limiter, publisher, services.QuizOptions{
		MaxTotal:           cfg.QuizMaxTotal,
		MaxPerConversation: cfg.QuizMaxPerConversation,
	}, log)
	conversationService := services.NewConversationService(stores.Conversations, stores.Materials, stores.DailyQuizzes, log)
	sheetService := services.NewSheetService(stores.Conversations, orchestrator, limiter)

	// ──── Step 6: Background Work ────
	workerPool := worker.NewPool(materialQueue, materialService, log, materialWorkers)
	workerPool.Start()

	stores.Purgers["conversations"] = conversationService
	scheduler := services.NewQuizScheduler(
		stores.Conversations,
		quizService,
		services.NewRedisDayLock(redisClients.Cache),
		stores.Purgers,
		cfg.QuizJobConcurrency,
		log,
	)
	scheduler.Start()

	// ──── Step 7: WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, jwtAuth, log)

	// ──── Step 8: HTTP Server ────
	gate := idempotency.NewGate(idempotency.NewRedisCache(redisClients.Cache), log)
	r := router.New(jwtAuth, gate, router.Handlers{
		Conversations: handlers.NewConversationHandler(chatService, conversationService, sheetService),
		Materials:     handlers.NewMaterialHandler(materialService),
		Quizzes:       handlers.NewQuizHandler(quizService),
	}, wsHub, log, cfg.FrontendURL)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ChatReplyTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		workerPool.Stop()
		scheduler.Stop()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}()

	log.Info("manabi backend ready",
		"api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port),
		"ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port),
	)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", "error", err)
	}
}
