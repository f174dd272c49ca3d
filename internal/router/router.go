package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"manabi-backend/internal/handlers"
	"manabi-backend/internal/idempotency"
	"manabi-backend/internal/logger"
	"manabi-backend/internal/middleware"
	"manabi-backend/internal/websocket"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Conversations *handlers.ConversationHandler
	Materials     *handlers.MaterialHandler
	Quizzes       *handlers.QuizHandler
}

func New(
	jwtAuth *middleware.JWTAuth,
	gate *idempotency.Gate,
	h Handlers,
	wsHub *websocket.Hub,
	log *logger.Logger,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(frontendURL))

	// API rate limiter (120 req/min per IP)
	apiLimiter := middleware.NewRateLimiter(120, time.Minute)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Authenticates through its own token query parameter.
		r.Get("/ws", wsHub.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(apiLimiter.Middleware)
			r.Use(jwtAuth.Middleware)

			// ──── Conversation Routes ────
			r.Route("/conversations", func(r chi.Router) {
				r.With(gate.Require("conversation-create")).Post("/", h.Conversations.Create)
				r.Get("/{id}/messages", h.Conversations.ListMessages)
				r.With(gate.Require("chat")).Post("/{id}/messages", h.Conversations.SendMessage)
				r.With(gate.Require("sheet")).Post("/{id}/sheet", h.Conversations.Sheet)
				r.With(gate.Require("conversation-delete")).Delete("/{id}", h.Conversations.Delete)
			})

			// ──── Material Routes ────
			r.Route("/messages/{id}", func(r chi.Router) {
				r.Get("/material", h.Materials.Get)
				r.Get("/materials", h.Materials.Versions)
				r.With(gate.Require("material-regenerate")).Post("/material/regenerate", h.Materials.Regenerate)
				r.With(gate.Require("material-switch")).Put("/material/active", h.Materials.SwitchActive)
			})

			// ──── Daily Quiz Routes ────
			r.Route("/quizzes/{date}", func(r chi.Router) {
				r.Get("/", h.Quizzes.Get)
				r.Get("/versions", h.Quizzes.Versions)
				r.With(gate.Require("quiz-regenerate")).Post("/regenerate", h.Quizzes.Regenerate)
				r.With(gate.Require("quiz-switch")).Put("/active", h.Quizzes.SwitchActive)
			})
		})
	})

	return r
}
