package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Sleuth/internal/api/middlewares"
	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/config"
)

const requestTimeout = 60 * time.Second

// Handlers groups everything the router serves.
type Handlers struct {
	Chat     *handlers.ChatHandler
	Research *handlers.ResearchHandler
	Sessions *handlers.SessionHandler
	Feed     *handlers.FeedHandler
}

// NewRouter wires all routes. Streaming routes are kept out of the request
// timeout.
func NewRouter(cfg *config.Config, h Handlers, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "Last-Event-ID",
			"webhook-id", "webhook-timestamp", "webhook-signature",
		},
		MaxAge: 300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := appMiddleware.JWTMiddleware(cfg.JWTSecret)

	r.Route("/api", func(api chi.Router) {
		api.Group(func(short chi.Router) {
			short.Use(middleware.Timeout(requestTimeout))

			// signed by the provider, not by a user token
			short.Post("/parallel-webhook", h.Research.Webhook)

			short.Group(func(protected chi.Router) {
				protected.Use(auth)
				protected.Post("/chat-send", h.Chat.Send)
				protected.Post("/chat-plan", h.Chat.Plan)
				protected.Post("/research-start", h.Research.Start)
				protected.Get("/task-runs/{run_id}", h.Research.TaskRun)

				protected.Route("/sessions", func(s chi.Router) {
					s.Get("/", h.Sessions.List)
					s.Post("/", h.Sessions.Create)
					s.Get("/{id}", h.Sessions.Get)
					s.Patch("/{id}", h.Sessions.Update)
					s.Delete("/{id}", h.Sessions.Delete)
					s.Get("/{id}/messages", h.Sessions.Messages)
					s.Post("/{id}/messages", h.Sessions.SendMessage)
				})
			})
		})

		api.Group(func(long chi.Router) {
			long.Use(auth)
			long.Get("/research-stream/{run_id}", h.Research.Stream)
			long.Get("/feed", h.Feed.Subscribe)
		})
	})

	return r
}

// Server wraps the HTTP server instance.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(port string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the router the server dispatches to.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
