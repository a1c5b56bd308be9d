package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/gateway"
	"github.com/kazz187/agentcorp/internal/orchestrator"
	"github.com/kazz187/agentcorp/internal/pushsubscription"
	"github.com/kazz187/agentcorp/internal/supervisor"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
	"github.com/kazz187/agentcorp/internal/worktree"
	"github.com/kazz187/agentcorp/pkg/cerr"
	"github.com/kazz187/agentcorp/pkg/clog"
)

type Server struct {
	server    *http.Server
	env       *config.Env
	gw        *gateway.Gateway
	orch      *orchestrator.Orchestrator
	sup       *supervisor.Supervisor
	worktrees *worktree.Manager
	tasks     task.Repository
	logs      tasklog.Repository
	subs      pushsubscription.Repository
}

func NewServer(
	env *config.Env,
	gw *gateway.Gateway,
	orch *orchestrator.Orchestrator,
	sup *supervisor.Supervisor,
	worktrees *worktree.Manager,
	tasks task.Repository,
	logs tasklog.Repository,
	subs pushsubscription.Repository,
) *Server {
	return &Server{
		env:       env,
		gw:        gw,
		orch:      orch,
		sup:       sup,
		worktrees: worktrees,
		tasks:     tasks,
		logs:      logs,
		subs:      subs,
	}
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests; cancelling it lets shutdown interrupt
// long polls and streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		r.Post("/messages", s.handleMessage)
		r.Post("/announcements", s.handleAnnouncement)
		r.Post("/directives", s.handleDirective)
		r.Post("/inbox", s.handleInbox)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/terminal", s.handleTerminal)
		r.Get("/tasks/{id}/diff", s.handleDiff)
		r.Post("/tasks/{id}/merge", s.handleMerge)
		r.Post("/tasks/{id}/discard", s.handleDiscard)
		r.Post("/tasks/{id}/stop", s.handleStop)

		r.Get("/worktrees", s.handleListWorktrees)
		r.Post("/push/subscriptions", s.handleCreateSubscription)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays reachable without a key. The inbox endpoint uses
		// its own shared secret instead.
		if r.URL.Path == "/health" || r.URL.Path == "/api/inbox" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
