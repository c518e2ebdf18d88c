package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/probemesh/internal/config"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/pkg/admission"
	"github.com/wisbric/probemesh/pkg/dispatch"
	"github.com/wisbric/probemesh/pkg/nodefabric"
	"github.com/wisbric/probemesh/pkg/scheduler"
)

// Server holds the HTTP server's wiring: the chi router plus every core
// component an inbound request might need to reach.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Redis  *redis.Client

	Identity     *identity.Resolver
	Admission    *admission.Engine
	Dispatcher   *dispatch.Dispatcher
	NodeRegistry *nodefabric.Registry
	Vault        *nodefabric.Vault
	Fabric       *nodefabric.Fabric
	Scheduler    *scheduler.Scheduler

	startedAt time.Time
}

// Deps bundles everything NewServer needs beyond config and infra handles.
type Deps struct {
	Identity     *identity.Resolver
	Admission    *admission.Engine
	Dispatcher   *dispatch.Dispatcher
	NodeRegistry *nodefabric.Registry
	Vault        *nodefabric.Vault
	Fabric       *nodefabric.Fabric
	Scheduler    *scheduler.Scheduler
	Admin        *identity.AdminAuthenticator
}

// NewServer wires the chi router with global middleware, health/metrics
// endpoints, and every probemesh HTTP route.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		Logger:       logger,
		DB:           db,
		Redis:        rdb,
		Identity:     deps.Identity,
		Admission:    deps.Admission,
		Dispatcher:   deps.Dispatcher,
		NodeRegistry: deps.NodeRegistry,
		Vault:        deps.Vault,
		Fabric:       deps.Fabric,
		Scheduler:    deps.Scheduler,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Node Fabric: WebSocket upgrade and the HTTP-side bootstrap endpoints a
	// node uses before it ever opens a session.
	s.Router.Get("/ws/nodes", s.Fabric.HandleWS)
	s.Router.Post("/register_node", s.handleRegisterNode)
	s.Router.Post("/heartbeat", s.handleHeartbeat)
	s.Router.With(RequireAdmin(deps.Admin)).Post("/registration_token", s.handleIssueRegistrationToken)

	// Client-facing control surface.
	s.Router.Post("/probe", s.handleProbe)
	s.Router.Route("/schedule", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Delete("/{id}", s.handleCancelSchedule)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
