package api

import (
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/feed"
	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/metrics"
	"github.com/adirai/community-api/internal/signals"
	"github.com/adirai/community-api/internal/storage"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// Header names read by the API
const (
	RequestIDHeader = "X-Request-ID"
	AreaHeader      = "X-Area"
)

// Store is the slice of the document store the handlers use directly
type Store interface {
	storage.PostStore
	storage.SecurityStore
}

// Deps are the services the API is built on
type Deps struct {
	Config      *config.Config
	Store       Store
	Signals     *signals.Service
	Feed        *feed.Service
	Queue       *writequeue.Queue
	Idempotency *idempotency.Middleware
	Maintenance *maintenance.Service
	Metrics     *metrics.Collector
	Clock       clock.Clock
}

// Server holds the HTTP handlers
type Server struct {
	Deps
	validate  *validator.Validate
	limiter   *rateLimiter
	startedAt time.Time
}

// NewServer creates the API server
func NewServer(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Server{
		Deps:      deps,
		validate:  newValidator(),
		limiter:   newRateLimiter(deps.Config.RateLimitPerMinute, deps.Clock),
		startedAt: deps.Clock.Now(),
	}
}

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Router builds the route table. Everything under /api/v1 runs through the
// request context, recovery, metrics, rate limit, audit and idempotency
// middleware in that order.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, message("Route not found"))
	})
	router.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		requestContext,
		s.recoverPanics,
		s.Metrics.Middleware,
		s.rateLimit,
		s.audit,
		s.Idempotency.Handler,
	)

	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	community := api.PathPrefix("/community").Subrouter()
	community.HandleFunc("/feed", s.handle(s.getFeed)).Methods(http.MethodGet)
	community.HandleFunc("/posts", s.handle(s.createPost)).Methods(http.MethodPost)
	community.HandleFunc("/posts/{postId}/react", s.handle(s.reactPost)).Methods(http.MethodPost)
	community.HandleFunc("/posts/{postId}/urgent", s.handle(s.markUrgent)).Methods(http.MethodPost)
	community.HandleFunc("/posts/{postId}/important", s.handle(s.markImportant)).Methods(http.MethodPost)
	community.HandleFunc("/posts/{postId}/signals", s.handle(s.getPostSignals)).Methods(http.MethodGet)
	community.HandleFunc("/mobile/telemetry", s.handle(s.recordTelemetry)).Methods(http.MethodPost)

	api.HandleFunc("/auth/login-audit", s.handle(s.recordLoginAudit)).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/diagnostics", s.handle(s.diagnostics)).Methods(http.MethodGet)
	admin.HandleFunc("/maintenance/run", s.handle(s.runMaintenance)).Methods(http.MethodPost)
	admin.HandleFunc("/queues/flush", s.handle(s.flushQueues)).Methods(http.MethodPost)
	admin.HandleFunc("/security-events/{eventId}/resolve", s.handle(s.resolveSecurityEvent)).Methods(http.MethodPost)

	return router
}

// ClientIP is the caller address used for rate limits, signal origins and
// the idempotency scope
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
