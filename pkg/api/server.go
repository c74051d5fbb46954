// Package api is the HTTP surface of the optimizer: job submission,
// status, progress streaming and cancellation under /api/schedules, plus
// the algorithm and profile catalogues, schedule versions and health.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/jobs"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/metrics"
	"github.com/psantana5/schedopt/pkg/middleware"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/ratelimit"
	"github.com/psantana5/schedopt/pkg/tracing"
	"github.com/psantana5/schedopt/pkg/validation"
)

// Queue accepts admitted jobs for execution. The executor implements it.
type Queue interface {
	Submit(runID string, alg algorithms.Algorithm) error
	QueueDepth() int
	Running() int
	Workers() int
}

// Config holds HTTP-level limits
type Config struct {
	MaxBodyBytes int64
	Heartbeat    time.Duration // SSE keep-alive interval, 0 disables
	KeyBySubject bool          // rate limit per client IP and subject
	MetricsPath  string        // empty disables the Prometheus endpoint
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 10 << 20,
		Heartbeat:    15 * time.Second,
		MetricsPath:  "/metrics",
	}
}

// Deps are the server's collaborators. Tracker, Queue and Auth are
// required; the rest fall back to built-in defaults or are disabled.
type Deps struct {
	Tracker     *jobs.Tracker
	Queue       Queue
	Auth        *auth.Authenticator
	Policy      auth.Policy
	Registry    *algorithms.Registry
	Profiles    *profiles.Catalog
	Validator   *validation.Validator
	Sanitizer   *validation.Sanitizer
	Submissions ratelimit.WindowLimiter
	Reads       *ratelimit.Limiter
	ClientIP    *ratelimit.ClientIP // nil keys on the direct peer only
	Metrics     *metrics.Metrics
	Tracing     *tracing.Provider
	Logger      *logging.Logger
}

// Server handles optimizer API requests
type Server struct {
	cfg         Config
	tracker     *jobs.Tracker
	queue       Queue
	authn       *auth.Authenticator
	policy      auth.Policy
	registry    *algorithms.Registry
	profiles    *profiles.Catalog
	validator   *validation.Validator
	sanitizer   *validation.Sanitizer
	submissions ratelimit.WindowLimiter
	reads       *ratelimit.Limiter
	clientIP    *ratelimit.ClientIP
	metrics     *metrics.Metrics
	tracing     *tracing.Provider
	logger      *logging.Logger
}

// NewServer creates a server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		cfg:         cfg,
		tracker:     deps.Tracker,
		queue:       deps.Queue,
		authn:       deps.Auth,
		policy:      deps.Policy,
		registry:    deps.Registry,
		profiles:    deps.Profiles,
		validator:   deps.Validator,
		sanitizer:   deps.Sanitizer,
		submissions: deps.Submissions,
		reads:       deps.Reads,
		clientIP:    deps.ClientIP,
		metrics:     deps.Metrics,
		tracing:     deps.Tracing,
		logger:      deps.Logger,
	}
	if s.registry == nil {
		s.registry = algorithms.DefaultRegistry()
	}
	if s.profiles == nil {
		s.profiles = profiles.Builtin()
	}
	if s.validator == nil {
		s.validator = validation.MustNew()
	}
	if s.sanitizer == nil {
		s.sanitizer = validation.NewSanitizer()
	}
	if s.submissions == nil {
		s.submissions = ratelimit.NewMemoryWindow(10, time.Minute)
	}
	if s.clientIP == nil {
		s.clientIP = &ratelimit.ClientIP{}
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.WithField("component", "api")
	return s
}

// RegisterRoutes registers all API routes on r
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	if s.metrics != nil && s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/schedules").Subrouter()
	api.Use(s.authn.Middleware(s.unauthorized))

	// register /progress before the bare {runId} routes
	api.Handle("/optimize/{runId}/progress", s.read(models.PermOptimizationView, s.Progress)).Methods(http.MethodGet)
	api.Handle("/optimize/{runId}", s.read(models.PermOptimizationView, s.GetJob)).Methods(http.MethodGet)
	api.Handle("/optimize/{runId}", s.require(models.PermOptimizationCancel, s.CancelJob)).Methods(http.MethodDelete)
	api.Handle("/optimize", s.require(models.PermOptimizationSubmit, s.Submit)).Methods(http.MethodPost)
	api.Handle("/optimize", s.read(models.PermOptimizationView, s.ListJobs)).Methods(http.MethodGet)

	api.Handle("/algorithms", s.read(models.PermOptimizationView, s.ListAlgorithms)).Methods(http.MethodGet)
	api.Handle("/profiles", s.read(models.PermOptimizationView, s.ListProfiles)).Methods(http.MethodGet)
	api.Handle("/versions/{versionId}", s.read(models.PermOptimizationView, s.GetVersion)).Methods(http.MethodGet)
	api.Handle("/stats", s.read(models.PermMetricsRead, s.Stats)).Methods(http.MethodGet)
}

// Handler returns a router with every route and the observability
// middleware attached
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	if s.tracing != nil {
		r.Use(tracing.HTTPMiddleware(s.tracing))
	}
	r.Use(s.logRequests)
	r.Use(middleware.Recover(s.recovered))
	s.RegisterRoutes(r)
	return r
}

func (s *Server) require(perm models.Permission, h http.HandlerFunc) http.Handler {
	return s.policy.RequirePermission(perm, s.forbidden)(h)
}

// read is require plus the token bucket for cheap read endpoints
func (s *Server) read(perm models.Permission, h http.HandlerFunc) http.Handler {
	next := s.require(perm, h)
	if s.reads == nil {
		return next
	}
	return s.reads.Middleware(s.clientIP.KeyFunc, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		s.reject(w, http.StatusTooManyRequests, CodeThrottled, "Too many requests", nil)
	})(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := logging.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetRequestID(r.Context()),
		}
		switch {
		case rec.status >= 500:
			s.logger.Error("Request failed", fields)
		case s.logger.Enabled(logging.DEBUG):
			s.logger.Debug("Request served", fields)
		}
	})
}
