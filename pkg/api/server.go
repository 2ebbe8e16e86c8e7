// Package api serves the administrative HTTP endpoints: health, metrics, lifecycle,
// migration and benchmark control.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/datamarket/tierstore/internal/lifecycle"
	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/health"
	"github.com/datamarket/tierstore/pkg/types"
)

// Server provides the admin HTTP API
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	config     ServerConfig
	logger     *slog.Logger

	driver    types.Driver
	health    *health.Tracker
	lifecycle *lifecycle.Manager
	migrator  *migration.Migrator
	metrics   *metrics.Collector

	// baseCtx outlives requests and bounds background migrations.
	baseCtx   context.Context
	cancel    context.CancelFunc
	migrating atomic.Bool

	mu        sync.Mutex
	migration chan struct{}
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8090")
	Address string `yaml:"address" json:"address"`

	// Token is the bearer token required on control endpoints. Empty disables auth.
	Token string `yaml:"token" json:"-"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. Lifecycle runs and
	// benchmarks answer synchronously, so keep it generous.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaxPresignTTL caps the ttl accepted by the URL endpoint.
	MaxPresignTTL time.Duration `yaml:"max_presign_ttl" json:"max_presign_ttl"`
}

// Dependencies are the components exposed over HTTP. Only Driver and Health are required;
// endpoints of a missing component answer 503.
type Dependencies struct {
	Driver    types.Driver
	Health    *health.Tracker
	Lifecycle *lifecycle.Manager
	Migrator  *migration.Migrator
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Minute,
		IdleTimeout:   60 * time.Second,
		MaxPresignTTL: 7 * 24 * time.Hour,
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		logger:    logger.With("component", "api"),
		driver:    deps.Driver,
		health:    deps.Health,
		lifecycle: deps.Lifecycle,
		migrator:  deps.Migrator,
		metrics:   deps.Metrics,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	if s.health == nil {
		s.health = health.NewTracker(health.DefaultConfig())
	}
	if config.Token == "" {
		s.logger.Warn("admin API token not set, control endpoints are unauthenticated")
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	control := r.NewRoute().Subrouter()
	control.Use(s.authMiddleware)
	control.HandleFunc("/objects/{tier}/{hash}", s.handleHeadObject).Methods(http.MethodGet)
	control.HandleFunc("/objects/{tier}/{hash}/url", s.handlePresign).Methods(http.MethodGet)
	control.HandleFunc("/lifecycle/stats", s.handleLifecycleStats).Methods(http.MethodGet)
	control.HandleFunc("/lifecycle/run", s.handleLifecycleRun).Methods(http.MethodPost)
	control.HandleFunc("/migration/run", s.handleMigrationRun).Methods(http.MethodPost)
	control.HandleFunc("/migration/progress", s.handleMigrationProgress).Methods(http.MethodGet)
	control.HandleFunc("/migration/verify", s.handleMigrationVerify).Methods(http.MethodPost)
	control.HandleFunc("/benchmark", s.handleBenchmark).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, errors.New(errors.ErrCodeObjectNotFound, "no such endpoint").WithHTTPStatus(http.StatusNotFound))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, errors.New(errors.ErrCodeInvalidConfig, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed))
	})

	s.handler = otelhttp.NewHandler(s.loggingMiddleware(r), "admin",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting admin API", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels a running migration and waits for it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin API")
	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	if done := s.migrationDone(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.driver == nil {
		s.respondError(w, notConfigured("storage driver"))
		return
	}
	report := s.health.Check(r.Context(), s.driver)
	status := http.StatusOK
	if report.Status == health.StateUnavailable {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	hash, tier, err := objectParams(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	md, err := s.driver.HeadObject(r.Context(), hash, tier)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, md)
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	hash, tier, err := objectParams(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 || (s.config.MaxPresignTTL > 0 && ttl > s.config.MaxPresignTTL) {
			s.respondError(w, errors.Newf(errors.ErrCodeInvalidConfig, "invalid ttl %q", raw).WithHTTPStatus(http.StatusBadRequest))
			return
		}
	}
	url, err := s.driver.PresignedURL(r.Context(), hash, tier, ttl)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, url)
}

func (s *Server) handleLifecycleStats(w http.ResponseWriter, r *http.Request) {
	if s.lifecycle == nil {
		s.respondError(w, notConfigured("lifecycle manager"))
		return
	}
	stats, err := s.lifecycle.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLifecycleRun(w http.ResponseWriter, r *http.Request) {
	if s.lifecycle == nil {
		s.respondError(w, notConfigured("lifecycle manager"))
		return
	}
	report, err := s.lifecycle.Run(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleMigrationRun starts a migration in the background and answers 202 with the
// initial progress. Progress is polled through /migration/progress.
func (s *Server) handleMigrationRun(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		s.respondError(w, notConfigured("migration target"))
		return
	}
	if !s.migrating.CompareAndSwap(false, true) {
		s.respondError(w, errors.New(errors.ErrCodeInProgress, "a migration is already running"))
		return
	}
	done := make(chan struct{})
	s.setMigrationDone(done)

	go func() {
		defer close(done)
		defer s.migrating.Store(false)
		if _, err := s.migrator.Migrate(s.baseCtx); err != nil {
			s.logger.Error("background migration failed", "error", err)
		}
	}()

	s.respondJSON(w, http.StatusAccepted, s.migrator.Progress())
}

func (s *Server) handleMigrationProgress(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		s.respondError(w, notConfigured("migration target"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"progress":     s.migrator.Progress(),
		"verification": migration.Summary(s.migrator.VerificationResults()),
		"running":      s.migrating.Load(),
	})
}

func (s *Server) handleMigrationVerify(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		s.respondError(w, notConfigured("migration target"))
		return
	}
	results, err := s.migrator.Verify(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"summary": migration.Summary(results),
		"results": results,
	})
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if s.driver == nil {
		s.respondError(w, notConfigured("storage driver"))
		return
	}
	opts := migration.DefaultBenchmarkOptions()
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&opts); err != nil && !stderrors.Is(err, io.EOF) {
		s.respondError(w, errors.Wrap(err, errors.ErrCodeInvalidConfig, "decode benchmark options").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	results, err := migration.Benchmark(r.Context(), s.driver, opts, s.logger)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, results)
}

// Middleware

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tierstore"`)
				s.respondError(w, errors.New(errors.ErrCodeAuthFailed, "missing or invalid bearer token").WithHTTPStatus(http.StatusUnauthorized))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status == 499 {
		// nginx's client-closed code has no net/http equivalent
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.respondJSON(w, status, map[string]any{
		"error":     err.Error(),
		"code":      errors.CodeOf(err),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) setMigrationDone(done chan struct{}) {
	s.mu.Lock()
	s.migration = done
	s.mu.Unlock()
}

func (s *Server) migrationDone() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migration
}

func objectParams(r *http.Request) (types.ContentHash, types.Tier, error) {
	vars := mux.Vars(r)
	tier, err := types.ParseTier(vars["tier"])
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeInvalidTier, "tier")
	}
	hash, err := types.ParseContentHash(vars["hash"])
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeInvalidHash, "content hash")
	}
	return hash, tier, nil
}

func notConfigured(what string) error {
	return errors.New(errors.ErrCodeBackendUnavailable, what+" not configured").WithComponent("api")
}
