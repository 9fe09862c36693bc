// Package http serves the authenticated retention control API.
package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/experiment"
	"github.com/cliploop/retentiond/internal/interfaces/http/handlers"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/prompt"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
	"github.com/cliploop/retentiond/internal/suggest"
)

// Config holds the settings the listener and middleware need.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	OwnerEmails []string
	ControlKey  string

	RateLimitWindowMs int
	RateLimitMax      int
}

// Deps collects the services the handlers run on. Security, Guard,
// StoreHealth and Cache may be nil, the server degrades around them.
type Deps struct {
	Versions     *configstore.Store
	Allocator    *experiment.Allocator
	Recorder     *recorder.Recorder
	Suggest      *suggest.Engine
	Translator   *prompt.Translator
	Engine       *scoring.Engine
	Jobs         persistence.JobsRepo
	Security     persistence.SecurityEventsRepo
	Guard        persistence.Guard
	StoreHealth  persistence.RepositoryHealth
	BreakerState func() string
	Cache        cache.Cache
}

// Server is the control API with its middleware chain and metrics.
type Server struct {
	cfg      Config
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	metrics  *Metrics

	owners map[string]bool

	events   persistence.SecurityEventsRepo
	guard    persistence.Guard
	security *securityLog

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer wires the router, middleware chain and handlers.
func NewServer(cfg Config, deps Deps) *Server {
	owners := make(map[string]bool, len(cfg.OwnerEmails))
	for _, email := range cfg.OwnerEmails {
		if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
			owners[e] = true
		}
	}
	if len(owners) == 0 || cfg.ControlKey == "" {
		log.Warn().Msg("Auth not configured, every API request will be denied")
	}
	if cfg.RateLimitWindowMs <= 0 {
		cfg.RateLimitWindowMs = 60000
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 30
	}

	metrics := NewMetrics()
	h := &handlers.Handlers{
		Versions:     deps.Versions,
		Allocator:    deps.Allocator,
		Recorder:     deps.Recorder,
		Suggest:      deps.Suggest,
		Translator:   deps.Translator,
		Engine:       deps.Engine,
		Jobs:         deps.Jobs,
		StoreHealth:  deps.StoreHealth,
		BreakerState: deps.BreakerState,
		Cache:        deps.Cache,
		Metrics:      metrics,
	}

	s := &Server{
		cfg:      cfg,
		handlers: h,
		metrics:  metrics,
		owners:   owners,
		events:   deps.Security,
		guard:    deps.Guard,
		security: &securityLog{},
		limiters: make(map[string]*rate.Limiter),
	}
	s.router = s.buildRouter()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.jsonMiddleware)

	// Probes and scrapers stay outside auth.
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/config", s.handlers.GetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handlers.CreateConfig).Methods(http.MethodPost)
	api.HandleFunc("/config/versions", s.handlers.ListVersions).Methods(http.MethodGet)
	api.HandleFunc("/config/activate", s.handlers.ActivateConfig).Methods(http.MethodPost)
	api.HandleFunc("/config/rollback", s.handlers.RollbackConfig).Methods(http.MethodPost)
	api.HandleFunc("/preset/apply", s.handlers.ApplyPreset).Methods(http.MethodPost)
	api.HandleFunc("/presets", s.handlers.ListPresets).Methods(http.MethodGet)
	api.HandleFunc("/metrics/recent", s.handlers.RecentMetrics).Methods(http.MethodGet)
	api.HandleFunc("/scorecards", s.handlers.Scorecards).Methods(http.MethodGet)
	api.HandleFunc("/analyze-renders", s.handlers.AnalyzeRenders).Methods(http.MethodPost)
	api.HandleFunc("/suggestions", s.handlers.Suggestions).Methods(http.MethodGet)
	api.HandleFunc("/prompt/apply", s.handlers.ApplyPrompt).Methods(http.MethodPost)
	api.HandleFunc("/auto-optimize", s.handlers.AutoOptimize).Methods(http.MethodPost)
	api.HandleFunc("/experiment/start", s.handlers.StartExperiment).Methods(http.MethodPost)
	api.HandleFunc("/experiment/stop", s.handlers.StopExperiment).Methods(http.MethodPost)
	api.HandleFunc("/experiment/status", s.handlers.ExperimentStatus).Methods(http.MethodGet)
	api.HandleFunc("/sample-footage", s.handlers.SampleFootage).Methods(http.MethodGet)
	api.HandleFunc("/sample-footage/test", s.handlers.TestSampleFootage).Methods(http.MethodPost)
	api.HandleFunc("/config-selector", s.handlers.ConfigSelector).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	return r
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("Control API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Control API shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests and embedding.
func (s *Server) Router() *mux.Router {
	return s.router
}

// SecurityEvents returns the newest in-process security events, newest
// first.
func (s *Server) SecurityEvents(limit int) []persistence.SecurityEvent {
	return s.security.recent(limit)
}
