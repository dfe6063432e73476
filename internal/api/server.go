// Package api implements CoordinatorAPI: the external HTTP boundary that
// validates inbound requests, authenticates bearer tokens via CryptoKit,
// and routes to RoundManager/ClientRegistry (spec.md §4.6).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medhive/flcoordinator/internal/aggregator"
	"github.com/medhive/flcoordinator/internal/cryptokit"
	"github.com/medhive/flcoordinator/internal/registry"
	"github.com/medhive/flcoordinator/internal/round"
)

// Server hosts the coordinator's HTTP surface.
type Server struct {
	router   *mux.Router
	http     *http.Server
	manager  *round.Manager
	clients  *registry.Registry
	models   *aggregator.Registry
	crypto   *cryptokit.Kit
	validate *validator.Validate
	limiter  *rate.Limiter
	sem      chan struct{}
	log      zerolog.Logger
}

// Config configures the server's rate limiting, backpressure, and bind
// address. Fields mirror internal/config.Config.Server (spec.md §6's
// "worker count" and "request queue size" environment knobs).
type Config struct {
	BindAddress      string
	WorkerCount      int
	RequestQueueSize int
	RatePerMinute    int
	ShutdownGrace    time.Duration
}

// New constructs a Server wired to its collaborating components.
func New(cfg Config, manager *round.Manager, clients *registry.Registry, models *aggregator.Registry, crypto *cryptokit.Kit, log zerolog.Logger) *Server {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.RequestQueueSize <= 0 {
		cfg.RequestQueueSize = 64
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 120
	}

	s := &Server{
		router:   mux.NewRouter(),
		manager:  manager,
		clients:  clients,
		models:   models,
		crypto:   crypto,
		validate: validator.New(),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute),
		sem:      make(chan struct{}, cfg.RequestQueueSize),
		log:      log,
	}

	s.routes()

	s.http = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware, s.rateLimitMiddleware, s.backpressureMiddleware)

	s.router.HandleFunc("/v1/clients/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rounds", s.handleCreateRound).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rounds/available", s.handleListAvailableRounds).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/rounds/{roundId}/start", s.authMiddlewareFunc(s.handleStartRound)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rounds/{roundId}/join", s.authMiddlewareFunc(s.handleJoinRound)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rounds/{roundId}/upload", s.authMiddlewareFunc(s.handleUploadModel)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rounds/{roundId}", s.handleGetRoundStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/models/{modelKind}", s.handleGetGlobalModel).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/blobs/{ref}", s.authMiddlewareFunc(s.handleGetBlob)).Methods(http.MethodGet)
}

// ListenAndServe starts the HTTP server; blocks until shutdown or error.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("coordinator api listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests up to the configured grace
// period (spec.md §5's bounded graceful shutdown).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
