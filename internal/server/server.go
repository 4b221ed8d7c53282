package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/federated"
	"github.com/inferloop/fedsim/pkg/constants"
)

// StatusProvider exposes a point-in-time view of a running simulation
type StatusProvider interface {
	Status() federated.Status
}

// Config contains status server configuration
type Config struct {
	Addr            string        `yaml:"addr" json:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StatusServer serves /metrics, /api/v1/health and /api/v1/status while a
// simulation runs.
type StatusServer struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *Config
	status     StatusProvider
	metrics    http.Handler
	started    time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewStatusServer creates a new status server. metrics may be nil, in
// which case /metrics is not routed.
func NewStatusServer(config *Config, status StatusProvider, metrics http.Handler, logger *logrus.Logger) *StatusServer {
	if config == nil {
		config = DefaultConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	s := &StatusServer{
		router:  mux.NewRouter(),
		logger:  logger,
		config:  config,
		status:  status,
		metrics: metrics,
		started: time.Now(),
	}

	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:            constants.DefaultMetricsAddr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Router returns the HTTP router
func (s *StatusServer) Router() *mux.Router {
	return s.router
}

// Addr returns the bound address once Start has returned, or the
// configured address before that.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start binds the listener and serves in the background
func (s *StatusServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("Starting status server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Status server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *StatusServer) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down status server...")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down status server")
		return err
	}

	s.logger.Info("Status server stopped")
	return nil
}

func (s *StatusServer) setupRoutes() {
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix(constants.APIPrefix).Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/status/clients/{id}", s.handleClientStatus).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *StatusServer) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
}
