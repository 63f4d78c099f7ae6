package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pixelmesa/fleet-core/internal/dispatch"
	"github.com/pixelmesa/fleet-core/internal/history"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/config"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/logging"
	"github.com/pixelmesa/fleet-core/internal/mirror"
	"github.com/pixelmesa/fleet-core/internal/registry"
	"github.com/pixelmesa/fleet-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Session    config.SessionConfig
	Logger     *logging.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Mirror     *mirror.Mirror     // optional: telemetry sink for session events
	History    history.Repository // optional: status transition log
	Version    string
}

// Server is the HTTP API server for Fleet Core.
//
// It manages the HTTP listener, routes, middleware, and the device
// WebSocket endpoint. The server is created with New() and started with
// Start().
type Server struct {
	cfg        config.APIConfig
	sessCfg    config.SessionConfig
	logger     *logging.Logger
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	mirror     *mirror.Mirror
	history    history.Repository
	version    string
	limiter    *session.RateLimiter
	server     *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, dispatcher)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}

	return &Server{
		ctx:        context.Background(),
		cfg:        deps.Config,
		sessCfg:    deps.Session,
		logger:     deps.Logger,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		mirror:     deps.Mirror,
		history:    deps.History,
		version:    deps.Version,
		limiter: session.NewRateLimiter(
			deps.Session.RateLimit.Messages,
			time.Duration(deps.Session.RateLimit.Window)*time.Second,
		),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop device sockets independently
	// of the parent context. WebSocket connections are hijacked and so
	// outlive http.Server.Shutdown; their read pumps watch this context.
	s.ctx, s.cancel = context.WithCancel(ctx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
