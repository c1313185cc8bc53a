package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumigraph/lumigraph/internal/api/middleware"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// PatternReader is the read-only contract the API needs against the
// control-plane SqlPattern table.
type PatternReader interface {
	GetBySqlHash(ctx context.Context, sqlHash string) (*storage.SqlPattern, error)
}

// HealthChecker is satisfied by storage.Connection.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the read-only HTTP surface over the lineage pipeline's control
// plane: liveness/readiness probes and a SqlPattern lookup by hash.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	db         HealthChecker
	patterns   PatternReader
}

// NewServer creates a new HTTP server instance with structured logging and
// the ambient middleware stack (correlation ID, recovery, request logging,
// CORS). db drives /ready; patterns drives the pattern lookup endpoint.
func NewServer(cfg *ServerConfig, db HealthChecker, patterns PatternReader) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if db == nil || patterns == nil {
		logger.Error("db and patterns are required - cannot start server without core functionality")
		panic("lumigraph: api.NewServer requires a non-nil db and patterns")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:   logger,
		config:   cfg,
		db:       db,
		patterns: patterns,
	}

	server.setupRoutes(mux)

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting lumigraph API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()), slog.String("error", err.Error()))

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("server shutdown completed successfully")

	return nil
}
