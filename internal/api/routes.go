package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lumigraph/lumigraph/internal/api/middleware"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const healthCheckTimeout = 2 * time.Second

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status string `json:"status"`
		Uptime string `json:"uptime,omitempty"`
	}

	// PatternResponse is the read-only projection of a SqlPattern returned by
	// the lookup endpoint: hash, source, execution count, status, load flag
	// and first/last-seen times. SQL text, durations, extraction JSON and
	// graph load errors are not included.
	PatternResponse struct {
		SqlHash            string `json:"sql_hash"`              //nolint: tagliatelle
		SourceDatabaseName string `json:"source_database_name"`  //nolint: tagliatelle
		ExecutionCount     int64  `json:"execution_count"`       //nolint: tagliatelle
		LLMStatus          string `json:"llm_status"`            //nolint: tagliatelle
		LoadedToGraph      bool   `json:"loaded_to_graph"`       //nolint: tagliatelle
		FirstSeenAt        string `json:"first_seen_at"`         //nolint: tagliatelle
		LastSeenAt         string `json:"last_seen_at"`          //nolint: tagliatelle
	}
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/patterns/{sqlHash}", s.handleGetPattern)
	mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response", slog.String("error", err.Error()))
	}
}

// handleReady responds to readiness probes with a control-plane connectivity
// check: if the database is unreachable, traffic shouldn't be routed here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("storage health check failed",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{Status: "healthy", Uptime: uptime}

	data, err := json.Marshal(health)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

// handleGetPattern handles GET /api/v1/patterns/{sqlHash} — the one
// read-only lineage-pipeline lookup exposed over HTTP: the observed SQL
// pattern's extraction/load status, for operators and the scheduler to poll
// without querying Postgres directly.
func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	sqlHash := strings.TrimSpace(r.PathValue("sqlHash"))
	if sqlHash == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("sqlHash path parameter is required"))

		return
	}

	pattern, err := s.patterns.GetBySqlHash(r.Context(), sqlHash)
	if err != nil {
		if errors.Is(err, storage.ErrPatternNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("no sql pattern found for that hash"))

			return
		}

		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("failed to look up sql pattern",
			slog.String("correlation_id", correlationID), slog.String("sql_hash", sqlHash), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to look up sql pattern"))

		return
	}

	response := PatternResponse{
		SqlHash:            pattern.SqlHash,
		SourceDatabaseName: pattern.SourceDatabaseName,
		ExecutionCount:     pattern.ExecutionCount,
		LLMStatus:          string(pattern.LLMStatus),
		LoadedToGraph:      pattern.LoadedToGraph,
		FirstSeenAt:        pattern.FirstSeenAt.UTC().Format(time.RFC3339),
		LastSeenAt:         pattern.LastSeenAt.UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode pattern response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
