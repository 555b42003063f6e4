// Package api exposes the moderation pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/policykit/policykit/pkg/domain"
	"github.com/policykit/policykit/pkg/pipeline"
)

// Evaluator is the pipeline surface the server depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, submission string) (domain.Verdict, error)
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the moderation API: one check endpoint, health, and the
// Prometheus scrape endpoint.
type Server struct {
	checker Evaluator
	metrics *Metrics
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer assembles the HTTP server around the pipeline.
func NewServer(cfg ServerConfig, checker Evaluator, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		checker: checker,
		metrics: metrics,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/check-posting", otelhttp.NewHandler(http.HandlerFunc(s.handleCheckPosting), "policykit.check_posting"))
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      metrics.Middleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listener and serves until Shutdown. It returns once the
// server stops; http.ErrServerClosed is reported as nil.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("server listening", "addr", listener.Addr().String())

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the configured handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type checkPostingRequest struct {
	JobDescription string `json:"job_description"`
	ImagePath      string `json:"image_path,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCheckPosting(w http.ResponseWriter, r *http.Request) {
	var req checkPostingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.JobDescription) == "" {
		s.writeError(w, http.StatusBadRequest, "job_description must not be empty")
		return
	}

	verdict, err := s.checker.Evaluate(r.Context(), req.JobDescription)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptySubmission) {
			s.writeError(w, http.StatusBadRequest, "job_description must not be empty")
			return
		}
		// Internal detail stays in the log; the client gets a generic error.
		s.logger.Error("evaluation failed", "error", err)
		s.metrics.RecordCheck("error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if verdict.HasViolations {
		s.metrics.RecordCheck("violations")
	} else {
		s.metrics.RecordCheck("clean")
	}
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
