// Package server exposes the pipeline over HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/pipeline"
)

// maxBodyBytes bounds the request body before JSON decoding. Message size
// limits proper are enforced downstream in runes.
const maxBodyBytes = 1 << 20

type Server struct {
	Router *chi.Mux
	Port   int
	pipe   *pipeline.Pipeline
	logger *slog.Logger
}

func New(port int, pipe *pipeline.Pipeline, requestTimeout time.Duration, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(Instrument(logger))
	r.Use(Timeout(requestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "quietloop")
	})

	s := &Server{
		Router: r,
		Port:   port,
		pipe:   pipe,
		logger: logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/nudge", s.handleNudge)

	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return http.ListenAndServe(fmt.Sprintf(":%d", s.Port), s.Router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNudge runs one request through the pipeline. Malformed JSON is the
// only 400; everything the pipeline can degrade through comes back 200.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		AddError(r.Context(), err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	result := s.pipe.Process(r.Context(), req)
	AddLogField(r.Context(), "user_id", req.UserID)
	AddLogField(r.Context(), "source", string(result.Source))
	AddLogField(r.Context(), "tier", string(result.DeliveryTier))

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
