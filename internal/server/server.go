// Package server exposes the orchestrator and provider health over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/pipeline"
	"github.com/sells-group/corpsignal/internal/resilience"
	"github.com/sells-group/corpsignal/internal/store"
)

const maxBodyBytes = 1 << 20

// Runner executes orchestrated requests. *pipeline.Pipeline satisfies it.
type Runner interface {
	RunAgentExtraction(ctx context.Context, entityID string, actx model.AnalysisContext) (pipeline.ExtractionResult, error)
	RunFallbackProfile(ctx context.Context, entityID string, actx model.AnalysisContext) (pipeline.ProfileResult, model.FallbackLayer)
}

// RunLog reads recorded runs. store.Store satisfies it.
type RunLog interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// RequestTimeout bounds each orchestrated request. Zero leaves only the
	// client's connection as the bound.
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the pipeline and the health tracker.
type Server struct {
	runner  Runner
	tracker *resilience.Tracker
	runs    RunLog
	opts    Options
}

// New creates a server. runs may be nil, which disables the run endpoint.
func New(runner Runner, tracker *resilience.Tracker, runs RunLog, opts Options) *Server {
	return &Server{runner: runner, tracker: tracker, runs: runs, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Get("/providers", s.handleProviders)
	r.Get("/providers/{id}", s.handleProvider)
	r.Post("/providers/{id}/reset", s.handleReset)

	r.Post("/entities/{id}/signals", s.handleSignals)
	r.Post("/entities/{id}/profile", s.handleProfile)

	r.Get("/runs/{id}", s.handleRun)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.tracker.Statuses()})
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tracker.Reset(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	st, _ := s.tracker.Status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	actx, ok := decodeContext(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.runner.RunAgentExtraction(ctx, chi.URLParam(r, "id"), actx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrEmptyEntity) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	actx, ok := decodeContext(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, layer := s.runner.RunFallbackProfile(ctx, chi.URLParam(r, "id"), actx)
	writeJSON(w, http.StatusOK, map[string]any{
		"layer":  layer,
		"result": res,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, store.ErrRunNotFound)
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

// decodeContext reads an optional AnalysisContext body. An empty body is an
// empty context.
func decodeContext(w http.ResponseWriter, r *http.Request) (model.AnalysisContext, bool) {
	var actx model.AnalysisContext
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&actx)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return actx, false
	}
	return actx, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
