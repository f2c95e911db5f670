// Package api exposes the enrichment task controls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/enrich"
	"github.com/sells-group/track-enricher/internal/model"
)

// Controller is the task control used by the handlers. *enrich.Coordinator
// implements it.
type Controller interface {
	Start(ctx context.Context, kind model.TaskKind, opts ...enrich.StartOption) (string, error)
	Status(ctx context.Context, id string) (model.Task, error)
	Stop(ctx context.Context, id string) (model.Task, error)
	ListActive() []model.Task
}

// Option configures the router.
type Option func(*handler)

// WithHealthCheck sets the readiness probe behind GET /health.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(h *handler) {
		h.health = fn
	}
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(hd *handler) {
		hd.metrics = h
	}
}

type handler struct {
	ctrl    Controller
	health  func(ctx context.Context) error
	metrics http.Handler
}

// NewRouter builds the chi router for the control surface.
func NewRouter(ctrl Controller, opts ...Option) http.Handler {
	h := &handler{ctrl: ctrl}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/enrichment", func(r chi.Router) {
		r.Get("/tasks", h.handleList)
		r.Post("/{kind}/start", h.handleStart)
		r.Get("/{kind}/status/{taskID}", h.handleStatus)
		r.Post("/{kind}/stop/{taskID}", h.handleStop)
	})
	return r
}

// requestLog echoes the request id and logs one line per request.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimiddleware.RequestIDHeader, id)
		}
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"taskId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
