package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/component"
	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// Controller is the part of the manager the admin surface drives.
type Controller interface {
	Statuses(ctx context.Context) []crawler.ComponentStatus
	PauseAsync(ctx context.Context, filter crawler.ComponentFilter) error
	ResumeAsync(ctx context.Context, filter crawler.ComponentFilter) error
	StopAsync(ctx context.Context, filter crawler.ComponentFilter) error
}

const requestTimeout = 30 * time.Second

// Server wires HTTP handlers to the manager.
type Server struct {
	router  chi.Router
	ctrl    Controller
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metrics may be
// nil, in which case /metrics is not served. Extra middleware, such as
// request metrics, runs inside the logging and recovery layers.
func NewServer(ctrl Controller, metrics http.Handler, logger *zap.Logger, middleware ...func(http.Handler) http.Handler) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, metrics: metrics, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	for _, mw := range middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/v1/components", func(r chi.Router) {
		r.Get("/", s.listComponents)
		r.Post("/{action}", s.controlComponents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, st := range s.ctrl.Statuses(r.Context()) {
		if st.State == crawler.StateFailed {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "failed",
				"component": st.Info.Name,
				"error":     st.Error,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// filterFrom reads repeated name and id query parameters. No parameters
// selects every component.
func filterFrom(r *http.Request) crawler.ComponentFilter {
	q := r.URL.Query()
	return crawler.ComponentFilter{Names: q["name"], IDs: q["id"]}
}

func (s *Server) listComponents(w http.ResponseWriter, r *http.Request) {
	filter := filterFrom(r)
	out := make([]crawler.ComponentStatus, 0)
	for _, st := range s.ctrl.Statuses(r.Context()) {
		if filter.Matches(st.Info) {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"components": out})
}

func (s *Server) controlComponents(w http.ResponseWriter, r *http.Request) {
	filter := filterFrom(r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var err error
	action := chi.URLParam(r, "action")
	switch action {
	case "pause":
		err = s.ctrl.PauseAsync(ctx, filter)
	case "resume":
		err = s.ctrl.ResumeAsync(ctx, filter)
	case "stop":
		err = s.ctrl.StopAsync(ctx, filter)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, component.ErrInvalidTransition):
			status = http.StatusConflict
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("component control applied",
		zap.String("action", action),
		zap.Strings("names", filter.Names),
		zap.Strings("ids", filter.IDs),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": action})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
