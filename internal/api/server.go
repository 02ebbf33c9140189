package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/config"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/pipeline"
	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/session"
	"github.com/JakeFAU/dealscan/internal/store"
)

// Streamer runs one scan and hands every stream message to yield.
type Streamer interface {
	Stream(ctx context.Context, req deal.SearchRequest, yield func(progress.Message) error) error
}

// RunControl exposes the active-run slot.
type RunControl interface {
	CancelCurrent() bool
	Active() *session.Run
}

// Server wires HTTP handlers to the pipeline and run history.
type Server struct {
	router   chi.Router
	streamer Streamer
	runs     RunControl
	history  *HistoryHandler
	cfg      config.Config
	logger   *zap.Logger
}

const (
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeSSE    = "text/event-stream"
	requestTimeout    = 60 * time.Second
	maxRequestBytes   = 1 << 16
)

// NewServer constructs a Server with middleware and routes. repo may be nil,
// in which case the run history routes answer 503.
func NewServer(
	streamer Streamer,
	runs RunControl,
	repo store.RunRepository,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		streamer: streamer,
		runs:     runs,
		history:  NewHistoryHandler(repo, logger),
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/search", func(r chi.Router) {
			// Streams outlive any fixed request timeout.
			r.Post("/stream", s.streamSearch)
			r.With(timeoutMiddleware(requestTimeout)).Post("/cancel", s.cancelSearch)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/", s.history.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.history.GetRun)
				r.Get("/results", s.history.ListResults)
			})
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ready", "active_run": false}
	if run := s.runs.Active(); run != nil {
		body["active_run"] = true
		body["run_id"] = run.ID()
		body["run_started_at"] = run.StartedAt()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) cancelSearch(w http.ResponseWriter, _ *http.Request) {
	active := s.runs.CancelCurrent()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested", "active": active})
}

// streamSearch runs a scan and writes each message as it arrives. The
// response status is only committed with the first message, so request
// validation failures still answer 400.
func (s *Server) streamSearch(w http.ResponseWriter, r *http.Request) {
	var req deal.SearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	enc := newStreamEncoder(r.Header.Get("Accept"))

	started := false
	err := s.streamer.Stream(r.Context(), req, func(msg progress.Message) error {
		if !started {
			w.Header().Set("Content-Type", enc.contentType())
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.write(w, msg); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	switch {
	case err == nil:
	case started:
		s.logger.Info("search stream ended early", zap.Error(err))
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case deal.IsCanceled(err) || errors.Is(err, context.Canceled):
		s.logger.Info("search stream canceled before start", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "search canceled")
	default:
		s.logger.Error("search stream failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
	}
}

// streamEncoder writes messages as NDJSON lines or SSE data frames.
type streamEncoder struct {
	sse bool
}

func newStreamEncoder(accept string) streamEncoder {
	return streamEncoder{sse: strings.Contains(accept, contentTypeSSE)}
}

func (e streamEncoder) contentType() string {
	if e.sse {
		return contentTypeSSE
	}
	return contentTypeNDJSON
}

func (e streamEncoder) write(w http.ResponseWriter, msg progress.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if e.sse {
		_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	} else {
		_, err = w.Write(append(payload, '\n'))
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
