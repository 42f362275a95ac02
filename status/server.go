// Package status serves the local control and observability API: engine
// state, transcript history, playback and session controls, and the
// Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/engine"
)

// Controller is the part of the engine the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Snapshot() engine.Snapshot
	History() []engine.TranscriptEntry
	ClearTranscript()
	StopAudio()
}

type Server struct {
	controller Controller
	logger     *zap.Logger
	srv        *http.Server
	// base is the parent of sessions started over the API.
	base context.Context
}

// NewServer builds the router. base outlives individual requests and is
// passed to sessions started through POST /session/start.
func NewServer(base context.Context, addr string, controller Controller, logger *zap.Logger) *Server {
	s := &Server{
		controller: controller,
		logger:     logger.With(zap.String("component", "status")),
		base:       base,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Get("/history", s.history)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/session", func(r chi.Router) {
		r.Post("/start", s.start)
		r.Post("/stop", s.stop)
	})
	r.Post("/audio/stop", s.stopAudio)
	r.Post("/transcript/clear", s.clearTranscript)
	return r
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.History())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Start(s.base)
	var deviceErr *engine.DeviceAccessError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.controller.Snapshot())
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &deviceErr):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("failed to start session", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) stopAudio(w http.ResponseWriter, r *http.Request) {
	s.controller.StopAudio()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearTranscript(w http.ResponseWriter, r *http.Request) {
	s.controller.ClearTranscript()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
