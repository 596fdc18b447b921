// Package status serves a small HTTP endpoint with a stage's health and counters.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatsFunc returns a JSON-serializable snapshot, called once per /stats request.
type StatsFunc func() any

// Server exposes /healthz and /stats for one stage.
type Server struct {
	stage  string
	stats  StatsFunc
	logger *slog.Logger
	router *chi.Mux
	srv    *http.Server
	ln     net.Listener
}

// New builds the router. stats may be nil.
func New(stage string, stats StatsFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{stage: stage, stats: stats, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "stage": s.stage})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		var body any = struct{}{}
		if s.stats != nil {
			body = s.stats()
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": s.stage, "stats": body})
	})
	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Status endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
