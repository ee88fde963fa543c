// Package server exposes screening sessions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shockscore/internal/logging"
	"shockscore/internal/metrics"
	"shockscore/internal/screening"
)

const version = "1.0.0"

// maxImageBytes bounds a raw frame upload.
const maxImageBytes = 16 << 20

// RecentReports lists stored report IDs, newest first.
type RecentReports interface {
	RecentReports(ctx context.Context, count int64) ([]string, error)
}

type Server struct {
	router  *mux.Router
	manager *screening.Manager
	recent  RecentReports
	logger  *slog.Logger
}

// New wires the routes. recent may be nil when no store is configured.
func New(manager *screening.Manager, recent RecentReports) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		manager: manager,
		recent:  recent,
		logger:  logging.Logger.With("component", "http"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics/prometheus", promhttp.Handler())

	s.router.HandleFunc("/sessions", s.startSessionHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions", s.listSessionsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.sessionStatusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/frames", s.ingestFrameHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/images", s.ingestImageHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/stop", s.stopSessionHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/report", s.reportHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/timeline", s.timelineHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/reports", s.recentReportsHandler).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template, so
// session IDs never become label values.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server is ready to handle requests", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not gracefully shutdown the server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
