// Package server exposes the pipeline as a JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"busmap/internal/boundary"
	"busmap/internal/config"
	"busmap/internal/departures"
	"busmap/internal/gtfs"
	"busmap/internal/lines"
	"busmap/internal/metrics"
	"busmap/internal/pipeline"
	"busmap/internal/stoparea"
	"busmap/internal/stops"
	"busmap/internal/vehicles"
)

// Service is the resolution chain the handlers call into. *pipeline.Pipeline
// satisfies it.
type Service interface {
	Boundary(ctx context.Context) (*boundary.Feature, error)
	Stops(ctx context.Context) (*stops.Result, error)
	Lines(ctx context.Context) (*lines.Set, error)
	Vehicles(ctx context.Context) (*vehicles.Snapshot, error)
	VehicleSource() string
	StopDepartures(ctx context.Context, stopID string) (*departures.Board, *stoparea.Match, error)
}

// Server is the HTTP server for the bus map API.
type Server struct {
	mux    *http.ServeMux
	cfg    *config.Config
	svc    Service
	logger *slog.Logger
}

// New creates a Server with all routes registered. mc may be nil, in which
// case no metrics endpoint is mounted.
func New(cfg *config.Config, svc Service, mc *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		cfg:    cfg,
		svc:    svc,
		logger: logger,
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/boundary", s.handleBoundary)
	s.mux.HandleFunc("GET /api/stops", s.handleStops)
	s.mux.HandleFunc("GET /api/lines", s.handleLines)
	s.mux.HandleFunc("GET /api/vehicles", s.handleVehicles)
	s.mux.HandleFunc("GET /api/stops/{id}/departures", s.handleDepartures)

	if mc != nil {
		s.mux.Handle("GET /metrics", mc.Handler())
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return securityHeaders(requestLogger(s.mux, s.logger))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("server starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"boundary":        s.cfg.BoundaryName,
		"vehicleProvider": s.svc.VehicleSource(),
	})
}

func (s *Server) handleBoundary(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Boundary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Stops(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	set, err := s.svc.Lines(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Vehicles(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Live positions must never be served from an intermediary cache.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDepartures(w http.ResponseWriter, r *http.Request) {
	stopID := r.PathValue("id")
	board, match, err := s.svc.StopDepartures(r.Context(), stopID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stopId":     stopID,
		"stopArea":   match,
		"departures": board.Departures,
	})
}

// writeError maps pipeline failures to status codes: lookups that found
// nothing are 404, everything else is a 502 since the data comes from
// upstreams.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, pipeline.ErrStopNotFound),
		errors.Is(err, pipeline.ErrNoStopArea),
		errors.Is(err, boundary.ErrNotFound),
		errors.Is(err, gtfs.ErrDataMissing):
		status = http.StatusNotFound
	case errors.Is(err, boundary.ErrGeometryMismatch):
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
