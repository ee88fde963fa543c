package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/models"
)

type startSessionRequest struct {
	models.SessionMetadata
	// Config overrides the server's analysis defaults field by field.
	Config json.RawMessage `json:"config,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status mapped from the error kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	if kind := apperrors.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version,
		"sessions":  len(s.manager.List()),
	})
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, apperrors.Validation("invalid request body: %v", err))
			return
		}
	}

	var override *config.Analysis
	if len(req.Config) > 0 {
		cfg, err := config.Overlay(s.manager.Defaults(), req.Config)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		override = &cfg
	}

	info, err := s.manager.Start(req.SessionMetadata, override)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func validTimestamp(ts float64) bool {
	return !math.IsNaN(ts) && !math.IsInf(ts, 0) && ts >= 0
}

func (s *Server) ingestFrameHandler(w http.ResponseWriter, r *http.Request) {
	var obs models.FrameObservation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		s.writeError(w, r, apperrors.Validation("invalid frame: %v", err))
		return
	}
	if !validTimestamp(obs.Timestamp) {
		s.writeError(w, r, apperrors.Validation("timestamp must be a non-negative number of seconds"))
		return
	}

	sub, err := s.manager.Submit(mux.Vars(r)["id"], obs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(sub)})
}

func (s *Server) ingestImageHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseFloat(r.URL.Query().Get("timestamp"), 64)
	if err != nil || !validTimestamp(ts) {
		s.writeError(w, r, apperrors.Validation("timestamp query parameter must be a non-negative number of seconds"))
		return
	}

	image, err := io.ReadAll(io.LimitReader(r.Body, maxImageBytes+1))
	if err != nil {
		s.writeError(w, r, apperrors.Validation("failed to read image: %v", err))
		return
	}
	if len(image) > maxImageBytes {
		s.writeError(w, r, apperrors.Validation("image exceeds %d bytes", maxImageBytes))
		return
	}

	sub, err := s.manager.SubmitImage(mux.Vars(r)["id"], ts, image)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(sub)})
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// limitParam reads ?limit=, falling back to def.
func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	samples, err := s.manager.Timeline(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) recentReportsHandler(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		s.writeError(w, r, apperrors.Unavailable("report store not configured"))
		return
	}
	limit, err := limitParam(r, 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.recent.RecentReports(r.Context(), int64(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_ids": ids})
}
