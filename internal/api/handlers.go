package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/hl7gw/internal/journal"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Endpoints:     []EndpointStatus{},
	}
	if s.endpoints != nil {
		resp.Endpoints = s.endpoints.EndpointStatus()
		for _, ep := range resp.Endpoints {
			resp.InFlight += ep.InFlight
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListExchanges handles GET /exchanges?endpoint=&outcome=&control_id=&limit=
func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	if s.exchanges == nil {
		s.writeError(w, http.StatusServiceUnavailable, "exchange journal disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Endpoint:  q.Get("endpoint"),
		Outcome:   q.Get("outcome"),
		ControlID: q.Get("control_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.exchanges.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list exchanges", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}

	resp := ExchangeListResponse{Exchanges: make([]ExchangeSummary, 0, len(entries))}
	for _, e := range entries {
		resp.Exchanges = append(resp.Exchanges, summarize(e))
	}
	resp.Count = len(resp.Exchanges)
	respondJSON(w, http.StatusOK, resp)
}

// handleGetExchange handles GET /exchanges/{exchangeID}
func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	if s.exchanges == nil {
		s.writeError(w, http.StatusServiceUnavailable, "exchange journal disabled")
		return
	}

	id := chi.URLParam(r, "exchangeID")
	e, err := s.exchanges.Get(r.Context(), id)
	if errors.Is(err, journal.ErrExchangeNotFound) {
		s.writeError(w, http.StatusNotFound, "exchange not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load exchange", "exchange_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load exchange")
		return
	}

	respondJSON(w, http.StatusOK, ExchangeResponse{
		ExchangeSummary: summarize(e),
		Reason:          e.Reason,
		Error:           e.Error,
		RespondedAt:     e.RespondedAt,
		Discards:        e.Discards,
		Request:         e.Request,
		Response:        e.Response,
	})
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stats disabled")
		return
	}
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	respondJSON(w, http.StatusOK, StatsResponse{Total: snap.Total(), Endpoints: snap})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
