package api

import (
	"time"

	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/stats"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// EndpointStatus describes one configured endpoint.
type EndpointStatus struct {
	Name     string `json:"name"`
	Listen   string `json:"listen,omitempty"`
	HTTPPath string `json:"http_path,omitempty"`
	Mode     string `json:"mode"`
	Deadline string `json:"deadline,omitempty"`
	Workers  int    `json:"workers"`
	Pipeline string `json:"pipeline"`
	InFlight int    `json:"in_flight"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Endpoints     []EndpointStatus `json:"endpoints"`
	InFlight      int              `json:"in_flight"`
}

// ExchangeSummary is one row of GET /exchanges.
type ExchangeSummary struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	ControlID   string    `json:"control_id,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	Outcome     string    `json:"outcome"`
	Nack        bool      `json:"nack"`
	Closed      bool      `json:"closed"`
	ReceivedAt  time.Time `json:"received_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`
}

// ExchangeResponse is returned by GET /exchanges/{id}.
type ExchangeResponse struct {
	ExchangeSummary
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
	Discards    int       `json:"discards"`
	Request     string    `json:"request"`
	Response    string    `json:"response"`
}

// ExchangeListResponse is returned by GET /exchanges.
type ExchangeListResponse struct {
	Exchanges []ExchangeSummary `json:"exchanges"`
	Count     int               `json:"count"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Total     stats.Counters `json:"total"`
	Endpoints stats.Snapshot `json:"endpoints"`
}

func summarize(e *journal.Entry) ExchangeSummary {
	return ExchangeSummary{
		ID:          e.ID,
		Endpoint:    e.Endpoint,
		ControlID:   e.ControlID,
		MessageType: e.MessageType,
		Outcome:     e.Outcome,
		Nack:        e.Nack,
		Closed:      e.Closed,
		ReceivedAt:  e.ReceivedAt,
		ElapsedMS:   e.Elapsed.Milliseconds(),
	}
}
