package journal

import (
	"errors"
	"time"
)

// ErrExchangeNotFound is returned by Get for unknown ids.
var ErrExchangeNotFound = errors.New("exchange not found")

// Entry is one answered exchange.
type Entry struct {
	ID          string
	Endpoint    string
	ControlID   string
	MessageType string
	Outcome     string
	Nack        bool
	Closed      bool
	Reason      string
	Error       string
	ReceivedAt  time.Time
	RespondedAt time.Time
	Elapsed     time.Duration
	Request     string
	Response    string
	Discards    int
}

// Filter narrows List. Zero values match everything; Limit defaults to 50.
type Filter struct {
	Endpoint  string
	Outcome   string
	ControlID string
	Limit     int
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)
