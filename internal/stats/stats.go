// Package stats keeps per-endpoint exchange counters, either in memory or in
// Redis when several gateway processes should share one view.
package stats

import (
	"context"
	"sort"
)

// Counter names.
const (
	Received  = "received"
	Ack       = "ack"
	Nack      = "nack"
	Error     = "error"
	Timeout   = "timeout"
	Discarded = "discarded"
)

// Counters are the totals for one endpoint.
type Counters struct {
	Received  int64 `json:"received"`
	Ack       int64 `json:"ack"`
	Nack      int64 `json:"nack"`
	Error     int64 `json:"error"`
	Timeout   int64 `json:"timeout"`
	Discarded int64 `json:"discarded"`
}

func (c *Counters) add(counter string, n int64) {
	switch counter {
	case Received:
		c.Received += n
	case Ack:
		c.Ack += n
	case Nack:
		c.Nack += n
	case Error:
		c.Error += n
	case Timeout:
		c.Timeout += n
	case Discarded:
		c.Discarded += n
	}
}

// Snapshot maps endpoint name to its counters.
type Snapshot map[string]Counters

// Total sums all endpoints.
func (s Snapshot) Total() Counters {
	var out Counters
	for _, c := range s {
		out.Received += c.Received
		out.Ack += c.Ack
		out.Nack += c.Nack
		out.Error += c.Error
		out.Timeout += c.Timeout
		out.Discarded += c.Discarded
	}
	return out
}

// Endpoints returns the endpoint names in sorted order.
func (s Snapshot) Endpoints() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store is where counters live. Callers treat errors as best effort.
type Store interface {
	Incr(ctx context.Context, endpoint, counter string) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

func validCounter(counter string) bool {
	switch counter {
	case Received, Ack, Nack, Error, Timeout, Discarded:
		return true
	}
	return false
}
