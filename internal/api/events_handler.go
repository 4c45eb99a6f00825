package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/hl7gw/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams hub events as server-sent events. ?endpoint= restricts
// the stream to one endpoint; Last-Event-ID replays what the ring buffer still
// holds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	// Subscribe before the replay so nothing published in between is lost;
	// the replay high-water mark drops duplicates.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	for _, ev := range s.events.SnapshotSince(lastID) {
		if !matchesEndpoint(ev, endpoint) {
			lastID = ev.ID
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID || !matchesEndpoint(ev, endpoint) {
				continue
			}
			lastID = ev.ID
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func matchesEndpoint(ev events.Event, endpoint string) bool {
	if endpoint == "" {
		return true
	}
	var payload events.Exchange
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.Endpoint == endpoint
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
