package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/hl7gw/internal/api"
	"github.com/mattjoyce/hl7gw/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type statsMsg api.StatsResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams /events into ch until the connection drops.
// lastID carries the resume point across reconnects.
func subscribeToEvents(apiURL, apiKey, endpoint string, lastID *atomic.Int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		u := apiURL + "/events"
		if endpoint != "" {
			u += "?endpoint=" + url.QueryEscape(endpoint)
		}
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Accept", "text/event-stream")
		if id := lastID.Load(); id > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: %s", resp.Status)}
		}

		err = readSSE(resp.Body, func(e events.Event) {
			lastID.Store(e.ID)
			ch <- e
		})
		return sseDisconnectedMsg{err: err}
	}
}

// readSSE parses a server-sent event stream, calling emit once per event.
// Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		id   int64
		typ  string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				emit(events.Event{ID: id, Type: typ, At: time.Now(), Data: json.RawMessage(data.String())})
			}
			id, typ = 0, ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(apiURL, apiKey string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(apiURL+"/healthz", apiKey, &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func fetchStats(apiURL, apiKey string) tea.Msg {
	var s api.StatsResponse
	if err := getJSON(apiURL+"/stats", apiKey, &s); err != nil {
		return errMsg(err)
	}
	return statsMsg(s)
}

func getJSON(u, apiKey string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
