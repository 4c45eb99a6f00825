package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hl7gw/internal/auth"
	"github.com/mattjoyce/hl7gw/internal/events"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/stats"
	"github.com/mattjoyce/hl7gw/internal/storage"
)

const adminKey = "admin-key"

var testTokens = []auth.TokenConfig{
	{Name: "monitor", Token: "monitor-token", Scopes: []string{"events:ro", "stats:ro"}},
	{Name: "ops", Token: "ops-token", Scopes: []string{"exchanges:rw"}},
}

type staticEndpoints []EndpointStatus

func (s staticEndpoints) EndpointStatus() []EndpointStatus { return s }

type fixture struct {
	srv     *Server
	handler http.Handler
	journal *journal.Journal
	stats   *stats.MemoryStore
	hub     *events.Hub
}

func newFixture(t *testing.T, rl RateLimitConfig) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		journal: journal.New(db),
		stats:   stats.NewMemoryStore(),
		hub:     events.NewHub(32),
	}
	logger := slog.New(slog.DiscardHandler)
	endpoints := staticEndpoints{
		{Name: "adt-in", Listen: ":2575", Mode: "delayed", Deadline: "5s", Workers: 50, Pipeline: "builtin:accept", InFlight: 2},
		{Name: "oru-in", Listen: ":2576", Mode: "auto", Workers: 10, Pipeline: "lab-router", InFlight: 1},
	}
	f.srv = New(Config{APIKey: adminKey, Tokens: testTokens, RateLimit: rl}, f.journal, f.stats, f.hub, endpoints, logger)
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) record(t *testing.T, id, endpoint, outcome string, at time.Time) {
	t.Helper()
	require.NoError(t, f.journal.Record(context.Background(), journal.Entry{
		ID:          id,
		Endpoint:    endpoint,
		ControlID:   "CTRL-" + id,
		MessageType: "ADT^A01",
		Outcome:     outcome,
		Nack:        outcome != "ack",
		ReceivedAt:  at,
		RespondedAt: at.Add(120 * time.Millisecond),
		Elapsed:     120 * time.Millisecond,
		Request:     "MSH|request",
		Response:    "MSH|response",
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})

	rec := f.get("/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Endpoints, 2)
	assert.Equal(t, 3, resp.InFlight)
}

func TestAuthAndScopes(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "no token", path: "/exchanges", want: http.StatusUnauthorized},
		{name: "unknown token", path: "/exchanges", token: "bogus", want: http.StatusUnauthorized},
		{name: "admin lists exchanges", path: "/exchanges", token: adminKey, want: http.StatusOK},
		{name: "rw implies ro", path: "/exchanges", token: "ops-token", want: http.StatusOK},
		{name: "monitor cannot read exchanges", path: "/exchanges", token: "monitor-token", want: http.StatusForbidden},
		{name: "monitor reads stats", path: "/stats", token: "monitor-token", want: http.StatusOK},
		{name: "ops cannot read stats", path: "/stats", token: "ops-token", want: http.StatusForbidden},
		{name: "openapi is public", path: "/openapi.json", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.get(tt.path, tt.token).Code)
		})
	}
}

func TestListExchanges(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f.record(t, "ex-1", "adt-in", "ack", base)
	f.record(t, "ex-2", "adt-in", "timeout", base.Add(time.Second))
	f.record(t, "ex-3", "oru-in", "ack", base.Add(2*time.Second))

	rec := f.get("/exchanges", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[ExchangeListResponse](t, rec)
	require.Equal(t, 3, all.Count)
	assert.Equal(t, "ex-3", all.Exchanges[0].ID, "newest first")

	rec = f.get("/exchanges?endpoint=adt-in&outcome=timeout", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	filtered := decode[ExchangeListResponse](t, rec)
	require.Equal(t, 1, filtered.Count)
	assert.Equal(t, "ex-2", filtered.Exchanges[0].ID)
	assert.True(t, filtered.Exchanges[0].Nack)
	assert.Equal(t, int64(120), filtered.Exchanges[0].ElapsedMS)

	rec = f.get("/exchanges?limit=1", adminKey)
	assert.Equal(t, 1, decode[ExchangeListResponse](t, rec).Count)

	assert.Equal(t, http.StatusBadRequest, f.get("/exchanges?limit=abc", adminKey).Code)
}

func TestGetExchange(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	f.record(t, "ex-1", "adt-in", "ack", time.Now().UTC())
	require.NoError(t, f.journal.RecordDiscard(context.Background(), "ex-1", "adt-in", "timeout"))

	rec := f.get("/exchanges/ex-1", "ops-token")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ExchangeResponse](t, rec)
	assert.Equal(t, "ex-1", resp.ID)
	assert.Equal(t, "CTRL-ex-1", resp.ControlID)
	assert.Equal(t, "MSH|request", resp.Request)
	assert.Equal(t, "MSH|response", resp.Response)
	assert.Equal(t, 1, resp.Discards)

	rec = f.get("/exchanges/missing", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "exchange not found", decode[ErrorResponse](t, rec).Error)
}

func TestStats(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, f.stats.Incr(ctx, "adt-in", stats.Received))
	require.NoError(t, f.stats.Incr(ctx, "adt-in", stats.Ack))
	require.NoError(t, f.stats.Incr(ctx, "oru-in", stats.Received))
	require.NoError(t, f.stats.Incr(ctx, "oru-in", stats.Timeout))

	rec := f.get("/stats", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatsResponse](t, rec)
	assert.Equal(t, int64(2), resp.Total.Received)
	assert.Equal(t, int64(1), resp.Total.Timeout)
	assert.Equal(t, int64(1), resp.Endpoints["adt-in"].Ack)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, RateLimitConfig{RPS: 0.001, Burst: 2})

	assert.Equal(t, http.StatusOK, f.get("/stats", adminKey).Code)
	assert.Equal(t, http.StatusOK, f.get("/stats", adminKey).Code)
	rec := f.get("/stats", adminKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Buckets are per token.
	assert.Equal(t, http.StatusOK, f.get("/stats", "monitor-token").Code)
	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, f.get("/healthz", "").Code)
}

func TestLimiterCleanup(t *testing.T) {
	l := newLimiterStore(RateLimitConfig{RPS: 1})
	require.NotNil(t, l)
	assert.Equal(t, 1, l.burst)

	l.get("a")
	l.cleanup(time.Now().Add(limiterIdleTTL + time.Minute))
	assert.Empty(t, l.entries)

	assert.Nil(t, newLimiterStore(RateLimitConfig{}))
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	rec := f.get("/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decode[map[string]any](t, rec)
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/healthz", "/exchanges", "/exchanges/{exchangeID}", "/stats", "/events"} {
		assert.Contains(t, paths, p)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	f.hub.Publish(events.TypeReceived, events.Exchange{ExchangeID: "ex-1", Endpoint: "adt-in"})
	f.hub.Publish(events.TypeReceived, events.Exchange{ExchangeID: "ex-2", Endpoint: "oru-in"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?endpoint=adt-in", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer monitor-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.hub.Publish(events.TypeTimeout, events.Exchange{ExchangeID: "ex-3", Endpoint: "oru-in"})
		f.hub.Publish(events.TypeTimeout, events.Exchange{ExchangeID: "ex-1", Endpoint: "adt-in", Closed: true})
	}()

	var types, ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(types) < 2 {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{events.TypeReceived, events.TypeTimeout}, types)
	assert.Equal(t, []string{"1", "4"}, ids)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
