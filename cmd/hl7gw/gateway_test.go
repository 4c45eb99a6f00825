package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hl7gw/internal/api"
	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/httpintake"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/mllp"
)

const testADT = "MSH|^~\\&|SND|FAC|RCV|FAC|20260301093000||ADT^A01|MSG00001|P|2.5\rPID|1||12345^^^MRN\r"

// startGateway loads the config at path and runs a gateway until the test
// ends.
func startGateway(t *testing.T, path string) *gateway {
	t.Helper()

	cfg, err := config.Load(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	g, err := newGateway(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, g.listen())

	done := make(chan error, 1)
	go func() { done <- g.run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("gateway did not stop")
		}
		g.close()
	})
	return g
}

func writeGatewayConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "state:\n  path: " + filepath.Join(dir, "journal.db") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (g *gateway) endpoint(name string) *endpointRuntime {
	for _, rt := range g.endpoints {
		if rt.cfg.Name == name {
			return rt
		}
	}
	return nil
}

func TestGatewayMLLPAndHTTPIntake(t *testing.T) {
	path := writeGatewayConfig(t, `
http_intake:
  listen: "127.0.0.1:0"
endpoints:
  - name: adt-in
    listen: "127.0.0.1:0"
    pipeline: builtin:accept
  - name: lab-in
    http_path: /hl7/lab
    auto_ack: false
    timeout: 2s
    pipeline: builtin:reject
`)
	g := startGateway(t, path)

	t.Run("mllp accept", func(t *testing.T) {
		rt := g.endpoint("adt-in")
		require.NotNil(t, rt)

		conn, err := net.Dial("tcp", rt.ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, mllp.WriteFrame(conn, []byte(testADT)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		frame, err := mllp.NewReader(conn, 0).ReadFrame()
		require.NoError(t, err)
		assert.Contains(t, string(frame), "MSA|AA|MSG00001")
	})

	t.Run("http reject", func(t *testing.T) {
		url := "http://" + g.intakeLn.Addr().String() + "/hl7/lab"
		resp, err := http.Post(url, httpintake.ContentType, strings.NewReader(testADT))
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get(httpintake.HeaderNack))
		assert.Contains(t, string(body), "MSA|AE|MSG00001")
		assert.NotEmpty(t, resp.Header.Get(httpintake.HeaderExchangeID))
	})

	// The journal row is written after the response is delivered.
	var entries []*journal.Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = g.journal.List(context.Background(), journal.Filter{})
		return err == nil && len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)

	outcomes := map[string]string{}
	for _, e := range entries {
		outcomes[e.Endpoint] = e.Outcome
	}
	assert.Equal(t, map[string]string{"adt-in": "ack", "lab-in": "nack"}, outcomes)

	snap, err := g.stats.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap["adt-in"].Received)

	status := g.EndpointStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "auto", status[0].Mode)
	assert.Equal(t, "delayed", status[1].Mode)
	assert.Equal(t, "2s", status[1].Deadline)
	assert.Equal(t, "/hl7/lab", status[1].HTTPPath)
}

func TestGatewayAPIHealthz(t *testing.T) {
	path := writeGatewayConfig(t, `
api:
  enabled: true
  listen: "127.0.0.1:0"
  auth:
    api_key: test-admin-key
endpoints:
  - name: adt-in
    listen: "127.0.0.1:0"
    pipeline: builtin:accept
`)
	g := startGateway(t, path)
	require.NotNil(t, g.apiLn)

	resp, err := http.Get("http://" + g.apiLn.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health api.HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Endpoints, 1)
	assert.Equal(t, g.endpoint("adt-in").ln.Addr().String(), health.Endpoints[0].Listen)

	req, err := http.NewRequest(http.MethodGet, "http://"+g.apiLn.Addr().String()+"/exchanges", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestGatewayListenConflict(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	path := writeGatewayConfig(t, `
endpoints:
  - name: adt-in
    listen: "`+busy.Addr().String()+`"
    pipeline: builtin:accept
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	g, err := newGateway(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer g.close()

	err = g.listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint adt-in listen")
}

func TestGatewayUnknownPipeline(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "plugins"), 0o755))
	path := writeGatewayConfig(t, `
pipelines_dir: `+filepath.Join(dir, "plugins")+`
endpoints:
  - name: adt-in
    listen: "127.0.0.1:0"
    pipeline: missing-router
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = newGateway(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-router")
}
