package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/plugin"
	"github.com/mattjoyce/hl7gw/internal/protocol"
)

const adt = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20240101120000||ADT^A01|MSG00001|P|2.5\r" +
	"PID|1||12345^^^HOSP^MR||DOE^JOHN\r"

type outcome struct {
	result []byte
	err    error
}

func runPipeline(t *testing.T, ctx context.Context, p dispatch.Pipeline, payload string) outcome {
	t.Helper()
	ch := make(chan outcome, 2)
	p.Run(ctx, []byte(payload), dispatch.Callbacks{
		OnSuccess: func(b []byte) { ch <- outcome{result: b} },
		OnError:   func(err error) { ch <- outcome{err: err} },
	})
	select {
	case o := <-ch:
		require.Empty(t, ch, "more than one callback")
		return o
	default:
		t.Fatal("pipeline returned without calling back")
		return outcome{}
	}
}

func createScriptPlugin(t *testing.T, script string, types ...string) *plugin.Plugin {
	t.Helper()
	dir := t.TempDir()
	entrypoint := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(entrypoint, []byte("#!/bin/sh\n"+script), 0755))
	return &plugin.Plugin{
		Name:         "test-pipeline",
		Path:         dir,
		Entrypoint:   entrypoint,
		Protocol:     protocol.Version,
		MessageTypes: types,
	}
}

func TestExecAcknowledges(t *testing.T) {
	p := createScriptPlugin(t, `cat > request.json
printf '{"status":"ok","result_mode":"ack","message":"MSH|^~\\\\&|R|RF|S|SF|20240101||ACK|A1|P|2.5\\rMSA|AA|MSG00001\\r","logs":[{"level":"info","message":"routed"}]}'
`)
	ex := NewExec(p, "adt-in", time.Second, nil)

	o := runPipeline(t, context.Background(), ex, adt)
	require.NoError(t, o.err)
	assert.Equal(t, "MSH|^~\\&|R|RF|S|SF|20240101||ACK|A1|P|2.5\rMSA|AA|MSG00001\r", string(o.result))

	data, err := os.ReadFile(filepath.Join(p.Path, "request.json"))
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, protocol.Version, req.Protocol)
	assert.Equal(t, "adt-in", req.Endpoint)
	assert.Equal(t, "MSG00001", req.ControlID)
	assert.Equal(t, "ADT", req.MessageType)
	assert.Equal(t, "A01", req.TriggerEvent)
	assert.Equal(t, adt, req.Message)
	assert.WithinDuration(t, time.Now().Add(time.Second), req.DeadlineAt, time.Second)
}

func TestExecResultModes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		check  func(t *testing.T, o outcome)
	}{
		{
			name:   "empty ack",
			script: `echo '{"status":"ok"}'`,
			check: func(t *testing.T, o outcome) {
				require.NoError(t, o.err)
				assert.Empty(t, o.result)
			},
		},
		{
			name:   "nack",
			script: `echo '{"status":"ok","result_mode":"nack","nack_message":"unknown patient"}'`,
			check: func(t *testing.T, o outcome) {
				var rej *dispatch.RejectError
				require.ErrorAs(t, o.err, &rej)
				assert.Equal(t, "unknown patient", rej.Reason)
			},
		},
		{
			name:   "plugin error",
			script: `echo '{"status":"error","error":"registry unavailable"}'`,
			check: func(t *testing.T, o outcome) {
				require.Error(t, o.err)
				assert.Equal(t, "registry unavailable", o.err.Error())
			},
		},
		{
			name:   "garbage output",
			script: `echo 'Traceback (most recent call last)'; echo boom >&2; exit 1`,
			check: func(t *testing.T, o outcome) {
				require.Error(t, o.err)
				assert.Contains(t, o.err.Error(), "decode response")
			},
		},
		{
			name:   "no output",
			script: `exit 0`,
			check: func(t *testing.T, o outcome) {
				assert.ErrorContains(t, o.err, "no output")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewExec(createScriptPlugin(t, "cat >/dev/null\n"+tt.script+"\n"), "adt-in", time.Second, nil)
			tt.check(t, runPipeline(t, context.Background(), ex, adt))
		})
	}
}

func TestExecTimeoutTerminatesPlugin(t *testing.T) {
	prev := terminationGracePeriod
	terminationGracePeriod = 100 * time.Millisecond
	t.Cleanup(func() { terminationGracePeriod = prev })

	// Ignores SIGTERM so the kill path runs.
	p := createScriptPlugin(t, "trap '' TERM\nexec sleep 5\n")
	ex := NewExec(p, "adt-in", 100*time.Millisecond, nil)

	start := time.Now()
	o := runPipeline(t, context.Background(), ex, adt)
	assert.ErrorIs(t, o.err, ErrPluginTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecStopsWhenExchangeAnswered(t *testing.T) {
	p := createScriptPlugin(t, "exec sleep 5\n")
	ex := NewExec(p, "adt-in", 10*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	o := runPipeline(t, ctx, ex, adt)
	assert.True(t, errors.Is(o.err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecStopsWhenExchangeCanceled(t *testing.T) {
	p := createScriptPlugin(t, "exec sleep 5\n")
	ex := NewExec(p, "adt-in", 10*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	o := runPipeline(t, ctx, ex, adt)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.NotErrorIs(t, o.err, ErrPluginTimeout)
}

func TestExecReportsResponseDeadline(t *testing.T) {
	p := createScriptPlugin(t, `cat > request.json
echo '{"status":"ok"}'`)
	ex := NewExec(p, "adt-in", 10*time.Second, nil)

	deadline := time.Now().Add(2 * time.Second).Truncate(time.Millisecond)
	ctx := dispatch.WithResponseDeadline(context.Background(), deadline)
	o := runPipeline(t, ctx, ex, adt)
	require.NoError(t, o.err)

	raw, err := os.ReadFile(filepath.Join(p.Path, "request.json"))
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.True(t, req.DeadlineAt.Equal(deadline.UTC()), "deadline_at %s, want %s", req.DeadlineAt, deadline)
}

func TestStallTimeout(t *testing.T) {
	assert.Zero(t, StallTimeout(Accept{}))
	assert.Zero(t, StallTimeout(Reject{}))

	ex := NewExec(createScriptPlugin(t, "exit 0\n"), "adt-in", 3*time.Second, nil)
	assert.Equal(t, 3*time.Second+terminationGracePeriod+stallMargin, StallTimeout(ex))
}

func TestExecRejectsUnacceptedMessageType(t *testing.T) {
	p := createScriptPlugin(t, `echo '{"status":"ok"}'`, "ORU")
	ex := NewExec(p, "lab-in", time.Second, nil)

	o := runPipeline(t, context.Background(), ex, adt)
	var rej *dispatch.RejectError
	require.ErrorAs(t, o.err, &rej)
	assert.Contains(t, rej.Reason, "ADT^A01")
}

func TestExecRejectsUnparseableMessage(t *testing.T) {
	p := createScriptPlugin(t, `echo '{"status":"ok"}'`)
	ex := NewExec(p, "adt-in", time.Second, nil)

	o := runPipeline(t, context.Background(), ex, "hello")
	assert.ErrorContains(t, o.err, "parse message")
}

func TestNewExecTimeoutFallback(t *testing.T) {
	p := &plugin.Plugin{Name: "p", Timeout: 7 * time.Second}
	assert.Equal(t, 7*time.Second, NewExec(p, "e", 0, nil).timeout)
	assert.Equal(t, 2*time.Second, NewExec(p, "e", 2*time.Second, nil).timeout)
	assert.Equal(t, DefaultTimeout, NewExec(&plugin.Plugin{Name: "q"}, "e", 0, nil).timeout)
}

func TestBuiltins(t *testing.T) {
	o := runPipeline(t, context.Background(), Accept{}, adt)
	assert.NoError(t, o.err)
	assert.Nil(t, o.result)

	o = runPipeline(t, context.Background(), Reject{}, adt)
	var rej *dispatch.RejectError
	require.ErrorAs(t, o.err, &rej)
	assert.Equal(t, DefaultRejectReason, rej.Reason)
}

func TestResolve(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Add(&plugin.Plugin{Name: "adt-router", Entrypoint: "/bin/true"}))

	p, err := Resolve(BuiltinAccept, nil, "e", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, Accept{}, p)

	p, err = Resolve(BuiltinReject, nil, "e", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, Reject{}, p)

	p, err = Resolve("adt-router", reg, "e", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, &Exec{}, p)

	_, err = Resolve("missing", reg, "e", 0, nil)
	assert.ErrorContains(t, err, "not found")

	_, err = Resolve("", reg, "e", 0, nil)
	assert.Error(t, err)
}
