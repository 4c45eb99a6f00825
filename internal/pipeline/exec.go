package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/hl7"
	"github.com/mattjoyce/hl7gw/internal/log"
	"github.com/mattjoyce/hl7gw/internal/plugin"
	"github.com/mattjoyce/hl7gw/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from plugin execution.
	maxStderrBytes = 64 * 1024

	// DefaultTimeout applies when neither the endpoint nor the manifest sets one.
	DefaultTimeout = 30 * time.Second
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
var terminationGracePeriod = 5 * time.Second

// ErrPluginTimeout is reported when a plugin outlives its execution limit.
var ErrPluginTimeout = errors.New("pipeline plugin timed out")

// Exec runs a plugin executable for every message.
type Exec struct {
	plugin   *plugin.Plugin
	endpoint string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExec creates an Exec for p. A zero timeout falls back to the manifest
// timeout and then DefaultTimeout.
func NewExec(p *plugin.Plugin, endpoint string, timeout time.Duration, logger *slog.Logger) *Exec {
	if timeout <= 0 {
		timeout = p.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.WithComponent("pipeline")
	}
	return &Exec{
		plugin:   p,
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger.With("plugin", p.Name),
	}
}

// Run implements dispatch.Pipeline. It blocks until the plugin exits.
func (e *Exec) Run(ctx context.Context, payload []byte, cb dispatch.Callbacks) {
	msg, err := hl7.Parse(payload)
	if err != nil {
		cb.OnError(fmt.Errorf("parse message: %w", err))
		return
	}
	cf, err := msg.ControlFields()
	if err != nil {
		cb.OnError(fmt.Errorf("read control fields: %w", err))
		return
	}
	if !e.plugin.Accepts(cf.MessageType, cf.TriggerEvent) {
		cb.OnError(dispatch.Reject(fmt.Sprintf("message type %s^%s is not accepted by %s", cf.MessageType, cf.TriggerEvent, e.plugin.Name)))
		return
	}

	// DeadlineAt tells the plugin the earliest of its own limit and the
	// response deadline. Only e.timeout is enforced here; the exchange
	// context is canceled when the response goes out some other way.
	deadline := time.Now().Add(e.timeout)
	if d, ok := dispatch.ResponseDeadline(ctx); ok && d.Before(deadline) {
		deadline = d
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := &protocol.Request{
		Protocol:     protocol.Version,
		Endpoint:     e.endpoint,
		ControlID:    cf.ControlID,
		MessageType:  cf.MessageType,
		TriggerEvent: cf.TriggerEvent,
		Message:      string(payload),
		ReceivedAt:   time.Now().UTC(),
		DeadlineAt:   deadline.UTC(),
	}
	if id, ok := dispatch.ExchangeID(ctx); ok {
		req.ExchangeID = id
	}

	logger := e.logger.With("control_id", cf.ControlID)
	resp, stderr, err := e.spawn(ctx, req, e.timeout, logger)
	if err != nil {
		if stderr != "" {
			logger.Warn("plugin stderr", "stderr", stderr)
		}
		cb.OnError(err)
		return
	}

	for _, entry := range resp.Logs {
		logger.Info("plugin log", "level", entry.Level, "message", entry.Message)
	}

	switch {
	case resp.Status == protocol.StatusError:
		cb.OnError(errors.New(resp.Error))
	case resp.IsNack():
		cb.OnError(dispatch.Reject(resp.NackMessage))
	default:
		cb.OnSuccess([]byte(resp.Message))
	}
}

// spawn starts the plugin, writes the request to stdin, and reads the
// response from stdout. It returns the response, stderr output, and any error.
func (e *Exec) spawn(
	ctx context.Context,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here so the plugin gets a
	// SIGTERM and a grace period.
	cmd := exec.Command(e.plugin.Entrypoint)
	cmd.Dir = e.plugin.Path
	cmd.WaitDelay = terminationGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning plugin", "entrypoint", e.plugin.Entrypoint, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("plugin execution timed out, sending SIGTERM")
		e.terminate(cmd, waitErr, logger)
		return nil, truncateStderr(stderr.String()), fmt.Errorf("%w after %s", ErrPluginTimeout, timeout)

	case <-ctx.Done():
		logger.Debug("exchange answered before plugin finished, sending SIGTERM")
		e.terminate(cmd, waitErr, logger)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode plugin response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}

		return resp, stderrStr, nil
	}
}

// terminate sends SIGTERM, waits for the grace period and then kills.
func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
