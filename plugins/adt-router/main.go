// Command adt-router is a pipeline plugin for ADT feeds. It requires a
// patient identifier in PID-3, optionally files every accepted message into
// an outbox directory, and lets the gateway generate the AA.
//
// Environment:
//
//	ADT_ROUTER_OUTBOX  directory to write accepted messages to (optional)
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/hl7gw/internal/hl7"
	"github.com/mattjoyce/hl7gw/internal/protocol"
)

const outboxEnv = "ADT_ROUTER_OUTBOX"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func main() {
	resp := handle(os.Stdin, os.Getenv(outboxEnv))
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(in io.Reader, outbox string) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}

	msg, err := hl7.Parse([]byte(req.Message))
	if err != nil {
		return nackResp(fmt.Sprintf("unparseable message: %v", err))
	}

	pid := msg.Segment("PID")
	if pid == nil {
		return nackResp("PID segment is required")
	}
	patientID := msg.Component(pid.Field(3), 1)
	if strings.TrimSpace(patientID) == "" {
		return nackResp("PID-3 patient identifier is required")
	}

	logs := []protocol.LogEntry{
		info(fmt.Sprintf("accepted %s^%s for patient %s", req.MessageType, req.TriggerEvent, patientID)),
	}

	if outbox != "" {
		path, err := writeOutbox(outbox, req)
		if err != nil {
			return errResp(fmt.Sprintf("write outbox: %v", err))
		}
		logs = append(logs, info("filed "+path))
	}

	return protocol.Response{Status: protocol.StatusOK, Logs: logs}
}

// writeOutbox stores the message as <outbox>/<endpoint>/<control_id>-<uuid>.hl7.
// The file is written under a temporary name and renamed so that readers
// never see a partial message.
func writeOutbox(outbox string, req protocol.Request) (string, error) {
	dir := filepath.Join(outbox, safeName(req.Endpoint, "unknown"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := safeName(req.ControlID, "no-control-id") + "-" + uuid.NewString() + ".hl7"
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")

	if err := os.WriteFile(tmp, []byte(req.Message), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func safeName(s, fallback string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return fallback
	}
	return s
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func nackResp(reason string) protocol.Response {
	return protocol.Response{
		Status:      protocol.StatusOK,
		ResultMode:  protocol.ResultModeNack,
		NackMessage: reason,
		Logs:        []protocol.LogEntry{{Level: "warn", Message: reason}},
	}
}

func errResp(message string) protocol.Response {
	return protocol.Response{
		Status: protocol.StatusError,
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}
