// Package inspect renders one journaled exchange for "hl7gw exchange inspect".
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/hl7gw/internal/hl7"
	"github.com/mattjoyce/hl7gw/internal/journal"
)

// ExchangeGetter is the part of *journal.Journal the report needs.
type ExchangeGetter interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
}

// Report is the structured JSON representation of an exchange.
type Report struct {
	ExchangeID  string    `json:"exchange_id"`
	Endpoint    string    `json:"endpoint"`
	ControlID   string    `json:"control_id,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	Outcome     string    `json:"outcome"`
	Nack        bool      `json:"nack"`
	Closed      bool      `json:"closed"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	RespondedAt time.Time `json:"responded_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Discards    int       `json:"discards"`
	Ack         *AckInfo  `json:"ack,omitempty"`
	Request     []string  `json:"request"`
	Response    []string  `json:"response"`
}

// AckInfo is the MSA segment of the response.
type AckInfo struct {
	Code      string `json:"code"`       // MSA-1
	ControlID string `json:"control_id"` // MSA-2
	Text      string `json:"text,omitempty"`
	ErrorCode string `json:"error_code,omitempty"` // ERR-3
}

// BuildReport renders a terminal-friendly report for one exchange.
func BuildReport(ctx context.Context, j ExchangeGetter, id string) (string, error) {
	report, err := gatherReportData(ctx, j, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Exchange Report\n")
	fmt.Fprintf(&out, "Exchange ID : %s\n", report.ExchangeID)
	fmt.Fprintf(&out, "Endpoint    : %s\n", report.Endpoint)
	fmt.Fprintf(&out, "Control ID  : %s\n", orNone(report.ControlID))
	fmt.Fprintf(&out, "Message     : %s\n", orNone(report.MessageType))
	fmt.Fprintf(&out, "Outcome     : %s\n", report.Outcome)
	if report.Reason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", report.Reason)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Received    : %s\n", report.ReceivedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Responded   : %s (%dms)\n", report.RespondedAt.Format(time.RFC3339Nano), report.ElapsedMS)
	fmt.Fprintf(&out, "Closed      : %t\n", report.Closed)
	fmt.Fprintf(&out, "Discards    : %d\n", report.Discards)

	if report.Ack != nil {
		fmt.Fprintf(&out, "\nAcknowledgement\n")
		fmt.Fprintf(&out, "    code       : %s\n", report.Ack.Code)
		fmt.Fprintf(&out, "    control_id : %s\n", report.Ack.ControlID)
		if report.Ack.Text != "" {
			fmt.Fprintf(&out, "    text       : %s\n", report.Ack.Text)
		}
		if report.Ack.ErrorCode != "" {
			fmt.Fprintf(&out, "    error_code : %s\n", report.Ack.ErrorCode)
		}
	}

	writeSegments(&out, "Request", report.Request)
	writeSegments(&out, "Response", report.Response)

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, j ExchangeGetter, id string) (string, error) {
	report, err := gatherReportData(ctx, j, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, j ExchangeGetter, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("exchange id is required")
	}

	e, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Report{
		ExchangeID:  e.ID,
		Endpoint:    e.Endpoint,
		ControlID:   e.ControlID,
		MessageType: e.MessageType,
		Outcome:     e.Outcome,
		Nack:        e.Nack,
		Closed:      e.Closed,
		Reason:      e.Reason,
		Error:       e.Error,
		ReceivedAt:  e.ReceivedAt,
		RespondedAt: e.RespondedAt,
		ElapsedMS:   e.Elapsed.Milliseconds(),
		Discards:    e.Discards,
		Ack:         ackInfo(e.Response),
		Request:     segments(e.Request),
		Response:    segments(e.Response),
	}, nil
}

func ackInfo(response string) *AckInfo {
	msg, err := hl7.Parse([]byte(response))
	if err != nil {
		return nil
	}
	msa := msg.Segment("MSA")
	if msa == nil {
		return nil
	}
	info := &AckInfo{
		Code:      msa.Field(1),
		ControlID: msa.Field(2),
		Text:      msa.Field(3),
	}
	if e := msg.Segment("ERR"); e != nil {
		info.ErrorCode = msg.Component(e.Field(3), 1)
	}
	return info
}

// segments splits a message into its segments for display. Any terminator
// style is accepted.
func segments(raw string) []string {
	normalized := strings.NewReplacer("\r\n", "\r", "\n", "\r").Replace(raw)
	out := make([]string, 0)
	for _, line := range strings.Split(normalized, "\r") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeSegments(out *strings.Builder, title string, segs []string) {
	fmt.Fprintf(out, "\n%s\n", title)
	if len(segs) == 0 {
		fmt.Fprintf(out, "    <empty>\n")
		return
	}
	for _, s := range segs {
		fmt.Fprintf(out, "    %s\n", s)
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
