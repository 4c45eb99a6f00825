package protocol

import "time"

// Version is the only protocol version spoken to pipeline plugins.
const Version = 1

// Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result modes. An empty result mode means ResultModeAck.
const (
	ResultModeAck  = "ack"
	ResultModeNack = "nack"
)

// Request is the envelope written to a pipeline plugin's stdin, one per
// message.
type Request struct {
	Protocol     int       `json:"protocol"`
	ExchangeID   string    `json:"exchange_id"`
	Endpoint     string    `json:"endpoint"`
	ControlID    string    `json:"control_id"`
	MessageType  string    `json:"message_type,omitempty"`
	TriggerEvent string    `json:"trigger_event,omitempty"`
	Message      string    `json:"message"` // ER7, CR separated
	ReceivedAt   time.Time `json:"received_at"`
	DeadlineAt   time.Time `json:"deadline_at"`
}

// Response is the envelope a pipeline plugin writes to stdout.
//
// With status ok and result_mode ack, Message is the acknowledgement to send,
// or empty to let the gateway generate an AA. With result_mode nack the gateway
// sends an AE carrying NackMessage.
type Response struct {
	Status      string     `json:"status"` // ok | error
	ResultMode  string     `json:"result_mode,omitempty"`
	Message     string     `json:"message,omitempty"`
	NackMessage string     `json:"nack_message,omitempty"`
	Error       string     `json:"error,omitempty"`
	Logs        []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// IsNack reports whether the plugin asked for a negative acknowledgement.
func (r *Response) IsNack() bool {
	return r.ResultMode == ResultModeNack
}
