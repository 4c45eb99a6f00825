package httpintake

import (
	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/inbound"
)

const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-HL7-Signature"

	ContentType = "x-application/hl7-v2+er7"

	HeaderNack       = "X-HL7-Nack"
	HeaderExchangeID = "X-HL7-Exchange-ID"
)

// Submitter accepts inbound messages. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(rc *inbound.RequestContext, sink dispatch.ResponseSink)
}

// Config holds HTTP intake listener configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig routes one URL path to one endpoint dispatcher.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/hl7/adt".
	Path string

	// Endpoint is the gateway endpoint name the message is attributed to.
	Endpoint string

	// Secret enables HMAC-SHA256 verification when non-empty.
	Secret string

	// SignatureHeader carries the signature (default X-HL7-Signature).
	SignatureHeader string

	MaxBodySize int64

	Dispatcher Submitter
}

// ErrorResponse is the JSON body for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
