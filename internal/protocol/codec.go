package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeResponse reads and deserializes a Response from JSON in r.
// Unknown fields are rejected.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validate(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient is like DecodeResponse but tolerates unknown fields
// and returns the raw bytes so protocol errors can be logged.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if len(data) == 0 {
		return nil, data, fmt.Errorf("plugin produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("plugin output is not valid JSON: %w", err)
	}
	if err := validate(&resp); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func validate(resp *Response) error {
	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}

	if resp.Status != StatusOK && resp.Status != StatusError {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}

	if resp.Status == StatusError && resp.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}

	switch resp.ResultMode {
	case "", ResultModeAck, ResultModeNack:
	default:
		return fmt.Errorf("invalid result_mode value: %q (must be 'ack' or 'nack')", resp.ResultMode)
	}

	return nil
}
