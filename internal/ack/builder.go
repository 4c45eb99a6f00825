// Package ack builds HL7 v2 acknowledgement messages.
//
// BuildAck maps a pipeline result onto the request it answers and BuildNack
// produces an AE acknowledgement carrying a free-text reason. Both are pure:
// callers log.
package ack

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/hl7gw/internal/hl7"
)

// Acknowledgement codes (MSA-1).
const (
	CodeAccept       = "AA"
	CodeError        = "AE"
	CodeReject       = "AR"
	CodeCommitAccept = "CA"
	CodeCommitError  = "CE"
	CodeCommitReject = "CR"
)

// DefaultVersion is used when the request does not declare MSH-12.
const DefaultVersion = "2.5"

// GenericReason is the NACK text used when a pipeline result could not be
// turned into an acknowledgement.
const GenericReason = "error while generating ACK from pipeline result"

// maxControlIDLen keeps generated MSH-10 values inside the 2.x ST(20) limit.
const maxControlIDLen = 20

var (
	now          = time.Now
	newControlID = func() string {
		id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		return id[:maxControlIDLen]
	}
)

// MalformedResultError reports a payload that cannot be mapped to a valid
// acknowledgement.
type MalformedResultError struct {
	Reason string
	Err    error
}

func (e *MalformedResultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed result: %s: %v", e.Reason, e.Err)
	}
	return "malformed result: " + e.Reason
}

func (e *MalformedResultError) Unwrap() error {
	return e.Err
}

// BuildAck turns a pipeline result into the acknowledgement for original.
//
// An empty result produces a generated AA acknowledgement. Otherwise result
// must be an HL7 message with an MSA segment whose MSA-1 is a known code. A
// blank MSA-2 is filled with the request control id; a different one is
// rejected since the response would not correlate. MSH-3..6 are always
// replaced with the request's sender and receiver swapped.
func BuildAck(original, result []byte) ([]byte, error) {
	req, err := hl7.Parse(original)
	if err != nil {
		return nil, &MalformedResultError{Reason: "original message", Err: err}
	}
	cf, err := req.ControlFields()
	if err != nil {
		return nil, &MalformedResultError{Reason: "original control fields", Err: err}
	}

	if len(strings.TrimSpace(string(result))) == 0 {
		return generate(req.Delimiters, cf, CodeAccept, "", false).Bytes(), nil
	}

	resp, err := hl7.Parse(result)
	if err != nil {
		return nil, &MalformedResultError{Reason: "result is not an HL7 message", Err: err}
	}
	msa := resp.Segment("MSA")
	if msa == nil {
		return nil, &MalformedResultError{Reason: "result has no MSA segment"}
	}
	if !validCode(msa.Field(1)) {
		return nil, &MalformedResultError{Reason: fmt.Sprintf("result has invalid MSA-1 %q", msa.Field(1))}
	}
	switch msa.Field(2) {
	case "":
		msa.SetField(2, cf.ControlID)
	case cf.ControlID:
	default:
		return nil, &MalformedResultError{
			Reason: fmt.Sprintf("result MSA-2 %q does not match request control id %q", msa.Field(2), cf.ControlID),
		}
	}

	msh := resp.Segment("MSH")
	msh.SetField(3, cf.ReceivingApplication)
	msh.SetField(4, cf.ReceivingFacility)
	msh.SetField(5, cf.SendingApplication)
	msh.SetField(6, cf.SendingFacility)
	if msh.Field(10) == "" {
		msh.SetField(10, newControlID())
	}
	if msh.Field(7) == "" {
		msh.SetField(7, hl7.FormatTime(now()))
	}
	return resp.Bytes(), nil
}

// BuildNack produces an AE acknowledgement for original with reason in MSA-3
// and an ERR segment.
//
// When original is too malformed to extract control fields a minimal generic
// NACK is returned together with a *MalformedResultError. The payload is
// usable either way.
func BuildNack(original []byte, reason string) ([]byte, error) {
	req, err := hl7.Parse(original)
	if err != nil {
		return GenericNack(reason), &MalformedResultError{Reason: "original message", Err: err}
	}
	cf, err := req.ControlFields()
	if err != nil {
		return GenericNack(reason), &MalformedResultError{Reason: "original control fields", Err: err}
	}
	return generate(req.Delimiters, cf, CodeError, reason, true).Bytes(), nil
}

// GenericNack is a NACK that does not echo any request fields.
func GenericNack(reason string) []byte {
	return generate(hl7.DefaultDelimiters, hl7.ControlFields{}, CodeError, reason, true).Bytes()
}

// Code returns MSA-1 of payload, or "" if payload is not an acknowledgement.
func Code(payload []byte) string {
	msg, err := hl7.Parse(payload)
	if err != nil {
		return ""
	}
	return msg.Segment("MSA").Field(1)
}

// IsNegative reports whether payload carries an error or reject code.
func IsNegative(payload []byte) bool {
	switch Code(payload) {
	case CodeAccept, CodeCommitAccept:
		return false
	default:
		return true
	}
}

// IsMalformed reports whether err is a *MalformedResultError.
func IsMalformed(err error) bool {
	var target *MalformedResultError
	return errors.As(err, &target)
}

func validCode(code string) bool {
	switch code {
	case CodeAccept, CodeError, CodeReject, CodeCommitAccept, CodeCommitError, CodeCommitReject:
		return true
	}
	return false
}

func generate(d hl7.Delimiters, cf hl7.ControlFields, code, reason string, withErr bool) *hl7.Message {
	version := cf.Version
	if version == "" {
		version = DefaultVersion
	}
	processing := cf.ProcessingID
	if processing == "" {
		processing = "P"
	}
	messageType := "ACK"
	if cf.TriggerEvent != "" {
		messageType = strings.Join([]string{"ACK", cf.TriggerEvent, "ACK"}, string(d.Component))
	}

	msg := hl7.New(d)
	msh := msg.AddSegment("MSH", string(d.Field), d.EncodingCharacters())
	msh.SetField(3, cf.ReceivingApplication)
	msh.SetField(4, cf.ReceivingFacility)
	msh.SetField(5, cf.SendingApplication)
	msh.SetField(6, cf.SendingFacility)
	msh.SetField(7, hl7.FormatTime(now()))
	msh.SetField(9, messageType)
	msh.SetField(10, newControlID())
	msh.SetField(11, processing)
	msh.SetField(12, version)

	text := d.EscapeText(reason)
	msa := msg.AddSegment("MSA", code, cf.ControlID)
	if text != "" {
		msa.SetField(3, text)
	}
	if withErr {
		errCode := strings.Join([]string{"207", "Application internal error", "HL70357"}, string(d.Component))
		err := msg.AddSegment("ERR")
		err.SetField(3, errCode)
		err.SetField(4, "E")
		err.SetField(8, text)
	}
	return msg
}
