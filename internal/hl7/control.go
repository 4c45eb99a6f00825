package hl7

import "fmt"

// ControlFields are the MSH values used to correlate a response with its
// request.
type ControlFields struct {
	SendingApplication   string // MSH-3
	SendingFacility      string // MSH-4
	ReceivingApplication string // MSH-5
	ReceivingFacility    string // MSH-6
	MessageType          string // MSH-9.1
	TriggerEvent         string // MSH-9.2
	ControlID            string // MSH-10
	ProcessingID         string // MSH-11
	Version              string // MSH-12
}

// ControlFields extracts the header control fields. It fails when the message
// has no MSH or no MSH-10, since such a message cannot be acknowledged.
func (m *Message) ControlFields() (ControlFields, error) {
	msh := m.Segment("MSH")
	if msh == nil {
		return ControlFields{}, fmt.Errorf("%w: missing MSH segment", ErrMalformed)
	}
	cf := ControlFields{
		SendingApplication:   msh.Field(3),
		SendingFacility:      msh.Field(4),
		ReceivingApplication: msh.Field(5),
		ReceivingFacility:    msh.Field(6),
		MessageType:          m.Component(msh.Field(9), 1),
		TriggerEvent:         m.Component(msh.Field(9), 2),
		ControlID:            msh.Field(10),
		ProcessingID:         msh.Field(11),
		Version:              msh.Field(12),
	}
	if cf.ControlID == "" {
		return cf, fmt.Errorf("%w: MSH-10 control id is empty", ErrMalformed)
	}
	return cf, nil
}

// PeekControlID returns MSH-10 of raw, or "" when raw cannot be parsed.
func PeekControlID(raw []byte) string {
	msg, err := Parse(raw)
	if err != nil {
		return ""
	}
	msh := msg.Segment("MSH")
	return msh.Field(10)
}
