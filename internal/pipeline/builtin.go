package pipeline

import (
	"context"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
)

// Builtin pipeline names usable in endpoint configuration.
const (
	BuiltinAccept = "builtin:accept"
	BuiltinReject = "builtin:reject"
)

// DefaultRejectReason is the NACK text of the reject pipeline.
const DefaultRejectReason = "message rejected by endpoint policy"

// Accept acknowledges every message with a generated AA.
type Accept struct{}

func (Accept) Run(_ context.Context, _ []byte, cb dispatch.Callbacks) {
	cb.OnSuccess(nil)
}

// Reject answers every message with a NACK carrying Reason.
type Reject struct {
	Reason string
}

func (r Reject) Run(_ context.Context, _ []byte, cb dispatch.Callbacks) {
	reason := r.Reason
	if reason == "" {
		reason = DefaultRejectReason
	}
	cb.OnError(dispatch.Reject(reason))
}
