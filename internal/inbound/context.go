// Package inbound holds the per-message correlation state shared by the
// pipeline and the timeout guard.
package inbound

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hl7gw/internal/hl7"
)

// RequestContext tracks one inbound message from intake until its response is
// handed to the transport. The response fields are written exactly once, by
// whichever completion source wins TryComplete.
type RequestContext struct {
	id         string
	endpoint   string
	controlID  string
	receivedAt time.Time
	request    []byte

	mu             sync.Mutex
	payload        []byte
	responded      bool
	nackMode       bool
	markedForClose bool
	respondedAt    time.Time
}

// New creates a context for payload received on endpoint. The payload is
// copied; callers may reuse their buffer.
func New(endpoint string, payload []byte) *RequestContext {
	req := append([]byte(nil), payload...)
	return &RequestContext{
		id:         uuid.NewString(),
		endpoint:   endpoint,
		controlID:  hl7.PeekControlID(req),
		receivedAt: time.Now(),
		request:    req,
		payload:    req,
	}
}

// TryComplete stores payload as the response if no response has been stored
// yet. It returns true for the single caller that must deliver the response;
// every other caller gets false and must discard its result.
func (rc *RequestContext) TryComplete(payload []byte, isNack bool) bool {
	return rc.tryComplete(payload, isNack, false)
}

// TryCompleteAndClose is TryComplete that also marks the connection for
// close in the same critical section.
func (rc *RequestContext) TryCompleteAndClose(payload []byte, isNack bool) bool {
	return rc.tryComplete(payload, isNack, true)
}

func (rc *RequestContext) tryComplete(payload []byte, isNack, markForClose bool) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.responded {
		return false
	}
	rc.payload = append([]byte(nil), payload...)
	rc.nackMode = isNack
	rc.markedForClose = markForClose
	rc.responded = true
	rc.respondedAt = time.Now()
	return true
}

// ID is the gateway-assigned exchange id.
func (rc *RequestContext) ID() string { return rc.id }

// Endpoint is the name of the endpoint that received the message.
func (rc *RequestContext) Endpoint() string { return rc.endpoint }

// ControlID is MSH-10 of the request, or "" if it could not be read.
func (rc *RequestContext) ControlID() string { return rc.controlID }

// ReceivedAt is the intake time.
func (rc *RequestContext) ReceivedAt() time.Time { return rc.receivedAt }

// Request returns the original message. It never changes.
func (rc *RequestContext) Request() []byte { return rc.request }

// Payload returns the request before completion and the response after.
func (rc *RequestContext) Payload() []byte {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.payload
}

func (rc *RequestContext) Responded() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.responded
}

func (rc *RequestContext) NackMode() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.nackMode
}

// MarkedForClose reports whether the transport must close the connection
// after writing the response.
func (rc *RequestContext) MarkedForClose() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.markedForClose
}

// RespondedAt is zero until the context is completed.
func (rc *RequestContext) RespondedAt() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.respondedAt
}

// Elapsed is the time from intake to completion, or to now when the context is
// still open.
func (rc *RequestContext) Elapsed() time.Duration {
	if at := rc.RespondedAt(); !at.IsZero() {
		return at.Sub(rc.receivedAt)
	}
	return time.Since(rc.receivedAt)
}
