package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeoutExceeded is the cause recorded for guard-fired NACKs.
	ErrTimeoutExceeded = errors.New("timed out waiting for response")

	// ErrDoubleCompletion marks the losing branch of a completion race. It is
	// only ever logged.
	ErrDoubleCompletion = errors.New("exchange already completed")

	// ErrPipelineStalled is reported for AutoAck exchanges whose pipeline
	// never called back within Config.StallTimeout.
	ErrPipelineStalled = errors.New("pipeline did not respond")

	// ErrShuttingDown is the cause recorded for exchanges answered by Shutdown.
	ErrShuttingDown = errors.New("endpoint shutting down")
)

// PipelineExecutionError wraps a failure reported by, or recovered from, a
// pipeline.
type PipelineExecutionError struct {
	ControlID string
	Elapsed   time.Duration
	Err       error
}

func (e *PipelineExecutionError) Error() string {
	return fmt.Sprintf("pipeline failed for control id %q after %s: %v", e.ControlID, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *PipelineExecutionError) Unwrap() error {
	return e.Err
}

// RejectError is returned by pipelines that deliberately answer with a NACK.
// Reason becomes the NACK text.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "message rejected: " + e.Reason
}

// Reject returns a *RejectError for reason.
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}
