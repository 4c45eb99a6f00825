// Package dispatch correlates pipeline results with inbound HL7 messages.
//
// A Dispatcher is owned by one endpoint. Each submitted message runs through
// the endpoint's Pipeline on a bounded worker pool and exactly one response is
// handed to the ResponseSink, whichever completion source gets there first:
//
//   - the pipeline, via Callbacks.OnSuccess or Callbacks.OnError
//   - the TimeoutGuard, in delayed-ack mode, when the deadline passes
//   - Shutdown, for exchanges still open when the drain period expires
//
// Completion goes through RequestContext.TryComplete, so a losing source only
// produces a debug log and an Observer.ExchangeDiscarded call. A guard that
// fires marks the connection for close.
//
// Failure handling:
//   - Pipeline error or panic → NACK carrying the error text
//   - RejectError → NACK carrying the pipeline's reason
//   - Result that is not a valid acknowledgement → NACK with ack.GenericReason
//   - Deadline passed → NACK "timed out waiting for response", close
//
// Nothing is returned to the caller of Submit. Every outcome is a delivered
// response plus a log record and an Observer call.
package dispatch
