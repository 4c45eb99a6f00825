// Package pipeline provides the dispatch.Pipeline implementations an endpoint
// can be configured with.
//
// Exec spawns a plugin executable per message and speaks protocol v1 JSON
// over stdin/stdout:
//   - Request carries the raw ER7 message and its control fields
//   - status=ok, result_mode=ack → OnSuccess(message)
//   - status=ok, result_mode=nack → OnError(RejectError{nack_message})
//   - status=error or a crashed plugin → OnError
//
// Timeout handling:
//   - The plugin runs until its own timeout or until the exchange is answered
//   - Then SIGTERM is sent, and SIGKILL after a grace period
//   - Stderr is captured (capped at 64KB) and logged on failure
//
// Accept and Reject are in-process pipelines for testing a link without a
// plugin.
package pipeline
