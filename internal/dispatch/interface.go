package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/hl7gw/internal/inbound"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/hl7gw/internal/dispatch Pipeline,ResponseSink,Observer

// Callbacks are handed to a Pipeline for one message. Exactly one of them
// should be called, at most once. Later calls are ignored.
type Callbacks struct {
	OnSuccess func(result []byte)
	OnError   func(err error)
}

// Pipeline processes one message. Run may call back synchronously or from
// another goroutine. ctx is cancelled once the exchange has been answered.
type Pipeline interface {
	Run(ctx context.Context, payload []byte, cb Callbacks)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, payload []byte, cb Callbacks)

func (f PipelineFunc) Run(ctx context.Context, payload []byte, cb Callbacks) {
	f(ctx, payload, cb)
}

// ResponseSink writes a completed exchange back to its transport. Deliver is
// called once per exchange, after the context has been completed.
type ResponseSink interface {
	Deliver(rc *inbound.RequestContext)
}

// SinkFunc adapts a function to ResponseSink.
type SinkFunc func(rc *inbound.RequestContext)

func (f SinkFunc) Deliver(rc *inbound.RequestContext) {
	f(rc)
}

type exchangeIDKey struct{}

// ExchangeID returns the id of the exchange a pipeline context belongs to.
func ExchangeID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(exchangeIDKey{}).(string)
	return id, ok && id != ""
}

type deadlineKey struct{}

// WithResponseDeadline attaches the time a DelayedAck exchange times out.
func WithResponseDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, deadlineKey{}, t)
}

// ResponseDeadline returns when a DelayedAck exchange will be answered with a
// timeout NACK. The pipeline context itself carries no deadline; the exchange
// context is canceled once the NACK has been sent.
func ResponseDeadline(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(deadlineKey{}).(time.Time)
	return t, ok && !t.IsZero()
}

// Outcome classifies how an exchange was answered.
type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeNack    Outcome = "nack"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Resolution describes the winning completion of an exchange.
type Resolution struct {
	Outcome Outcome
	Reason  string
	Err     error
	Elapsed time.Duration
}

// Observer is told about every exchange. Calls are made from worker and timer
// goroutines and must not block for long.
type Observer interface {
	ExchangeReceived(rc *inbound.RequestContext)
	ExchangeResolved(rc *inbound.RequestContext, res Resolution)
	ExchangeDiscarded(rc *inbound.RequestContext, source string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) ExchangeReceived(*inbound.RequestContext) {}

func (NopObserver) ExchangeResolved(*inbound.RequestContext, Resolution) {}

func (NopObserver) ExchangeDiscarded(*inbound.RequestContext, string) {}
