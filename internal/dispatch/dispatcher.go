package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/hl7gw/internal/ack"
	"github.com/mattjoyce/hl7gw/internal/inbound"
	"github.com/mattjoyce/hl7gw/internal/log"
)

const (
	// DefaultWorkers is the pool size used when Config.Workers is zero.
	DefaultWorkers = 50

	// ReasonTimeout is the NACK text sent when the deadline passes.
	ReasonTimeout = "timed out waiting for response"

	// ReasonShuttingDown is the NACK text for messages answered by Shutdown.
	ReasonShuttingDown = "endpoint shutting down"

	reasonRejected = "message rejected"
)

// Completion sources, as passed to Observer.ExchangeDiscarded.
const (
	SourcePipeline = "pipeline"
	SourceTimeout  = "timeout"
	SourceShutdown = "shutdown"
)

// Mode selects how responses are produced.
type Mode int

const (
	// AutoAck answers as soon as the pipeline completes. No response deadline
	// applies; Config.StallTimeout bounds how long a silent pipeline may hold
	// a worker.
	AutoAck Mode = iota
	// DelayedAck races the pipeline against a per-message deadline.
	DelayedAck
)

func (m Mode) String() string {
	if m == DelayedAck {
		return "delayed"
	}
	return "auto"
}

// Config is read once by New.
type Config struct {
	Endpoint string
	Mode     Mode
	Deadline time.Duration
	Workers  int

	// StallTimeout answers an AutoAck exchange with an error NACK when the
	// pipeline has not called back by then. Zero waits until Shutdown.
	StallTimeout time.Duration
}

// Dispatcher runs messages for one endpoint through its pipeline and delivers
// exactly one response per message.
type Dispatcher struct {
	cfg      Config
	pipeline Pipeline
	obs      Observer
	logger   *slog.Logger
	pool     *pool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*exchange
}

// exchange is the dispatcher's bookkeeping for one RequestContext.
type exchange struct {
	rc     *inbound.RequestContext
	sink   ResponseSink
	guard  *TimeoutGuard
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a Dispatcher. obs and logger may be nil.
func New(cfg Config, pipeline Pipeline, obs Observer, logger *slog.Logger) (*Dispatcher, error) {
	if pipeline == nil {
		return nil, errors.New("dispatch: pipeline is required")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("dispatch: workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Mode == DelayedAck && cfg.Deadline <= 0 {
		return nil, fmt.Errorf("dispatch: delayed ack requires a positive deadline, got %s", cfg.Deadline)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		pipeline:   pipeline,
		obs:        obs,
		logger:     logger.With("endpoint", cfg.Endpoint, "mode", cfg.Mode.String()),
		pool:       newPool(cfg.Workers),
		baseCtx:    ctx,
		baseCancel: cancel,
		inflight:   make(map[string]*exchange),
	}, nil
}

// Config returns the configuration the dispatcher was built with.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Submit hands rc to the pipeline and returns immediately. sink receives the
// response once it exists.
func (d *Dispatcher) Submit(rc *inbound.RequestContext, sink ResponseSink) {
	x := &exchange{
		rc:     rc,
		sink:   sink,
		logger: d.logger.With("exchange_id", rc.ID(), "control_id", rc.ControlID()),
	}
	// Only the guard answers on deadline; a context deadline here would race it.
	base := context.WithValue(d.baseCtx, exchangeIDKey{}, rc.ID())
	if d.cfg.Mode == DelayedAck {
		base = WithResponseDeadline(base, time.Now().Add(d.cfg.Deadline))
	}
	x.ctx, x.cancel = context.WithCancel(base)

	d.obs.ExchangeReceived(rc)
	x.logger.Debug("exchange received", "bytes", len(rc.Request()))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.answerShutdown(x)
		return
	}
	if d.cfg.Mode == DelayedAck {
		x.guard = NewTimeoutGuard(d.cfg.Deadline, func() { d.onTimeout(x) })
	}
	d.inflight[rc.ID()] = x
	d.mu.Unlock()

	d.pool.Go(func() { d.run(x) }, func() { d.answerShutdown(x) })
}

// InFlight returns the number of exchanges that have not been answered.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Shutdown stops accepting work and waits for in-flight exchanges to be
// answered. When ctx expires first, everything still open is answered with a
// shutdown NACK and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("dispatcher draining", "in_flight", d.InFlight())
	err := d.pool.Wait(ctx)
	if err != nil {
		d.pool.Abort()

		d.mu.Lock()
		open := make([]*exchange, 0, len(d.inflight))
		for _, x := range d.inflight {
			open = append(open, x)
		}
		d.mu.Unlock()

		for _, x := range open {
			d.answerShutdown(x)
		}
		d.logger.Warn("dispatcher drain period expired", "answered", len(open), "error", err)
	}
	d.baseCancel()
	d.logger.Info("dispatcher stopped")
	return err
}

// run is executed on a pool worker. The worker stays busy until the exchange
// is answered so that the pool bounds open exchanges, not just Run calls.
func (d *Dispatcher) run(x *exchange) {
	if x.ctx.Err() != nil {
		// Answered while waiting for a worker.
		return
	}

	cb := d.callbacks(x)
	if d.cfg.Mode == AutoAck && d.cfg.StallTimeout > 0 {
		// Covers pipelines that block in Run as well as ones that return
		// without calling back.
		stall := time.AfterFunc(d.cfg.StallTimeout, func() {
			cb.OnError(fmt.Errorf("%w after %s", ErrPipelineStalled, d.cfg.StallTimeout))
		})
		defer stall.Stop()
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				cb.OnError(fmt.Errorf("pipeline panic: %v", r))
			}
		}()
		d.pipeline.Run(x.ctx, x.rc.Request(), cb)
	}()

	<-x.ctx.Done()
}

func (d *Dispatcher) callbacks(x *exchange) Callbacks {
	var once sync.Once
	settle := func(f func()) {
		called := false
		once.Do(func() {
			called = true
			f()
		})
		if !called {
			x.logger.Debug("ignoring repeated pipeline callback", "error", ErrDoubleCompletion)
		}
	}
	return Callbacks{
		OnSuccess: func(result []byte) {
			settle(func() { d.onSuccess(x, result) })
		},
		OnError: func(err error) {
			settle(func() { d.onError(x, err) })
		},
	}
}

func (d *Dispatcher) onSuccess(x *exchange, result []byte) {
	payload, err := ack.BuildAck(x.rc.Request(), result)
	if err != nil {
		x.logger.Warn("pipeline result is not a valid acknowledgement", "error", err)
		nack, nerr := ack.BuildNack(x.rc.Request(), ack.GenericReason)
		if nerr != nil {
			x.logger.Warn("request control fields unreadable, sending generic nack", "error", nerr)
		}
		d.resolve(x, SourcePipeline, nack, Resolution{Outcome: OutcomeError, Reason: ack.GenericReason, Err: err})
		return
	}

	outcome := OutcomeAck
	if ack.IsNegative(payload) {
		outcome = OutcomeNack
	}
	d.resolve(x, SourcePipeline, payload, Resolution{Outcome: outcome})
}

func (d *Dispatcher) onError(x *exchange, err error) {
	if err == nil {
		err = errors.New("pipeline reported an error without detail")
	}

	var rej *RejectError
	if errors.As(err, &rej) {
		reason := rej.Reason
		if reason == "" {
			reason = reasonRejected
		}
		d.resolve(x, SourcePipeline, d.nack(x, reason), Resolution{Outcome: OutcomeNack, Reason: reason, Err: err})
		return
	}

	var perr *PipelineExecutionError
	if !errors.As(err, &perr) {
		perr = &PipelineExecutionError{ControlID: x.rc.ControlID(), Elapsed: x.rc.Elapsed(), Err: err}
	}
	reason := err.Error()
	if perr.Err != nil {
		reason = perr.Err.Error()
	}
	d.resolve(x, SourcePipeline, d.nack(x, reason), Resolution{Outcome: OutcomeError, Reason: reason, Err: perr})
}

func (d *Dispatcher) onTimeout(x *exchange) {
	d.resolve(x, SourceTimeout, d.nack(x, ReasonTimeout), Resolution{
		Outcome: OutcomeTimeout,
		Reason:  ReasonTimeout,
		Err:     ErrTimeoutExceeded,
	})
}

func (d *Dispatcher) answerShutdown(x *exchange) {
	if x.rc.Responded() {
		return
	}
	d.resolve(x, SourceShutdown, d.nack(x, ReasonShuttingDown), Resolution{
		Outcome: OutcomeError,
		Reason:  ReasonShuttingDown,
		Err:     ErrShuttingDown,
	})
}

func (d *Dispatcher) nack(x *exchange, reason string) []byte {
	payload, err := ack.BuildNack(x.rc.Request(), reason)
	if err != nil {
		x.logger.Warn("request control fields unreadable, sending generic nack", "error", err)
	}
	return payload
}

// resolve completes the exchange on behalf of source. Only the first caller
// per exchange gets past TryComplete; everyone else is discarded.
func (d *Dispatcher) resolve(x *exchange, source string, payload []byte, res Resolution) {
	var won bool
	if source == SourceTimeout {
		won = x.rc.TryCompleteAndClose(payload, true)
	} else {
		won = x.rc.TryComplete(payload, res.Outcome != OutcomeAck)
	}
	if !won {
		x.logger.Debug("completion discarded", "source", source, "error", ErrDoubleCompletion)
		d.obs.ExchangeDiscarded(x.rc, source)
		return
	}

	if source != SourceTimeout && x.guard != nil {
		x.guard.Cancel()
	}
	x.cancel()
	d.forget(x)

	res.Elapsed = x.rc.Elapsed()
	attrs := []any{
		"outcome", string(res.Outcome),
		"elapsed_ms", res.Elapsed.Milliseconds(),
		"close", x.rc.MarkedForClose(),
	}
	switch res.Outcome {
	case OutcomeAck, OutcomeNack:
		x.logger.Info("exchange completed", attrs...)
	default:
		x.logger.Warn("exchange completed", append(attrs, "reason", res.Reason, "error", res.Err)...)
	}

	if x.sink != nil {
		x.sink.Deliver(x.rc)
	}
	d.obs.ExchangeResolved(x.rc, res)
}

func (d *Dispatcher) forget(x *exchange) {
	d.mu.Lock()
	delete(d.inflight, x.rc.ID())
	d.mu.Unlock()
}
