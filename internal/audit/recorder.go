// Package audit turns dispatcher callbacks into journal rows, hub events and
// counters.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/events"
	"github.com/mattjoyce/hl7gw/internal/hl7"
	"github.com/mattjoyce/hl7gw/internal/inbound"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/log"
	"github.com/mattjoyce/hl7gw/internal/stats"
)

const writeTimeout = 5 * time.Second

// JournalWriter is the part of *journal.Journal the recorder needs.
type JournalWriter interface {
	Record(ctx context.Context, e journal.Entry) error
	RecordDiscard(ctx context.Context, exchangeID, endpoint, source string) error
}

// Recorder implements dispatch.Observer. Any of its sinks may be nil.
// Failures are logged and never reach the dispatcher.
type Recorder struct {
	journal JournalWriter
	hub     *events.Hub
	stats   stats.Store
	logger  *slog.Logger
}

func NewRecorder(j JournalWriter, hub *events.Hub, st stats.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = log.WithComponent("audit")
	}
	return &Recorder{journal: j, hub: hub, stats: st, logger: logger}
}

var _ dispatch.Observer = (*Recorder)(nil)

func (r *Recorder) ExchangeReceived(rc *inbound.RequestContext) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	r.incr(ctx, rc.Endpoint(), stats.Received)
	r.publish(events.TypeReceived, events.Exchange{
		ExchangeID: rc.ID(),
		Endpoint:   rc.Endpoint(),
		ControlID:  rc.ControlID(),
	})
}

func (r *Recorder) ExchangeResolved(rc *inbound.RequestContext, res dispatch.Resolution) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if r.journal != nil {
		entry := journal.Entry{
			ID:          rc.ID(),
			Endpoint:    rc.Endpoint(),
			ControlID:   rc.ControlID(),
			MessageType: messageType(rc.Request()),
			Outcome:     string(res.Outcome),
			Nack:        rc.NackMode(),
			Closed:      rc.MarkedForClose(),
			Reason:      res.Reason,
			ReceivedAt:  rc.ReceivedAt(),
			RespondedAt: rc.RespondedAt(),
			Elapsed:     res.Elapsed,
			Request:     string(rc.Request()),
			Response:    string(rc.Payload()),
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if err := r.journal.Record(ctx, entry); err != nil {
			r.logger.Error("failed to journal exchange", "exchange_id", rc.ID(), "error", err)
		}
	}

	r.incr(ctx, rc.Endpoint(), string(res.Outcome))

	eventType := events.TypeDelivered
	if res.Outcome == dispatch.OutcomeTimeout {
		eventType = events.TypeTimeout
	}
	r.publish(eventType, events.Exchange{
		ExchangeID: rc.ID(),
		Endpoint:   rc.Endpoint(),
		ControlID:  rc.ControlID(),
		Outcome:    string(res.Outcome),
		Nack:       rc.NackMode(),
		Closed:     rc.MarkedForClose(),
		Reason:     res.Reason,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	})
}

func (r *Recorder) ExchangeDiscarded(rc *inbound.RequestContext, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if r.journal != nil {
		if err := r.journal.RecordDiscard(ctx, rc.ID(), rc.Endpoint(), source); err != nil {
			r.logger.Error("failed to journal discard", "exchange_id", rc.ID(), "error", err)
		}
	}
	r.incr(ctx, rc.Endpoint(), stats.Discarded)
	r.publish(events.TypeDiscarded, events.Exchange{
		ExchangeID: rc.ID(),
		Endpoint:   rc.Endpoint(),
		ControlID:  rc.ControlID(),
		Source:     source,
	})
}

func (r *Recorder) incr(ctx context.Context, endpoint, counter string) {
	if r.stats == nil {
		return
	}
	if err := r.stats.Incr(ctx, endpoint, counter); err != nil {
		r.logger.Warn("failed to update stats", "endpoint", endpoint, "counter", counter, "error", err)
	}
}

func (r *Recorder) publish(eventType string, data events.Exchange) {
	if r.hub != nil {
		r.hub.Publish(eventType, data)
	}
}

// messageType renders MSH-9.1^MSH-9.2, or "" for unparseable requests.
func messageType(raw []byte) string {
	msg, err := hl7.Parse(raw)
	if err != nil {
		return ""
	}
	cf, _ := msg.ControlFields()
	if cf.TriggerEvent == "" {
		return cf.MessageType
	}
	return cf.MessageType + "^" + cf.TriggerEvent
}
