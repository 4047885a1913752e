// Package audit records lifecycle transitions without ever holding up the
// operation that produced them.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"streamgate/pkg/types"
)

type Sink interface {
	InsertAuditEvent(ctx context.Context, ev types.AuditEvent) error
}

// Recorder queues events and writes them to the sink from Run. When the
// queue is full new events are dropped and counted. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	sink    Sink
	queue   chan types.AuditEvent
	log     zerolog.Logger
	dropped atomic.Int64
	failed  atomic.Int64
	now     func() time.Time
}

func New(sink Sink, size int, log zerolog.Logger) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{
		sink:  sink,
		queue: make(chan types.AuditEvent, size),
		log:   log.With().Str("component", "audit").Logger(),
		now:   time.Now,
	}
}

func (r *Recorder) Record(kind, subject, detail string) {
	if r == nil {
		return
	}
	ev := types.AuditEvent{Kind: kind, Subject: subject, Detail: detail, CreatedAt: r.now()}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Run drains the queue until ctx is done, then flushes what is left. Writes
// are bounded by their own timeout, not by ctx.
func (r *Recorder) Run(ctx context.Context) error {
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-r.queue:
			r.write(wctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.write(wctx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev types.AuditEvent) {
	r.log.Debug().Str("kind", ev.Kind).Str("subject", ev.Subject).Str("detail", ev.Detail).Msg("audit")
	if r.sink == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.InsertAuditEvent(wctx, ev); err != nil {
		r.failed.Add(1)
		r.log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit write failed")
	}
}

func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Recorder) Failed() int64 {
	if r == nil {
		return 0
	}
	return r.failed.Load()
}
