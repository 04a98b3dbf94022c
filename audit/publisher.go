package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Publisher queues events for a Worker. When the queue is full the event is dropped and
// logged rather than stalling the request.
type Publisher struct {
	inbox chan Event
	now   func() time.Time
}

var _ Logger = (*Publisher)(nil)

func NewPublisher(buffer int) *Publisher {
	return &Publisher{inbox: make(chan Event, buffer), now: time.Now}
}

func (p *Publisher) SendMessage(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	select {
	case p.inbox <- event:
	default:
		log.Warn().Str("action", event.Action).Str("client_id", event.ClientID).Msg("audit queue full, event dropped")
	}
}

// Inbox is the channel a Worker drains.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}

// Worker consumes audit events from a channel and hands them to a sink.
type Worker struct {
	sink  Sink
	inbox <-chan Event
}

func NewWorker(sink Sink, inbox <-chan Event) *Worker {
	return &Worker{sink: sink, inbox: inbox}
}

// Run drains the inbox until ctx is cancelled. Sink failures are logged and do not stop it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Append(ctx, event); err != nil {
				log.Err(err).Str("action", event.Action).Msg("audit sink append failed")
			}
		}
	}
}
