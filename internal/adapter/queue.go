package adapter

import (
	"context"
	"log/slog"

	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

// DefaultQueueSize is the bounded per-adapter event queue capacity.
const DefaultQueueSize = 100

// Queue is the bounded FIFO between an adapter's network read path and the
// dispatcher's forwarding task. Pushes never block: when the queue is full
// the newest event is dropped with a warning so a slow consumer cannot stall
// the connection state machine.
type Queue struct {
	ch     chan *satori.Event
	logger *slog.Logger
}

// NewQueue creates a queue with the given capacity (DefaultQueueSize when
// size is not positive).
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:     make(chan *satori.Event, size),
		logger: logger,
	}
}

// Push enqueues evt, dropping it when the queue is full. It reports whether
// the event was accepted.
func (q *Queue) Push(evt *satori.Event) bool {
	select {
	case q.ch <- evt:
		metrics.EventsQueued.Inc()
		return true
	default:
		metrics.EventsDropped.Inc()
		q.logger.Warn("event queue full, dropping event",
			"platform", evt.Platform,
			"type", evt.Type,
			"event_id", evt.ID,
		)
		return false
	}
}

// Next blocks until an event is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (*satori.Event, error) {
	select {
	case evt := <-q.ch:
		return evt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }
