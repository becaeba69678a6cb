// Package bus carries engine output events to the scenario manager. It is a
// process-wide buffered channel with many publishers (in-process workers,
// the control-plane status handler for remote workers) and a single
// consumer, the manager's routing loop.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultBuffer is the event buffer size when the caller does not choose one.
const DefaultBuffer = 100

// ErrClosed is returned by Publish after the bus has shut down.
var ErrClosed = errors.New("bus: closed")

// OutputEvent is one engine output: which agent produced it, in which
// scenario, as what event type, with what content.
type OutputEvent struct {
	ScenarioRunID string         `json:"scenario_run_id"`
	SourceAgentID string         `json:"source_agent_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	EmittedAt     time.Time      `json:"emitted_at"`
}

// Bus is safe for concurrent publishing. Close stops publishers; the
// consumer keeps draining Events until its own stop signal fires.
type Bus struct {
	events chan OutputEvent
	done   chan struct{}
	once   sync.Once
}

// New returns a bus buffering up to buffer events; non-positive means
// DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		events: make(chan OutputEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Publish delivers one output event, blocking while the buffer is full.
// Publishing applies backpressure to engines rather than dropping outputs.
func (b *Bus) Publish(ctx context.Context, ev OutputEvent) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}
	// Check done first so a closed bus wins over a ready buffer slot.
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the consumer side of the bus.
func (b *Bus) Events() <-chan OutputEvent {
	return b.events
}

// Depth reports how many events are buffered and not yet consumed.
func (b *Bus) Depth() int {
	return len(b.events)
}

// Done is closed when the bus shuts down.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close rejects further publishes. Buffered events remain readable so the
// consumer can drain before stopping. Safe to call more than once.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}
