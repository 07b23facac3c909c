// Package stream implements the per-run SSE broker: a bounded replay buffer
// with live fan-out, guaranteeing reconnecting clients the exact event order
// the first subscriber saw.
package stream

import (
	"sync"

	"github.com/ponchohq/poncho/pkg/models"
)

// DefaultBufferCap bounds the replay buffer. Runs that out-emit the cap keep
// streaming live but stop recording non-terminal events for replay.
const DefaultBufferCap = 4096

// Broker owns one run's event stream.
type Broker struct {
	runID string
	cap   int

	mu      sync.Mutex
	cond    *sync.Cond
	buffer  []models.AgentEvent
	dropped int
	closed  bool

	done chan struct{}
}

// NewBroker builds a broker for one run. cap <= 0 uses DefaultBufferCap.
func NewBroker(runID string, bufferCap int) *Broker {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	b := &Broker{runID: runID, cap: bufferCap, done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// RunID identifies the run this broker belongs to.
func (b *Broker) RunID() string { return b.runID }

// Done closes when the terminal event has been published.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Publish appends one event and wakes subscribers. Publishing a terminal
// event closes the stream; later publishes are ignored.
func (b *Broker) Publish(ev models.AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.buffer) >= b.cap && !ev.Type.Terminal() {
		b.dropped++
		return
	}
	b.buffer = append(b.buffer, ev)
	if ev.Type.Terminal() {
		b.closed = true
		close(b.done)
	}
	b.cond.Broadcast()
}

// Dropped reports how many events overflowed the replay buffer.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscription drains a broker's events: the full replay first, then live
// events, in the one canonical order. C closes after the terminal event or
// on Cancel.
type Subscription struct {
	C      <-chan models.AgentEvent
	broker *Broker
	cancel chan struct{}
	once   sync.Once
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.cancel)
		// Wake the drain goroutine if it is parked in cond.Wait.
		s.broker.wake()
	})
}

// Subscribe attaches a subscriber. Every subscriber walks the same buffer by
// cursor, so replay and live delivery cannot diverge in order.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{broker: b, cancel: make(chan struct{})}
	out := make(chan models.AgentEvent)
	sub.C = out

	go func() {
		defer close(out)
		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(b.buffer) && !b.closed {
				if cancelled(sub.cancel) {
					b.mu.Unlock()
					return
				}
				b.cond.Wait()
			}
			batch := b.buffer[cursor:]
			closed := b.closed
			b.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
					cursor++
				case <-sub.cancel:
					return
				}
			}
			if closed && cursor >= b.len() {
				return
			}
		}
	}()
	return sub
}

func (b *Broker) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func cancelled(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// wake lets Cancel interrupt a blocked cond.Wait: the subscriber goroutine
// re-checks its cancel channel on every broadcast.
func (b *Broker) wake() {
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}
