package stream

import (
	"sync"
	"time"
)

// DefaultGrace is how long a finished run's buffer stays attached for late
// reconnects before it is released.
const DefaultGrace = 60 * time.Second

// Registry maps conversation ids to their current run broker. Created once
// at startup; brokers come and go per run.
type Registry struct {
	grace     time.Duration
	bufferCap int

	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry builds the process-wide broker registry.
func NewRegistry(grace time.Duration, bufferCap int) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		grace:     grace,
		bufferCap: bufferCap,
		brokers:   make(map[string]*Broker),
	}
}

// Open attaches a fresh broker for a new run on the conversation, replacing
// any previous one. The broker is released a grace period after its terminal
// event so late subscribers can still replay.
func (r *Registry) Open(conversationID, runID string) *Broker {
	broker := NewBroker(runID, r.bufferCap)
	r.mu.Lock()
	r.brokers[conversationID] = broker
	r.mu.Unlock()

	go func() {
		<-broker.Done()
		time.Sleep(r.grace)
		r.mu.Lock()
		if r.brokers[conversationID] == broker {
			delete(r.brokers, conversationID)
		}
		r.mu.Unlock()
	}()
	return broker
}

// Get returns the conversation's current broker, if one is attached.
func (r *Registry) Get(conversationID string) (*Broker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[conversationID]
	return b, ok
}
