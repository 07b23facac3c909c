// Package providertest provides a scripted model client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ponchohq/poncho/internal/provider"
)

// Turn scripts one model round trip: streamed chunks followed by the final
// event (or an error instead).
type Turn struct {
	Chunks []string
	Final  provider.Final
	Err    error
}

// Fake is a provider.Client that plays back scripted turns in order. It
// records every request it sees. Safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	turns    []Turn
	calls    int
	Requests []*provider.Request
}

// New builds a fake that plays the given turns in order. When the script
// runs out the last turn repeats.
func New(turns ...Turn) *Fake {
	return &Fake{turns: turns}
}

// TextTurn scripts a plain streamed-text completion.
func TextTurn(chunks ...string) Turn {
	var full string
	for _, c := range chunks {
		full += c
	}
	return Turn{Chunks: chunks, Final: provider.Final{Text: full}}
}

// Name implements provider.Client.
func (f *Fake) Name() string { return "fake" }

// Calls reports how many times GenerateStream ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// GenerateStream implements provider.Client.
func (f *Fake) GenerateStream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	f.mu.Lock()
	if len(f.turns) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake provider has no scripted turns")
	}
	idx := f.calls
	if idx >= len(f.turns) {
		idx = len(f.turns) - 1
	}
	turn := f.turns[idx]
	f.calls++
	f.Requests = append(f.Requests, req)
	f.mu.Unlock()

	events := make(chan provider.Event)
	go func() {
		defer close(events)
		for _, chunk := range turn.Chunks {
			select {
			case <-ctx.Done():
				events <- provider.Event{Err: ctx.Err()}
				return
			case events <- provider.Event{Text: chunk}:
			}
		}
		if turn.Err != nil {
			events <- provider.Event{Err: turn.Err}
			return
		}
		final := turn.Final
		events <- provider.Event{Final: &final}
	}()
	return events, nil
}
