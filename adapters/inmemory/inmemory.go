// Package inmemory provides a recording publisher for tests and examples.
package inmemory

import (
	"context"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// Publisher is a thread-safe in-memory cbus.Publisher that records every event.
type Publisher struct {
	mu     sync.Mutex
	events []cbus.IntegrationEvent
	err    error
}

var _ cbus.Publisher = (*Publisher)(nil)

func New() *Publisher { return &Publisher{} }

func (p *Publisher) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.events = append(p.events, e)

	return nil
}

// FailWith makes every later Publish return err. nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Events returns the recorded events in publish order.
func (p *Publisher) Events() []cbus.IntegrationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.events)
}

// Named returns the names of the recorded events in publish order.
func (p *Publisher) Named() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, cbus.EventName(e))
	}

	return names
}

// Reset drops the recorded events.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}
