package fakes

import (
	"context"
	"errors"
	"sync"

	platformEvents "github.com/dhima/ledger-bus/platform/events"
)

// FakePublisher captures published events and can simulate failures.
type FakePublisher struct {
	mu        sync.Mutex
	Events    []platformEvents.LedgerEvent
	FailNext  bool
	FailError error
	Closed    bool
}

func (p *FakePublisher) Publish(_ context.Context, e platformEvents.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext {
		p.FailNext = false
		if p.FailError == nil {
			p.FailError = errors.New("publish failed")
		}
		return p.FailError
	}
	p.Events = append(p.Events, e)
	return nil
}

func (p *FakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Published returns a copy of the captured events.
func (p *FakePublisher) Published() []platformEvents.LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]platformEvents.LedgerEvent(nil), p.Events...)
}

func (p *FakePublisher) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}
