package events

import (
	"context"
	"sync"
)

// EventPublisher is the interface for publishing chat events.
type EventPublisher interface {
	Publish(ctx context.Context, event *ChatEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *ChatEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ChatEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ChatEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *ChatEvent) error {
	return p.callback(ctx, event)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ChatEvent
}

func (r *Recorder) Publish(_ context.Context, event *ChatEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []ChatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []ChatEvent {
	var out []ChatEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
