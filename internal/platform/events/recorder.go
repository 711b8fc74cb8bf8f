package events

import (
	"context"
	"sync"

	"github.com/eps3/xspider/internal/domain"
)

// Recorder keeps published events in memory. Useful when no Redis is configured
// and in tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

var _ domain.EventPublisher = (*Recorder)(nil)

// Publish implements domain.EventPublisher.
func (r *Recorder) Publish(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// States returns the sequence of broker-level state changes, ignoring per-queue events.
func (r *Recorder) States() []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.State
	for _, e := range r.events {
		if e.Queue == "" {
			out = append(out, e.State)
		}
	}
	return out
}
