package domain

import (
	"context"
	"time"
)

// Task is a unit of work run by the worker pool.
// It takes no arguments: any queue access it needs is captured by the task itself,
// usually through a client it owns.
type Task func()

// Event describes a broker lifecycle change.
type Event struct {
	Broker string    `json:"broker"`
	State  State     `json:"state"`
	Queue  string    `json:"queue,omitempty"`
	Time   time.Time `json:"time"`
}

// EventPublisher defines the contract for broadcasting lifecycle events.
// It decouples the broker from the pub/sub backend (Redis, NATS, etc.).
type EventPublisher interface {
	// Publish broadcasts a single event. Failures never affect the broker's state machine.
	Publish(ctx context.Context, evt Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
