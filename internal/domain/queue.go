package domain

import "context"

// ControlQueue is the reserved queue every broker hosts without explicit registration.
// Messages on it are interpreted by the broker itself.
const ControlQueue = "control"

// ShutdownSentinel is the only control message the broker acts on.
// Reading it from the ControlQueue starts the drain phase.
const ShutdownSentinel = "shutdown"

// Message is an opaque work item. The broker never looks inside it,
// except on the ControlQueue.
type Message []byte

// IsShutdown reports whether the message is the shutdown sentinel.
func (m Message) IsShutdown() bool {
	return string(m) == ShutdownSentinel
}

// Queue defines the contract for a named FIFO hosted by the broker.
// It decouples the broker from the queue implementation.
type Queue interface {
	// Put appends a message to the tail of the queue. It never blocks on capacity.
	Put(ctx context.Context, msg Message) error

	// Get removes and returns the head of the queue.
	// It blocks while the queue is empty until a message arrives, ctx ends or the queue is closed.
	Get(ctx context.Context) (Message, error)

	// Empty reports whether the queue currently holds no messages.
	Empty() bool

	// Len returns the number of queued messages.
	Len() int

	// Close releases blocked getters with ErrQueueClosed and rejects further puts.
	Close() error
}

// State is the broker lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)
