package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/eps3/xspider/internal/domain"
)

// Memory is an unbounded, in-process FIFO implementing domain.Queue.
// All operations are serialized by a single mutex, so concurrent callers
// never reorder, lose or duplicate messages.
type Memory struct {
	name string

	mu     sync.Mutex
	items  []domain.Message
	head   int
	closed bool
	// wake is closed (and replaced) on every Put and on Close so blocked getters re-check.
	wake chan struct{}
}

// Ensure Memory satisfies the interface
var _ domain.Queue = (*Memory)(nil)

// NewMemory returns an empty queue.
func NewMemory(name string) *Memory {
	return &Memory{
		name: name,
		wake: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Memory) Name() string { return q.name }

// Put appends msg to the tail.
func (q *Memory) Put(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("put %s: %w", q.name, domain.ErrQueueClosed)
	}
	q.items = append(q.items, msg)
	q.broadcast()
	return nil
}

// Get removes and returns the head, blocking while the queue is empty.
func (q *Memory) Get(ctx context.Context) (domain.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("get %s: %w", q.name, domain.ErrQueueClosed)
		}
		if q.head < len(q.items) {
			msg := q.pop()
			q.mu.Unlock()
			return msg, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Empty reports whether the queue holds no messages.
func (q *Memory) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of queued messages.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close releases blocked getters. Queued messages are discarded.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.items = nil
	q.head = 0
	q.broadcast()
	return nil
}

// pop must be called with mu held and a non-empty queue.
func (q *Memory) pop() domain.Message {
	msg := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return msg
}

func (q *Memory) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
