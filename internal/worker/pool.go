package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/eps3/xspider/internal/domain"
)

var (
	// ErrInvalidWorkerCount is returned by AddTask for a count below one.
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
	// ErrPoolStarted is returned when the pool is modified or started twice.
	ErrPoolStarted = errors.New("worker pool already started")
)

// assignment pairs a task with the number of goroutines that run it.
type assignment struct {
	name    string
	task    domain.Task
	workers int
}

// Pool launches a fixed number of goroutines per registered task.
// Workers are not tied to process lifetime: nothing waits for them unless Join is called.
type Pool struct {
	logger *slog.Logger

	mu          sync.Mutex
	assignments []assignment
	started     bool

	// wg tracks every spawned worker so Join can wait for all of them.
	wg      sync.WaitGroup
	running atomic.Int64
}

// NewPool returns an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger.With("component", "worker")}
}

// AddTask registers task to be run by workers goroutines once Start is called.
// It may be called many times to run several independent tasks.
func (p *Pool) AddTask(name string, task domain.Task, workers int) error {
	if workers < 1 {
		return fmt.Errorf("task %s: %w", name, ErrInvalidWorkerCount)
	}
	if task == nil {
		return fmt.Errorf("task %s: nil task", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.assignments = append(p.assignments, assignment{name: name, task: task, workers: workers})
	return nil
}

// Start spawns every worker and returns immediately.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	total := 0
	for _, a := range p.assignments {
		for i := 0; i < a.workers; i++ {
			p.wg.Add(1)
			go p.worker(a, i)
		}
		total += a.workers
	}
	p.logger.Info("Starting worker pool", "tasks", len(p.assignments), "workers", total)
	return nil
}

// Join blocks until every spawned worker has returned from its task.
// Tasks must carry their own termination condition for this to return.
func (p *Pool) Join() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Running returns the number of workers currently executing their task.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// worker runs a single task invocation. A panic is logged and ends only this worker.
func (p *Pool) worker(a assignment, id int) {
	defer p.wg.Done()

	logger := p.logger.With("task", a.name, "worker_id", id)
	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	logger.Debug("Worker started")
	a.task()
	logger.Debug("Worker stopped")
}
