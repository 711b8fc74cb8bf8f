package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/eps3/xspider/internal/domain"
)

// Registry maps queue names to the single queue instance that backs them.
// It is written before the broker starts and only read afterwards.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]domain.Queue
	sealed bool
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		queues: make(map[string]domain.Queue),
		logger: logger,
	}
}

// Register associates name with q. Registering an existing name replaces
// the previous queue: the last registration wins.
func (r *Registry) Register(name string, q domain.Queue) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	if q == nil {
		return fmt.Errorf("register %s: nil queue", name)
	}
	if name == domain.ControlQueue {
		return fmt.Errorf("register %s: %w", name, domain.ErrReservedQueue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", name, domain.ErrBrokerStarted)
	}
	if _, exists := r.queues[name]; exists {
		r.logger.Warn("Queue re-registered, replacing previous instance", "queue", name)
	}
	r.queues[name] = q
	r.logger.Debug("Queue registered", "queue", name)
	return nil
}

// install registers the control queue and seals the registry.
func (r *Registry) install(control domain.Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[domain.ControlQueue] = control
	r.sealed = true
}

// Lookup resolves name to its queue.
func (r *Registry) Lookup(name string) (domain.Queue, error) {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownQueue, name)
	}
	return q, nil
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := lo.Keys(r.queues)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Drainable returns the sorted names of every queue except the control queue.
func (r *Registry) Drainable() []string {
	return lo.Without(r.Names(), domain.ControlQueue)
}

func (r *Registry) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, q := range r.queues {
		if err := q.Close(); err != nil {
			r.logger.Error("Closing queue failed", "queue", name, "error", err)
		}
	}
}
