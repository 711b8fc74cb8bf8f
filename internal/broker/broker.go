// Package broker hosts named queues and serves them to remote clients.
//
// A Broker owns a Registry of queues, a reserved control queue, and a
// WebSocket endpoint speaking the rpc protocol. Start blocks while the
// broker is RUNNING, switches to DRAINING when the shutdown sentinel is read
// from the control queue, and returns once every other queue is empty and
// the endpoint has been torn down.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/platform/queue"
	"github.com/eps3/xspider/internal/platform/web"
	"github.com/eps3/xspider/internal/rpc"
)

// Path is the WebSocket endpoint clients dial.
const Path = "/queues"

// DefaultDrainInterval is how long the drain phase waits between emptiness checks.
const DefaultDrainInterval = 2 * time.Second

// Broker serves a fixed set of named queues over the network.
type Broker struct {
	host   string
	port   int
	secret string

	registry      *Registry
	handler       *Handler
	conns         *ConnectionManager
	codec         rpc.Codec
	drainInterval time.Duration
	limiter       *web.RateLimiter
	events        domain.EventPublisher
	logger        *slog.Logger

	mu      sync.RWMutex
	state   domain.State
	addr    string
	control *queue.Memory
	srv     *http.Server
	ready   chan struct{}

	// serveCtx is cancelled on termination; every connection derives from it.
	serveCtx    context.Context
	serveCancel context.CancelFunc
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithDrainInterval sets the polling cadence of the drain phase.
func WithDrainInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.drainInterval = d
		}
	}
}

// WithCodec sets the codec used when a client does not ask for one.
func WithCodec(c rpc.Codec) Option {
	return func(b *Broker) { b.codec = c }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p domain.EventPublisher) Option {
	return func(b *Broker) { b.events = p }
}

// WithRateLimiter throttles handshakes per remote host.
func WithRateLimiter(rl *web.RateLimiter) Option {
	return func(b *Broker) { b.limiter = rl }
}

// New creates a broker for the given endpoint. Nothing is bound until Start.
func New(host string, port int, secret string, opts ...Option) *Broker {
	b := &Broker{
		host:          host,
		port:          port,
		secret:        secret,
		conns:         NewConnectionManager(),
		codec:         &rpc.MsgpackCodec{},
		drainInterval: DefaultDrainInterval,
		events:        domain.NopPublisher{},
		logger:        slog.Default(),
		state:         domain.StateIdle,
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	b.registry = NewRegistry(b.logger)
	b.handler = NewHandler(b.registry, b.logger)
	return b
}

// Register adds a queue under name. It must be called before Start.
// Registering a name twice keeps the last queue.
func (b *Broker) Register(name string, q domain.Queue) error {
	if err := b.registry.Register(name, q); err != nil {
		return err
	}
	b.publish(domain.StateIdle, name)
	return nil
}

// Registry exposes the broker's queues.
func (b *Broker) Registry() *Registry { return b.registry }

// State returns the current lifecycle state.
func (b *Broker) State() domain.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Addr returns the bound listener address, or "" before Start.
func (b *Broker) Addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addr
}

// Connections returns the number of authenticated client connections.
func (b *Broker) Connections() int { return b.conns.Count() }

// Ready is closed once the broker is serving.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Start binds the endpoint, installs the control queue and serves until the
// shutdown sentinel has been read and every other queue has drained.
// A bind failure is returned before any state changes.
// Cancelling ctx terminates the broker without draining.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != domain.StateIdle {
		b.mu.Unlock()
		return domain.ErrBrokerStarted
	}

	addr := net.JoinHostPort(b.host, strconv.Itoa(b.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}

	b.control = queue.NewMemory(domain.ControlQueue)
	b.registry.install(b.control)
	b.addr = ln.Addr().String()
	b.serveCtx, b.serveCancel = context.WithCancel(context.Background())
	b.srv = &http.Server{
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.state = domain.StateRunning
	b.mu.Unlock()

	b.logger.Info("Broker listening", "addr", b.addr, "queues", b.registry.Names())
	b.publish(domain.StateRunning, "")
	close(b.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer b.terminate()
		if err := b.controlLoop(gctx); err != nil {
			return err
		}
		return b.drain(gctx)
	})

	return g.Wait()
}

// terminate releases the endpoint, every live connection and every queue.
func (b *Broker) terminate() {
	b.serveCancel()
	if err := b.srv.Close(); err != nil {
		b.logger.Error("Closing listener failed", "error", err)
	}
	if n := b.conns.Count(); n > 0 {
		b.logger.Info("Closing client connections", "count", n)
	}
	b.conns.CloseAll()
	b.registry.closeAll()

	b.setState(domain.StateTerminated)
	b.logger.Info("Broker terminated", "addr", b.addr)
}

func (b *Broker) setState(s domain.State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()

	if prev != s {
		b.logger.Info("Broker state changed", "from", prev, "to", s)
		b.publish(s, "")
	}
}

func (b *Broker) publish(s domain.State, queueName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	evt := domain.Event{
		Broker: b.Addr(),
		State:  s,
		Queue:  queueName,
		Time:   time.Now().UTC(),
	}
	if err := b.events.Publish(ctx, evt); err != nil {
		b.logger.Warn("Publishing lifecycle event failed", "state", s, "error", err)
	}
}
