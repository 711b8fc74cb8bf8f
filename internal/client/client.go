// Package client is the worker-side handle to a remote broker.
//
// A Client connects lazily: the first call that needs the broker dials it,
// authenticates with the shared secret and resolves the control queue plus
// every name declared with RegisterName. Proxies for named queues are created
// on first use and cached for the lifetime of the Client. When the
// connection drops, in-flight calls fail with domain.ErrConnectionClosed and
// the next call reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/rpc"
)

// Endpoint identifies one broker.
type Endpoint struct {
	Host   string
	Port   int
	Secret string
}

// URL returns the WebSocket URL of the broker. An empty host means loopback.
func (e Endpoint) URL() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(e.Port)),
		Path:   "/queues",
	}
	return u.String()
}

// Client issues queue operations against a remote broker.
type Client struct {
	endpoint Endpoint
	format   string
	attempts uint
	delay    time.Duration
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *conn
	names   []string
	proxies map[string]*Proxy
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the wire format ("msgpack" or "json").
func WithCodec(name string) Option {
	return func(c *Client) { c.format = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithConnectRetry retries refused or unreachable dials. Authentication
// and resolution failures are never retried.
func WithConnectRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// New returns an unconnected client for ep.
func New(ep Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint: ep,
		format:   rpc.CodecNameMsgpack,
		attempts: 1,
		delay:    time.Second,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:   slog.Default(),
		names:    []string{domain.ControlQueue},
		proxies:  make(map[string]*Proxy),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "broker", ep.URL())
	return c
}

// RegisterName declares a queue the next Connect resolves. It creates nothing on the broker.
func (c *Client) RegisterName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.names {
		if n == name {
			return
		}
	}
	c.names = append(c.names, name)
	c.logger.Debug("Queue name registered", "queue", name)
}

// Connect reuses a live connection or establishes a new one, then resolves
// the control queue and every registered name.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked(ctx)
	return err
}

func (c *Client) connectLocked(ctx context.Context) (*conn, error) {
	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}
	c.conn = nil

	var cn *conn
	err := retry.Do(
		func() error {
			var err error
			cn, err = dial(ctx, c.dialer, c.endpoint.URL(), c.endpoint.Secret, c.format)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrUnauthorized) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Connect attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		c.logger.Error("Connect failed", "error", err)
		return nil, fmt.Errorf("connect %s: %w", c.endpoint.URL(), err)
	}

	for _, name := range c.names {
		if err := cn.call(ctx, rpc.MethodResolve, rpc.QueueRequest{Queue: name}, nil); err != nil {
			cn.close()
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		if _, ok := c.proxies[name]; !ok {
			c.proxies[name] = &Proxy{client: c, name: name}
		}
	}

	c.conn = cn
	c.logger.Info("Connected", "session_id", cn.sessionID, "codec", cn.codec.Name(), "queues", c.names)
	return cn, nil
}

// session returns the live connection, connecting if needed.
func (c *Client) session(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// Queue returns the cached proxy for name, resolving it against the broker on first use.
func (c *Client) Queue(ctx context.Context, name string) (*Proxy, error) {
	cn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	p, ok := c.proxies[name]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	if err := cn.call(ctx, rpc.MethodResolve, rpc.QueueRequest{Queue: name}, nil); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok = c.proxies[name]; !ok {
		p = &Proxy{client: c, name: name}
		c.proxies[name] = p
	}
	return p, nil
}

// Put sends msg to queue and returns once the broker acknowledged it.
func (c *Client) Put(ctx context.Context, queue string, msg domain.Message) error {
	p, err := c.Queue(ctx, queue)
	if err != nil {
		return err
	}
	return p.Put(ctx, msg)
}

// Get blocks until queue yields its next message.
func (c *Client) Get(ctx context.Context, queue string) (domain.Message, error) {
	p, err := c.Queue(ctx, queue)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx)
}

// Empty reports whether queue is currently empty.
func (c *Client) Empty(ctx context.Context, queue string) (bool, error) {
	p, err := c.Queue(ctx, queue)
	if err != nil {
		return false, err
	}
	return p.Empty(ctx)
}

// Len returns the number of messages waiting in queue.
func (c *Client) Len(ctx context.Context, queue string) (int, error) {
	p, err := c.Queue(ctx, queue)
	if err != nil {
		return 0, err
	}
	return p.Len(ctx)
}

// Signal puts msg onto the control queue.
func (c *Client) Signal(ctx context.Context, msg domain.Message) error {
	return c.Put(ctx, domain.ControlQueue, msg)
}

// Shutdown asks the broker to drain and terminate.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Signal(ctx, domain.Message(domain.ShutdownSentinel))
}

// Close drops the connection. Cached proxies stay valid and reconnect on use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.close()
	c.conn = nil
	return err
}
