package broker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eps3/xspider/internal/broker"
	"github.com/eps3/xspider/internal/client"
	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/platform/events"
	"github.com/eps3/xspider/internal/platform/queue"
	"github.com/eps3/xspider/internal/platform/web"
)

const testSecret = "s3cret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness runs a broker on a loopback port for the duration of a test.
type harness struct {
	b      *broker.Broker
	ep     client.Endpoint
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startBroker(t *testing.T, queues []string, opts ...broker.Option) *harness {
	t.Helper()

	opts = append([]broker.Option{
		broker.WithLogger(quietLogger()),
		broker.WithDrainInterval(20 * time.Millisecond),
	}, opts...)
	b := broker.New("127.0.0.1", 0, testSecret, opts...)
	for _, name := range queues {
		require.NoError(t, b.Register(name, queue.NewMemory(name)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{b: b, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = b.Start(ctx)
		close(h.done)
	}()

	select {
	case <-b.Ready():
	case <-h.done:
		t.Fatalf("broker failed to start: %v", h.err)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not become ready")
	}

	_, port, err := net.SplitHostPort(b.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	h.ep = client.Endpoint{Host: "127.0.0.1", Port: p, Secret: testSecret}

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("broker did not stop")
		}
	})
	return h
}

// wait blocks until Start returned.
func (h *harness) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(timeout):
		t.Fatal("broker still running")
		return nil
	}
}

func (h *harness) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func newClient(t *testing.T, ep client.Endpoint, opts ...client.Option) *client.Client {
	t.Helper()
	c := client.New(ep, append([]client.Option{client.WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBroker_FIFOAcrossClients(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	producer := newClient(t, h.ep)
	consumer := newClient(t, h.ep)

	for i := 0; i < 50; i++ {
		require.NoError(t, producer.Put(ctx, "jobs", domain.Message(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < 50; i++ {
		msg, err := consumer.Get(ctx, "jobs")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("m%d", i), string(msg))
	}

	empty, err := producer.Empty(ctx, "jobs")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestBroker_ProxiesShareOneQueue(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	a := newClient(t, h.ep)
	b := newClient(t, h.ep, client.WithCodec("json"))

	require.NoError(t, a.Put(ctx, "jobs", domain.Message{0x00, 0xff}))
	require.NoError(t, a.Put(ctx, "jobs", domain.Message("second")))

	n, err := b.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msg, err := b.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.Message{0x00, 0xff}, msg)

	pa, err := a.Queue(ctx, "jobs")
	require.NoError(t, err)
	pa2, err := a.Queue(ctx, "jobs")
	require.NoError(t, err)
	assert.Same(t, pa, pa2, "proxies are cached per client")

	n, err = pa.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBroker_RegistryIsolation(t *testing.T) {
	h := startBroker(t, []string{"a", "b"})
	ctx := testCtx(t)
	c := newClient(t, h.ep)

	require.NoError(t, c.Put(ctx, "a", domain.Message("for-a")))

	empty, err := c.Empty(ctx, "b")
	require.NoError(t, err)
	assert.True(t, empty)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Get(short, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	msg, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "for-a", string(msg))
}

func TestBroker_UnknownQueue(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	c := newClient(t, h.ep)
	err := c.Put(ctx, "nope", domain.Message("x"))
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)

	declared := newClient(t, h.ep)
	declared.RegisterName("jobs")
	declared.RegisterName("nope")
	assert.ErrorIs(t, declared.Connect(ctx), domain.ErrUnknownQueue)
}

func TestBroker_WrongSecret(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	ep := h.ep
	ep.Secret = "wrong"
	c := newClient(t, ep, client.WithConnectRetry(3, 10*time.Millisecond))

	assert.ErrorIs(t, c.Connect(ctx), domain.ErrUnauthorized)
	assert.ErrorIs(t, c.Put(ctx, "jobs", domain.Message("x")), domain.ErrUnauthorized)

	good := newClient(t, h.ep)
	empty, err := good.Empty(ctx, "jobs")
	require.NoError(t, err)
	assert.True(t, empty, "rejected client must not have enqueued anything")
}

func TestBroker_ConnectIsIdempotent(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	c := newClient(t, h.ep)
	c.RegisterName("jobs")
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Close())
	// The next call reconnects on its own.
	require.NoError(t, c.Put(ctx, "jobs", domain.Message("after-close")))
}

func TestBroker_DrainWaitsForEveryQueue(t *testing.T) {
	rec := &events.Recorder{}
	h := startBroker(t, []string{"jobs", "results"}, broker.WithEvents(rec))
	ctx := testCtx(t)

	producer := newClient(t, h.ep)
	require.NoError(t, producer.Put(ctx, "jobs", domain.Message("a")))
	require.NoError(t, producer.Put(ctx, "jobs", domain.Message("b")))
	require.NoError(t, producer.Put(ctx, "results", domain.Message("r")))
	require.NoError(t, producer.Shutdown(ctx))

	require.Eventually(t, func() bool {
		return h.b.State() == domain.StateDraining
	}, 2*time.Second, 5*time.Millisecond)

	// Several drain intervals pass; non-empty queues keep the broker alive.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.StateDraining, h.b.State())
	assert.False(t, h.stopped())

	consumer := newClient(t, h.ep)
	for _, want := range []string{"a", "b"} {
		msg, err := consumer.Get(ctx, "jobs")
		require.NoError(t, err)
		assert.Equal(t, want, string(msg))
	}

	time.Sleep(100 * time.Millisecond)
	assert.False(t, h.stopped(), "results is still non-empty")

	_, err := consumer.Get(ctx, "results")
	require.NoError(t, err)

	require.NoError(t, h.wait(t, 2*time.Second))
	assert.Equal(t, domain.StateTerminated, h.b.State())
	assert.Equal(t, []domain.State{domain.StateRunning, domain.StateDraining, domain.StateTerminated}, rec.States())

	// Nothing is served after termination.
	err = consumer.Put(ctx, "jobs", domain.Message("late"))
	assert.Error(t, err)
}

func TestBroker_DrainWithEmptyQueuesTerminatesPromptly(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	c := newClient(t, h.ep)
	require.NoError(t, c.Shutdown(ctx))

	require.NoError(t, h.wait(t, 2*time.Second))
	assert.Equal(t, domain.StateTerminated, h.b.State())
}

func TestBroker_OtherControlMessagesAreIgnored(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	c := newClient(t, h.ep)
	require.NoError(t, c.Signal(ctx, domain.Message("hello")))
	require.NoError(t, c.Signal(ctx, domain.Message("SHUTDOWN")))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.StateRunning, h.b.State())

	empty, err := c.Empty(ctx, domain.ControlQueue)
	require.NoError(t, err)
	assert.True(t, empty, "the broker consumed both control messages")

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, h.wait(t, 2*time.Second))
}

func TestBroker_BlockedGetReleasedOnTermination(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	waiter := newClient(t, h.ep)
	require.NoError(t, waiter.Connect(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := waiter.Get(ctx, "jobs")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		return h.b.Connections() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, newClient(t, h.ep).Shutdown(ctx))
	require.NoError(t, h.wait(t, 2*time.Second))
	assert.Zero(t, h.b.Connections())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked get was not released")
	}
}

func TestBroker_ConcurrentConservation(t *testing.T) {
	const (
		producers   = 3
		consumers   = 2
		perProducer = 100
		total       = producers * perProducer
	)
	h := startBroker(t, []string{"jobs"})
	ctx := testCtx(t)

	got := make(chan string, total)
	cctx, stop := context.WithCancel(ctx)
	defer stop()

	var cwg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		c := newClient(t, h.ep)
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				msg, err := c.Get(cctx, "jobs")
				if err != nil {
					return
				}
				got <- string(msg)
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		c := newClient(t, h.ep)
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, c.Put(ctx, "jobs", domain.Message(fmt.Sprintf("%d-%d", p, i))))
			}
		}(p)
	}
	pwg.Wait()

	seen := make(map[string]int, total)
	for len(seen) < total {
		select {
		case m := <-got:
			seen[m]++
			require.Equal(t, 1, seen[m], "duplicate delivery of %s", m)
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d of %d messages", len(seen), total)
		}
	}
	stop()
	cwg.Wait()
}

func TestBroker_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	b := broker.New("127.0.0.1", port, testSecret, broker.WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not fail on a bound port")
	}
	assert.Equal(t, domain.StateIdle, b.State())
	assert.Empty(t, b.Addr())
}

func TestBroker_ContextCancelTerminates(t *testing.T) {
	h := startBroker(t, []string{"jobs"})
	h.cancel()

	assert.ErrorIs(t, h.wait(t, 2*time.Second), context.Canceled)
	assert.Equal(t, domain.StateTerminated, h.b.State())
}

func TestBroker_RegisterAfterStart(t *testing.T) {
	h := startBroker(t, []string{"jobs"})

	err := h.b.Register("late", queue.NewMemory("late"))
	assert.ErrorIs(t, err, domain.ErrBrokerStarted)
	assert.ErrorIs(t, h.b.Start(context.Background()), domain.ErrBrokerStarted)
}

func TestBroker_HandshakeRateLimited(t *testing.T) {
	ctx := testCtx(t)
	limiter := web.NewRateLimiter(ctx, 0.001, 1)
	h := startBroker(t, []string{"jobs"}, broker.WithRateLimiter(limiter))

	first := newClient(t, h.ep)
	require.NoError(t, first.Connect(ctx))

	second := newClient(t, h.ep)
	err := second.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	// The established connection is unaffected.
	require.NoError(t, first.Put(ctx, "jobs", domain.Message("x")))
}
