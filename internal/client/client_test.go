package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/rpc"
)

// fakeBroker answers the auth exchange and every queue method with an empty
// success response. It can reject handshakes, ignore gets or drop the
// connection when a get arrives.
type fakeBroker struct {
	status   int          // returned instead of upgrading while reject > 0
	reject   atomic.Int32 // handshakes left to reject
	hits     atomic.Int32
	onGet    string // "", "hang" or "drop"
	upgrader websocket.Upgrader
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.reject.Add(-1) >= 0 {
		http.Error(w, "busy", f.status)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	jsonCodec := &rpc.JSONCodec{}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	frame, err := jsonCodec.Decode(data)
	if err != nil {
		return
	}
	var auth rpc.AuthRequest
	if err := jsonCodec.Unmarshal(frame.Data, &auth); err != nil {
		return
	}
	resp, _ := rpc.NewResponseFrame(jsonCodec, frame.ID, rpc.AuthResponse{Format: auth.Format, SessionID: "session"})
	out, _ := jsonCodec.Encode(resp)
	if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
		return
	}

	codec := rpc.GetCodec(auth.Format)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		req, err := codec.Decode(data)
		if err != nil {
			return
		}
		if req.Method == rpc.MethodGet {
			switch f.onGet {
			case "hang":
				continue
			case "drop":
				return
			}
		}
		var qr rpc.QueueRequest
		_ = codec.Unmarshal(req.Data, &qr)
		resp, _ := rpc.NewResponseFrame(codec, req.ID, rpc.QueueResponse{Queue: qr.Queue, Message: []byte("m"), Len: 7})
		out, _ := codec.Encode(resp)
		if err := ws.WriteMessage(codec.MessageType(), out); err != nil {
			return
		}
	}
}

func startFake(t *testing.T, f *fakeBroker) Endpoint {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Endpoint{Host: host, Port: p, Secret: "s"}
}

func testClient(ep Endpoint, opts ...Option) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ep, append([]Option{WithLogger(logger)}, opts...)...)
}

func TestEndpoint_URL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:19002/queues", Endpoint{Port: 19002}.URL())
	assert.Equal(t, "ws://broker.local:7000/queues", Endpoint{Host: "broker.local", Port: 7000}.URL())
	assert.Equal(t, "ws://[::1]:7000/queues", Endpoint{Host: "::1", Port: 7000}.URL())
}

func TestConnect_RetriesRejectedDial(t *testing.T) {
	f := &fakeBroker{status: http.StatusServiceUnavailable}
	f.reject.Store(2)
	ep := startFake(t, f)

	c := testClient(ep, WithConnectRetry(3, time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), f.hits.Load())

	// A live connection is reused.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), f.hits.Load())
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	f := &fakeBroker{status: http.StatusTooManyRequests}
	f.reject.Store(100)
	ep := startFake(t, f)

	c := testClient(ep, WithConnectRetry(2, time.Millisecond))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestConnect_CancelledContext(t *testing.T) {
	ep := startFake(t, &fakeBroker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(ep)
	assert.ErrorIs(t, c.Connect(ctx), context.Canceled)
}

func TestProxy_RoundTrip(t *testing.T) {
	f := &fakeBroker{}
	ep := startFake(t, f)
	c := testClient(ep, WithCodec(rpc.CodecNameJSON))
	defer c.Close()
	ctx := context.Background()

	p, err := c.Queue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", p.Name())

	require.NoError(t, p.Put(ctx, domain.Message("x")))
	msg, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Message("m"), msg)

	n, err := p.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, int32(1), f.hits.Load(), "calls share one connection")
}

func TestProxy_CancelledGetDropsConnection(t *testing.T) {
	f := &fakeBroker{onGet: "hang"}
	ep := startFake(t, f)
	c := testClient(ep)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "jobs")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned connection is not reused.
	_, err = c.Len(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestProxy_DroppedConnectionFailsInflight(t *testing.T) {
	f := &fakeBroker{onGet: "drop"}
	ep := startFake(t, f)
	c := testClient(ep)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Get(ctx, "jobs")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)

	// The next call reconnects.
	require.NoError(t, c.Put(ctx, "jobs", domain.Message("again")))
	assert.Equal(t, int32(2), f.hits.Load())
}
