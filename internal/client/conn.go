package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/rpc"
)

// handshakeTimeout bounds the auth exchange when ctx carries no deadline.
const handshakeTimeout = 10 * time.Second

// conn is one authenticated broker connection. Requests are multiplexed:
// each one waits for the response frame whose CorrelID matches its ID.
type conn struct {
	ws        *websocket.Conn
	codec     rpc.Codec
	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rpc.Frame
	done    chan struct{}
	err     error
}

// dial opens a WebSocket to url and performs the auth exchange.
func dial(ctx context.Context, dialer *websocket.Dialer, url, secret, format string) (*conn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("dial %s: rate limited: %w", url, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	jsonCodec := &rpc.JSONCodec{}
	authFrame, err := rpc.NewRequestFrame(jsonCodec, rpc.MethodAuth, rpc.AuthRequest{
		Secret: secret,
		Format: format,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	data, err := jsonCodec.Encode(authFrame)
	if err != nil {
		ws.Close()
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	ws.SetWriteDeadline(deadline)
	ws.SetReadDeadline(deadline)

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	_, data, err = ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}

	reply, err := jsonCodec.Decode(data)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if reply.Type == rpc.FrameErr && reply.Error != nil {
		ws.Close()
		return nil, reply.Error.Err()
	}

	var auth rpc.AuthResponse
	if err := jsonCodec.Unmarshal(reply.Data, &auth); err != nil {
		ws.Close()
		return nil, fmt.Errorf("decode auth response: %w", err)
	}

	ws.SetWriteDeadline(time.Time{})
	ws.SetReadDeadline(time.Time{})

	c := &conn{
		ws:        ws,
		codec:     rpc.GetCodec(auth.Format),
		sessionID: auth.SessionID,
		pending:   make(map[string]chan *rpc.Frame),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.CorrelID]
		delete(c.pending, frame.CorrelID)
		c.mu.Unlock()

		if ok {
			ch <- frame
		}
	}
}

// fail marks the connection dead and releases every waiting call.
func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	c.pending = make(map[string]chan *rpc.Frame)
	close(c.done)
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) close() error {
	c.fail(domain.ErrConnectionClosed)
	return c.ws.Close()
}

func (c *conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, domain.ErrConnectionClosed) {
		return domain.ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, c.err)
}

// call sends one request and decodes the response into out (which may be nil).
func (c *conn) call(ctx context.Context, method string, req, out any) error {
	frame, err := rpc.NewRequestFrame(c.codec, method, req)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	ch := make(chan *rpc.Frame, 1)
	c.mu.Lock()
	if !c.alive() {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.ws.WriteMessage(c.codec.MessageType(), data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(frame.ID)
		c.fail(err)
		return c.closedErr()
	}

	select {
	case resp := <-ch:
		if resp.Type == rpc.FrameErr && resp.Error != nil {
			return resp.Error.Err()
		}
		if out == nil {
			return nil
		}
		return c.codec.Unmarshal(resp.Data, out)
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		c.forget(frame.ID)
		return ctx.Err()
	}
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
