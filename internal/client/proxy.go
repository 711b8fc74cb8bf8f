package client

import (
	"context"
	"errors"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/rpc"
)

// Proxy is a handle to one queue hosted by the broker. It owns nothing:
// every call is forwarded over the client's current connection.
type Proxy struct {
	client *Client
	name   string
}

// Name returns the queue name.
func (p *Proxy) Name() string { return p.name }

func (p *Proxy) call(ctx context.Context, method string, msg domain.Message) (rpc.QueueResponse, error) {
	var resp rpc.QueueResponse
	cn, err := p.client.session(ctx)
	if err != nil {
		return resp, err
	}
	err = cn.call(ctx, method, rpc.QueueRequest{Queue: p.name, Message: msg}, &resp)
	return resp, err
}

// Put appends msg to the remote queue.
func (p *Proxy) Put(ctx context.Context, msg domain.Message) error {
	if _, err := p.call(ctx, rpc.MethodPut, msg); err != nil {
		return err
	}
	p.client.logger.Debug("Put ok", "queue", p.name, "bytes", len(msg))
	return nil
}

// Get blocks until the remote queue yields a message.
// Abandoning the wait through ctx drops the connection so the broker stops
// waiting on this client's behalf; the next call reconnects.
func (p *Proxy) Get(ctx context.Context) (domain.Message, error) {
	cn, err := p.client.session(ctx)
	if err != nil {
		return nil, err
	}

	var resp rpc.QueueResponse
	if err := cn.call(ctx, rpc.MethodGet, rpc.QueueRequest{Queue: p.name}, &resp); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cn.close()
		}
		return nil, err
	}
	p.client.logger.Debug("Get ok", "queue", p.name, "bytes", len(resp.Message))
	return domain.Message(resp.Message), nil
}

// Empty reports whether the remote queue is empty.
func (p *Proxy) Empty(ctx context.Context) (bool, error) {
	resp, err := p.call(ctx, rpc.MethodEmpty, nil)
	return resp.Empty, err
}

// Len returns the number of messages in the remote queue.
func (p *Proxy) Len(ctx context.Context) (int, error) {
	resp, err := p.call(ctx, rpc.MethodLen, nil)
	return resp.Len, err
}
