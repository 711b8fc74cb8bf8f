package broker

import (
	"context"
	"log/slog"

	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/rpc"
)

// methodFunc serves one queue method against an already resolved queue.
type methodFunc func(ctx context.Context, q domain.Queue, req rpc.QueueRequest) (rpc.QueueResponse, error)

// Handler dispatches request frames to queue operations by method name.
type Handler struct {
	registry *Registry
	methods  map[string]methodFunc
	logger   *slog.Logger
}

// NewHandler creates a handler serving the queues in registry.
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	h := &Handler{registry: registry, logger: logger}
	h.methods = map[string]methodFunc{
		rpc.MethodResolve: h.resolve,
		rpc.MethodPut:     h.put,
		rpc.MethodGet:     h.get,
		rpc.MethodEmpty:   h.empty,
		rpc.MethodLen:     h.size,
	}
	return h
}

// Handle processes a single request frame and returns the frame to send back.
func (h *Handler) Handle(ctx context.Context, frame *rpc.Frame, conn *Connection) *rpc.Frame {
	fn, ok := h.methods[frame.Method]
	if !ok {
		return rpc.NewErrorFrame(frame.ID, rpc.ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}

	var req rpc.QueueRequest
	if err := conn.Codec.Unmarshal(frame.Data, &req); err != nil {
		return rpc.NewErrorFrame(frame.ID, rpc.ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	q, err := h.registry.Lookup(req.Queue)
	if err != nil {
		h.logger.Warn("Unknown queue requested", "conn_id", conn.ID, "queue", req.Queue, "method", frame.Method)
		return rpc.NewErrorFrame(frame.ID, rpc.ErrCodeUnknownQueue, err.Error())
	}

	resp, err := fn(ctx, q, req)
	if err != nil {
		return rpc.NewErrorFrame(frame.ID, rpc.CodeFor(err), err.Error())
	}
	resp.Queue = req.Queue

	out, err := rpc.NewResponseFrame(conn.Codec, frame.ID, resp)
	if err != nil {
		return rpc.NewErrorFrame(frame.ID, rpc.ErrCodeInternal, "marshal response: "+err.Error())
	}
	return out
}

func (h *Handler) resolve(_ context.Context, _ domain.Queue, _ rpc.QueueRequest) (rpc.QueueResponse, error) {
	return rpc.QueueResponse{}, nil
}

func (h *Handler) put(ctx context.Context, q domain.Queue, req rpc.QueueRequest) (rpc.QueueResponse, error) {
	if err := q.Put(ctx, req.Message); err != nil {
		return rpc.QueueResponse{}, err
	}
	h.logger.Debug("Message put", "queue", req.Queue, "bytes", len(req.Message))
	return rpc.QueueResponse{}, nil
}

func (h *Handler) get(ctx context.Context, q domain.Queue, req rpc.QueueRequest) (rpc.QueueResponse, error) {
	msg, err := q.Get(ctx)
	if err != nil {
		return rpc.QueueResponse{}, err
	}
	h.logger.Debug("Message get", "queue", req.Queue, "bytes", len(msg))
	return rpc.QueueResponse{Message: msg}, nil
}

func (h *Handler) empty(_ context.Context, q domain.Queue, _ rpc.QueueRequest) (rpc.QueueResponse, error) {
	return rpc.QueueResponse{Empty: q.Empty()}, nil
}

func (h *Handler) size(_ context.Context, q domain.Queue, _ rpc.QueueRequest) (rpc.QueueResponse, error) {
	return rpc.QueueResponse{Len: q.Len()}, nil
}
