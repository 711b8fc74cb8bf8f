package broker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eps3/xspider/internal/rpc"
)

// authTimeout bounds how long a new connection may take to send its auth frame.
const authTimeout = 10 * time.Second

// Workers are plain processes, not browsers; origin checks do not apply.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Broker) routes() http.Handler {
	handler := b.handleWS
	if b.limiter != nil {
		handler = b.limiter.Middleware(handler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, handler)
	return mux
}

// handleWS upgrades the request, authenticates the peer and serves its frames
// until the peer disconnects or the broker terminates.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	connID := uuid.NewString()
	logger := b.logger.With("conn_id", connID, "remote", ws.RemoteAddr().String())

	codec, ok := b.authenticate(ws, connID, logger)
	if !ok {
		return
	}

	conn := newConnection(connID, ws, codec)
	if !b.conns.Add(conn) {
		logger.Warn("Connection refused, broker terminating")
		return
	}
	defer b.conns.Remove(connID)

	logger.Info("Client connected", "codec", codec.Name())

	// In-flight requests are cancelled before we wait for them.
	var inflight sync.WaitGroup
	defer inflight.Wait()
	ctx, cancel := context.WithCancel(b.serveCtx)
	defer cancel()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			logger.Info("Client disconnected", "reason", err.Error())
			return
		}
		if mt != codec.MessageType() {
			b.writeOrLog(conn, logger, rpc.NewErrorFrame("", rpc.ErrCodeBadRequest, "unexpected message type"))
			continue
		}

		frame, err := codec.Decode(data)
		if err != nil {
			b.writeOrLog(conn, logger, rpc.NewErrorFrame("", rpc.ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}
		if frame.Type != rpc.FrameRequest {
			b.writeOrLog(conn, logger, rpc.NewErrorFrame(frame.ID, rpc.ErrCodeBadRequest, "expected request frame"))
			continue
		}

		// A blocking get must not hold up other requests on this connection.
		inflight.Add(1)
		go func(frame *rpc.Frame) {
			defer inflight.Done()
			if resp := b.handler.Handle(ctx, frame, conn); resp != nil {
				b.writeOrLog(conn, logger, resp)
			}
		}(frame)
	}
}

// authenticate reads the auth frame and answers it. The exchange is always JSON.
func (b *Broker) authenticate(ws *websocket.Conn, connID string, logger *slog.Logger) (rpc.Codec, bool) {
	jsonCodec := &rpc.JSONCodec{}
	reject := func(correlID string, code int, msg string) {
		data, err := jsonCodec.Encode(rpc.NewErrorFrame(correlID, code, msg))
		if err == nil {
			//nolint:errcheck // best-effort error response before disconnect
			ws.WriteMessage(websocket.TextMessage, data)
		}
	}

	ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		logger.Warn("Reading auth frame failed", "error", err)
		return nil, false
	}
	ws.SetReadDeadline(time.Time{})

	var frame rpc.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		reject("", rpc.ErrCodeBadRequest, "invalid auth frame")
		return nil, false
	}
	if frame.Method != rpc.MethodAuth {
		reject(frame.ID, rpc.ErrCodeBadRequest, "first frame must be auth")
		return nil, false
	}

	var req rpc.AuthRequest
	if err := jsonCodec.Unmarshal(frame.Data, &req); err != nil {
		reject(frame.ID, rpc.ErrCodeBadRequest, "invalid auth data")
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(b.secret)) != 1 {
		logger.Warn("Authentication failed")
		reject(frame.ID, rpc.ErrCodeUnauthorized, "authentication failed")
		return nil, false
	}

	codec := b.codec
	if req.Format != "" {
		if !rpc.ValidCodec(req.Format) {
			reject(frame.ID, rpc.ErrCodeBadRequest, "unsupported format: "+req.Format)
			return nil, false
		}
		codec = rpc.GetCodec(req.Format)
	}

	resp, err := rpc.NewResponseFrame(jsonCodec, frame.ID, rpc.AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if err != nil {
		logger.Error("Marshal auth response failed", "error", err)
		return nil, false
	}
	out, err := jsonCodec.Encode(resp)
	if err != nil {
		logger.Error("Encode auth response failed", "error", err)
		return nil, false
	}
	if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
		logger.Warn("Writing auth response failed", "error", err)
		return nil, false
	}
	return codec, true
}

func (b *Broker) writeOrLog(conn *Connection, logger *slog.Logger, frame *rpc.Frame) {
	if err := conn.WriteFrame(frame); err != nil {
		logger.Warn("Writing frame failed", "error", err)
	}
}
