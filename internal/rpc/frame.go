// Package rpc defines the broker wire protocol: a frame envelope, the
// queue methods, their typed payloads, and the codecs that put frames on
// the wire. Frames travel as WebSocket messages between a client and the
// broker. The first frame on every connection is an auth request and is
// always JSON encoded; later frames use the codec negotiated by it.
package rpc

import (
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameErr      FrameType = "error"
)

// Frame is the envelope for every message exchanged with the broker.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "queue.put").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method payload, encoded with the connection's codec.
	Data []byte `json:"data,omitempty" msgpack:"data,omitempty"`

	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Methods.
const (
	MethodAuth    = "auth"
	MethodResolve = "queue.resolve"
	MethodPut     = "queue.put"
	MethodGet     = "queue.get"
	MethodEmpty   = "queue.empty"
	MethodLen     = "queue.len"
)

// Error codes.
const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeUnknownQueue   = 404
	ErrCodeMethodNotFound = 405
	ErrCodeGone           = 410
	ErrCodeInternal       = 500
)

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Secret string `json:"secret" msgpack:"secret"`
	Format string `json:"format,omitempty" msgpack:"format,omitempty"` // "json" or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format" msgpack:"format"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

// QueueRequest addresses one named queue. Message is only set for puts.
type QueueRequest struct {
	Queue   string `json:"queue" msgpack:"queue"`
	Message []byte `json:"message,omitempty" msgpack:"message,omitempty"`
}

// QueueResponse answers every queue method. Only the field relevant to the
// method is meaningful.
type QueueResponse struct {
	Queue   string `json:"queue" msgpack:"queue"`
	Message []byte `json:"message,omitempty" msgpack:"message,omitempty"`
	Empty   bool   `json:"empty,omitempty" msgpack:"empty,omitempty"`
	Len     int    `json:"len,omitempty" msgpack:"len,omitempty"`
}

// NewRequestFrame creates a request frame with a fresh ID.
func NewRequestFrame(codec Codec, method string, data any) (*Frame, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(codec Codec, correlID string, data any) (*Frame, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       NewFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewFrameID returns a new unique frame ID.
func NewFrameID() string {
	return uuid.NewString()
}
