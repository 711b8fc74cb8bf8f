package rpc

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for frames and their payloads.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Marshal encodes a method payload into Frame.Data.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes Frame.Data into v.
	Unmarshal(data []byte, v any) error

	// MessageType is the WebSocket message type frames are sent as.
	MessageType() int

	// Name returns the codec identifier used during negotiation.
	Name() string
}

// CodecName constants for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names fall back to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// ValidCodec reports whether name is a codec GetCodec knows.
func ValidCodec(name string) bool {
	return name == CodecNameJSON || name == CodecNameMsgpack
}

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *JSONCodec) MessageType() int { return websocket.TextMessage }

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes frames as MessagePack binary messages.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (c *MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
