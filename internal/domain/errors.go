package domain

import "errors"

var (
	// ErrUnknownQueue is returned when a name does not resolve to a registered queue.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrReservedQueue is returned when registering the control queue name explicitly.
	ErrReservedQueue = errors.New("queue name is reserved")

	// ErrUnauthorized is returned when the shared secret does not match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQueueClosed is returned by operations on a queue whose broker has terminated.
	ErrQueueClosed = errors.New("queue closed")

	// ErrBrokerStarted is returned when the registry is modified after Start.
	ErrBrokerStarted = errors.New("broker already started")

	// ErrConnectionClosed is returned for in-flight calls when the broker connection drops.
	ErrConnectionClosed = errors.New("connection closed")
)
