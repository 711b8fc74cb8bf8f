package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/eps3/xspider/internal/domain"
)

// CodeFor maps a broker-side error to its wire code.
func CodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownQueue):
		return ErrCodeUnknownQueue
	case errors.Is(err, domain.ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, domain.ErrQueueClosed), errors.Is(err, context.Canceled):
		return ErrCodeGone
	default:
		return ErrCodeInternal
	}
}

// Err maps an error detail back to the matching domain error so callers can use errors.Is.
func (e *ErrorDetail) Err() error {
	switch e.Code {
	case ErrCodeUnknownQueue:
		return fmt.Errorf("%w: %s", domain.ErrUnknownQueue, e.Message)
	case ErrCodeUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, e.Message)
	case ErrCodeGone:
		return fmt.Errorf("%w: %s", domain.ErrQueueClosed, e.Message)
	default:
		return fmt.Errorf("broker error %d: %s", e.Code, e.Message)
	}
}
