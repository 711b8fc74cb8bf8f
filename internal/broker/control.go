package broker

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/eps3/xspider/internal/domain"
)

// errClass tells the control loop whether a read error ends the broker.
type errClass int

const (
	errRecoverable errClass = iota
	errFatal
)

// classifyControlErr treats cancellation of the broker's own context as fatal.
// Everything else, including repeated failures, is recoverable.
func classifyControlErr(ctx context.Context, err error) errClass {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errFatal
	}
	return errRecoverable
}

// controlLoop blocks on the control queue until the shutdown sentinel is read.
// Recoverable errors are logged and the loop keeps reading without backoff.
func (b *Broker) controlLoop(ctx context.Context) error {
	for {
		msg, err := b.control.Get(ctx)
		if err != nil {
			if classifyControlErr(ctx, err) == errFatal {
				b.logger.Warn("Control loop stopped", "error", err)
				return err
			}
			b.logger.Error("Reading control queue failed", "error", err)
			continue
		}

		b.logger.Info("Control message received", "message", string(msg))
		if msg.IsShutdown() {
			return nil
		}
	}
}

// drain polls every non-control queue on a fixed interval until a single pass
// finds them all empty. There is no upper bound on how long this takes.
func (b *Broker) drain(ctx context.Context) error {
	b.setState(domain.StateDraining)

	names := b.registry.Drainable()
	ticker := time.NewTicker(b.drainInterval)
	defer ticker.Stop()

	for {
		pending := lo.Filter(names, func(name string, _ int) bool {
			q, err := b.registry.Lookup(name)
			return err == nil && !q.Empty()
		})
		if len(pending) == 0 {
			b.logger.Info("All queues drained", "queues", names)
			return nil
		}

		b.logger.Debug("Waiting for queues to drain", "pending", pending)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
