package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eps3/xspider/internal/domain"
)

// DefaultChannel is the pub/sub channel lifecycle events go to.
const DefaultChannel = "xspider:events"

// RedisPublisher implements domain.EventPublisher using Redis Pub/Sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// Ensure RedisPublisher satisfies the interface
var _ domain.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects to Redis at addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{
		client:  rdb,
		channel: channel,
	}, nil
}

// Publish broadcasts evt on the configured channel.
func (r *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe streams events from the channel until ctx ends.
func (r *RedisPublisher) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.Event)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				evt, err := Decode([]byte(msg.Payload))
				if err != nil {
					slog.Error("Failed to unmarshal event", "error", err)
					continue
				}

				select {
				case outCh <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Close releases the Redis connection pool.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

// Decode parses one published event.
func Decode(data []byte) (domain.Event, error) {
	var evt domain.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}
