package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries session traffic over Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, data []byte) error {
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe waits for the server to confirm the subscription before returning,
// so no message published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func(data []byte)) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
	}()
	return redisSubscription{ps}, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSubscription struct {
	ps *redis.PubSub
}

func (s redisSubscription) Unsubscribe() error {
	return s.ps.Close()
}
