package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis relays messages over a Redis Pub/Sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to addr and verifies the server answers a PING.
func NewRedis(ctx context.Context, addr, password string, db int, channel string) (*Redis, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, channel: channel}, nil
}

// NewRedisFromClient wraps an existing client without probing it.
func NewRedisFromClient(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", r.channel)
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
