package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries events between nodes over Redis pub/sub. Every node
// pattern-subscribes to the keyspace prefix and receives everything,
// including its own publishes; the broadcaster filters those out by
// origin id.
type RedisBus struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
}

// NewRedisBus connects to Redis using a URL of the form
// redis://:password@host:port/db.
func NewRedisBus(redisURL, prefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = "soketi"
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

func (b *RedisBus) topicKey(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.topicKey(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	b.pubsub = b.client.PSubscribe(ctx, b.prefix+":*")

	// Force the subscription to be established before returning so no
	// publish from another node can slip past startup.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := b.pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				topic := strings.TrimPrefix(msg.Channel, b.prefix+":")
				handler(topic, []byte(msg.Payload))
			case <-ctx.Done():
				slog.Debug("Redis bus subscription stopped")
				return
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return b.client.Close()
}
