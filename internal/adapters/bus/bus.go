// Package bus provides the inter-process transport used to fan events out
// across server nodes. The broadcaster layers its own origin-based
// deduplication on top, so implementations only need at-least-once
// delivery and may redeliver under failure.
package bus

import "context"

// Handler receives a message published on a topic by any node, including
// this one.
type Handler func(topic string, payload []byte)

// Bus is a publish/subscribe transport between server nodes. Topics are
// derived from app id and channel name by the caller.
type Bus interface {
	// Publish announces payload on topic. Best effort: implementations
	// return an error instead of blocking or retrying indefinitely.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers the handler for every topic. Delivery runs on a
	// bus-owned goroutine until the context is cancelled or the bus closes.
	Subscribe(ctx context.Context, handler Handler) error

	Close() error
}
