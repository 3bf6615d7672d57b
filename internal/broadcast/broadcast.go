// Package broadcast fans published events out to every subscriber of a
// channel: synchronously to connections on this node, and through the
// inter-process bus to every other node.
//
// The dedup invariant: only the originating node delivers locally at
// publish time, and every node drops bus envelopes carrying its own
// origin id. A single logical publish therefore reaches each connection
// at most once no matter how often the bus redelivers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ollivr/soketi/internal/adapters/bus"
)

// ErrBusUnavailable marks a fan-out failure on the inter-process bus.
// Local delivery has already happened when it occurs; it is logged, never
// surfaced to publishers.
var ErrBusUnavailable = errors.New("broadcast bus unavailable")

// LocalFanout delivers a payload to this node's subscribers of a channel
// and reports how many deliveries were attempted. Implemented by the
// channel manager.
type LocalFanout interface {
	DeliverLocal(appID, channel string, payload []byte, excludeSocketID string) int
}

// Envelope is the wire format carried on the bus.
type Envelope struct {
	Origin  string          `json:"origin"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Broadcaster struct {
	originID string
	bus      bus.Bus
	local    LocalFanout
}

// NewBroadcaster builds a broadcaster identified by originID on the bus.
// An empty originID gets a fresh UUID.
func NewBroadcaster(originID string, b bus.Bus) *Broadcaster {
	if originID == "" {
		originID = uuid.New().String()
	}
	return &Broadcaster{
		originID: originID,
		bus:      b,
	}
}

// OriginID identifies this node in bus envelopes.
func (b *Broadcaster) OriginID() string {
	return b.originID
}

// Bind attaches the local fan-out target. Called once during wiring,
// before Start.
func (b *Broadcaster) Bind(local LocalFanout) {
	b.local = local
}

// Start subscribes to the bus so remote publishes reach local connections.
func (b *Broadcaster) Start(ctx context.Context) error {
	return b.bus.Subscribe(ctx, b.handleRemote)
}

// Publish delivers payload to local subscribers of the channel and
// announces it on the bus for other nodes. Returns the local
// attempted-delivery count. Bus failure degrades to local-only delivery.
func (b *Broadcaster) Publish(ctx context.Context, appID, channel string, payload []byte, excludeSocketID string) int {
	count := b.local.DeliverLocal(appID, channel, payload, excludeSocketID)

	env, err := json.Marshal(Envelope{
		Origin:  b.originID,
		AppID:   appID,
		Channel: channel,
		Exclude: excludeSocketID,
		Payload: payload,
	})
	if err != nil {
		slog.Error("Failed to marshal broadcast envelope", "appID", appID, "channel", channel, "error", err)
		return count
	}

	if err := b.bus.Publish(ctx, appID+":"+channel, env); err != nil {
		slog.Warn("Broadcast degraded to local-only delivery",
			"appID", appID, "channel", channel, "error", errors.Join(ErrBusUnavailable, err))
	}
	return count
}

// handleRemote delivers a bus envelope from another node to local
// subscribers. Own-origin envelopes are dropped and nothing is ever
// re-published, so relays cannot loop.
func (b *Broadcaster) handleRemote(topic string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Error("Dropping malformed bus envelope", "topic", topic, "error", err)
		return
	}
	if env.Origin == b.originID {
		return
	}
	b.local.DeliverLocal(env.AppID, env.Channel, env.Payload, env.Exclude)
}
