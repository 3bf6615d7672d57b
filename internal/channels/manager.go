package channels

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/auth"
	"github.com/ollivr/soketi/internal/protocol"
)

var (
	// ErrClientEventsDisabled rejects client events on apps that did not
	// opt in to client-to-client messaging.
	ErrClientEventsDisabled = errors.New("client events are not enabled for this app")

	// ErrClientEventOnPublicChannel rejects client events outside private
	// and presence channels.
	ErrClientEventOnPublicChannel = errors.New("client events are only allowed on private and presence channels")

	// ErrNotSubscribed rejects a client event sent to a channel the
	// connection has not joined.
	ErrNotSubscribed = errors.New("connection is not subscribed to this channel")
)

// Subscriber is the view of a connection the channel layer needs.
// Implemented by registry.Connection.
type Subscriber interface {
	SocketID() string
	App() *apps.App
}

// Deliverer pushes a payload onto one local connection's send queue.
// Implemented by the connection registry. Delivery to a vanished
// connection returns an error that the fan-out path swallows.
type Deliverer interface {
	Deliver(appID, socketID string, payload []byte) error
}

// Publisher fans a payload out locally and across nodes. Implemented by
// broadcast.Broadcaster.
type Publisher interface {
	Publish(ctx context.Context, appID, channel string, payload []byte, excludeSocketID string) int
}

// WebhookSender receives channel lifecycle notifications. Optional; a nil
// sender disables webhooks.
type WebhookSender interface {
	ChannelOccupied(app *apps.App, channel string)
	ChannelVacated(app *apps.App, channel string)
	MemberAdded(app *apps.App, channel, userID string)
	MemberRemoved(app *apps.App, channel, userID string)
	ClientEvent(app *apps.App, channel, event string, data json.RawMessage, socketID string)
}

// JoinResult is returned from a successful subscribe. Presence carries the
// roster for presence channels and is nil otherwise.
type JoinResult struct {
	Type     ChannelType
	Presence *PresenceData
}

// ChannelSummary is the per-channel view exposed over the HTTP API.
type ChannelSummary struct {
	SubscriptionCount int
	UserCount         int // presence channels only
}

// appShard holds one app's channels behind its own lock, so contention on
// one tenant never slows another. A shard with no channels left is evicted
// from the manager; evicted marks it dead so a join racing the eviction
// re-fetches instead of populating an orphan.
type appShard struct {
	mu       sync.RWMutex
	channels map[string]*channel
	evicted  bool
}

// Manager owns subscription state for every app on this node.
type Manager struct {
	mu     sync.RWMutex
	shards map[string]*appShard

	deliverer Deliverer
	publisher Publisher
	webhooks  WebhookSender
}

func NewManager(publisher Publisher, webhooks WebhookSender) *Manager {
	return &Manager{
		shards:    make(map[string]*appShard),
		publisher: publisher,
		webhooks:  webhooks,
	}
}

// SetDeliverer wires the connection registry in after construction; the
// registry itself depends on the manager for disconnect cleanup.
func (m *Manager) SetDeliverer(d Deliverer) {
	m.deliverer = d
}

func (m *Manager) shard(appID string) *appShard {
	m.mu.RLock()
	s, ok := m.shards[appID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.shards[appID]; ok {
		return s
	}
	s = &appShard{channels: make(map[string]*channel)}
	m.shards[appID] = s
	return s
}

// lookupShard returns the app's shard without creating one. Read paths and
// Leave use it so an app with no channels leaves no trace.
func (m *Manager) lookupShard(appID string) *appShard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[appID]
}

// evictShardIfEmpty drops an app's shard once its last channel is gone,
// mirroring the channel eviction one level up. Lock order is manager then
// shard, same as shard().
func (m *Manager) evictShardIfEmpty(appID string, s *appShard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 && m.shards[appID] == s {
		s.evicted = true
		delete(m.shards, appID)
	}
}

// Join subscribes a connection to a channel. Re-subscribing an already
// subscribed connection succeeds without duplicating state. For private
// and presence channels the auth token is verified before any state
// changes; a bad signature leaves the channel untouched.
func (m *Manager) Join(ctx context.Context, conn Subscriber, channelName, authToken, channelData string) (*JoinResult, error) {
	app := conn.App()
	if err := ValidateName(channelName, app.MaxChannelNameLength); err != nil {
		return nil, err
	}
	channelType := TypeOf(channelName)

	if channelType.RequiresAuth() {
		if err := auth.VerifyChannelAuth(app.Key, app.Secret, conn.SocketID(), channelName, channelData, authToken); err != nil {
			return nil, err
		}
	}

	var member ChannelData
	if channelType == ChannelTypePresence {
		if err := json.Unmarshal([]byte(channelData), &member); err != nil {
			return nil, ErrMissingUserID
		}
		if member.UserID == "" {
			return nil, ErrMissingUserID
		}
	}

	shard := m.shard(app.ID)
	shard.mu.Lock()
	for shard.evicted {
		shard.mu.Unlock()
		shard = m.shard(app.ID)
		shard.mu.Lock()
	}

	ch, occupied := shard.channels[channelName]
	if !occupied {
		ch = newChannel(channelName)
		shard.channels[channelName] = ch
	}

	memberAdded := false
	if channelType == ChannelTypePresence {
		added, err := ch.presence.join(conn.SocketID(), member.UserID, member.UserInfo, app.MaxPresenceMembersPerChannel)
		if err != nil {
			if !occupied {
				delete(shard.channels, channelName)
			}
			shardEmpty := len(shard.channels) == 0
			shard.mu.Unlock()
			if shardEmpty {
				m.evictShardIfEmpty(app.ID, shard)
			}
			return nil, err
		}
		memberAdded = added
	}

	ch.subscribers[conn.SocketID()] = struct{}{}

	result := &JoinResult{Type: channelType}
	if channelType == ChannelTypePresence {
		result.Presence = ch.presence.snapshot()
	}
	shard.mu.Unlock()

	if !occupied && m.webhooks != nil {
		m.webhooks.ChannelOccupied(app, channelName)
	}
	if memberAdded {
		// Announced to every subscriber, the joiner included.
		frame := protocol.NewMemberAdded(channelName, member.UserID, member.UserInfo)
		m.publisher.Publish(ctx, app.ID, channelName, frame.Marshal(), "")
		if m.webhooks != nil {
			m.webhooks.MemberAdded(app, channelName, member.UserID)
		}
	}
	return result, nil
}

// Leave removes a connection from a channel. Idempotent: leaving a channel
// the connection never joined is a no-op. The last subscriber leaving
// evicts the channel from memory; the last connection of a presence user
// leaving announces the member's departure exactly once.
func (m *Manager) Leave(ctx context.Context, conn Subscriber, channelName string) {
	app := conn.App()
	shard := m.lookupShard(app.ID)
	if shard == nil {
		return
	}
	shard.mu.Lock()

	ch, ok := shard.channels[channelName]
	if !ok {
		shard.mu.Unlock()
		return
	}
	if _, subscribed := ch.subscribers[conn.SocketID()]; !subscribed {
		shard.mu.Unlock()
		return
	}
	delete(ch.subscribers, conn.SocketID())

	removedUserID := ""
	if ch.presence != nil {
		if userID, removed := ch.presence.leave(conn.SocketID()); removed {
			removedUserID = userID
		}
	}

	vacated := len(ch.subscribers) == 0
	if vacated {
		delete(shard.channels, channelName)
	}
	shardEmpty := len(shard.channels) == 0
	shard.mu.Unlock()

	if shardEmpty {
		m.evictShardIfEmpty(app.ID, shard)
	}

	if removedUserID != "" {
		frame := protocol.NewMemberRemoved(channelName, removedUserID)
		m.publisher.Publish(ctx, app.ID, channelName, frame.Marshal(), "")
		if m.webhooks != nil {
			m.webhooks.MemberRemoved(app, channelName, removedUserID)
		}
	}
	if vacated && m.webhooks != nil {
		m.webhooks.ChannelVacated(app, channelName)
	}
}

// Publish sends a named event to every subscriber of a channel, here and
// on other nodes. Returns the number of local deliveries attempted; a
// channel with no subscribers yields zero and no error.
func (m *Manager) Publish(ctx context.Context, app *apps.App, channelName, eventName string, data json.RawMessage, excludeSocketID string) int {
	frame := protocol.NewEvent(channelName, eventName, data)
	return m.publisher.Publish(ctx, app.ID, channelName, frame.Marshal(), excludeSocketID)
}

// ClientEvent relays a client-originated event to the channel's other
// subscribers. The sender never receives its own event back.
func (m *Manager) ClientEvent(ctx context.Context, conn Subscriber, channelName, eventName string, data json.RawMessage) error {
	app := conn.App()
	if !app.EnableClientMessages {
		return ErrClientEventsDisabled
	}
	if !TypeOf(channelName).RequiresAuth() {
		return ErrClientEventOnPublicChannel
	}
	if !m.isSubscribed(app.ID, channelName, conn.SocketID()) {
		return ErrNotSubscribed
	}

	m.Publish(ctx, app, channelName, eventName, data, conn.SocketID())
	if m.webhooks != nil {
		m.webhooks.ClientEvent(app, channelName, eventName, data, conn.SocketID())
	}
	return nil
}

// DeliverLocal pushes a payload to this node's subscribers of a channel.
// Implements broadcast.LocalFanout. Deliveries to connections that
// vanished mid-flight are dropped silently.
func (m *Manager) DeliverLocal(appID, channelName string, payload []byte, excludeSocketID string) int {
	shard := m.lookupShard(appID)
	if shard == nil {
		return 0
	}
	shard.mu.RLock()
	ch, ok := shard.channels[channelName]
	if !ok {
		shard.mu.RUnlock()
		return 0
	}
	targets := ch.snapshotSubscribers()
	shard.mu.RUnlock()

	delivered := 0
	for _, socketID := range targets {
		if socketID == excludeSocketID {
			continue
		}
		if err := m.deliverer.Deliver(appID, socketID, payload); err != nil {
			slog.Debug("Dropped delivery to vanished connection",
				"appID", appID, "channel", channelName, "socketID", socketID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (m *Manager) isSubscribed(appID, channelName, socketID string) bool {
	shard := m.lookupShard(appID)
	if shard == nil {
		return false
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.channels[channelName]
	if !ok {
		return false
	}
	_, subscribed := ch.subscribers[socketID]
	return subscribed
}

// Members returns the presence roster of a channel, or nil for absent or
// non-presence channels.
func (m *Manager) Members(appID, channelName string) *PresenceData {
	shard := m.lookupShard(appID)
	if shard == nil {
		return nil
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.channels[channelName]
	if !ok || ch.presence == nil {
		return nil
	}
	return ch.presence.snapshot()
}

// Channels lists this node's occupied channels for an app, optionally
// filtered by name prefix.
func (m *Manager) Channels(appID, prefix string) map[string]ChannelSummary {
	result := make(map[string]ChannelSummary)
	shard := m.lookupShard(appID)
	if shard == nil {
		return result
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	for name, ch := range shard.channels {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		summary := ChannelSummary{SubscriptionCount: len(ch.subscribers)}
		if ch.presence != nil {
			summary.UserCount = len(ch.presence.members)
		}
		result[name] = summary
	}
	return result
}

// ChannelInfo returns occupancy details for one channel. ok is false when
// the channel is absent.
func (m *Manager) ChannelInfo(appID, channelName string) (ChannelSummary, bool) {
	shard := m.lookupShard(appID)
	if shard == nil {
		return ChannelSummary{}, false
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, found := shard.channels[channelName]
	if !found {
		return ChannelSummary{}, false
	}
	summary := ChannelSummary{SubscriptionCount: len(ch.subscribers)}
	if ch.presence != nil {
		summary.UserCount = len(ch.presence.members)
	}
	return summary, true
}
