package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/auth"
	"github.com/ollivr/soketi/internal/channels"
	"github.com/ollivr/soketi/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame from the peer before the
	// connection is considered dead. Clients ping within the activity
	// timeout they are told at handshake.
	pongWait = (protocol.ActivityTimeout + 10) * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue bound per connection. A connection that falls this
	// far behind is evicted rather than allowed to grow memory.
	sendQueueSize = 256
)

// Transport is the wire the connection reads frames from and writes frames
// to. *websocket.Conn satisfies it; tests substitute an in-memory fake.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Connection is one live client connection. It belongs to exactly one app
// for its whole lifetime and processes inbound frames on its own
// goroutine.
type Connection struct {
	socketID  string
	app       *apps.App
	transport Transport
	registry  *Registry

	send chan []byte

	// Channel names this connection is subscribed to; mirrored by the
	// channel manager's subscriber sets and used for disconnect cleanup.
	mu            sync.RWMutex
	subscriptions map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newConnection(registry *Registry, app *apps.App, socketID string, transport Transport) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		socketID:      socketID,
		app:           app,
		transport:     transport,
		registry:      registry,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SocketID implements channels.Subscriber.
func (c *Connection) SocketID() string {
	return c.socketID
}

// App implements channels.Subscriber.
func (c *Connection) App() *apps.App {
	return c.app
}

func (c *Connection) addSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

func (c *Connection) removeSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions snapshots the channel names this connection holds.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		names = append(names, name)
	}
	return names
}

// enqueue places a payload on the outbound queue without blocking. A full
// queue marks the consumer as too slow and the caller evicts it.
var errSendQueueFull = errors.New("send queue full")

func (c *Connection) enqueue(payload []byte) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

// sendFrame is for protocol replies generated on the connection's own read
// goroutine.
func (c *Connection) sendFrame(frame *protocol.Frame) {
	if err := c.enqueue(frame.Marshal()); err != nil {
		slog.Debug("Dropped protocol frame", "socketID", c.socketID, "error", err)
	}
}

func (c *Connection) sendError(code int, message string) {
	c.sendFrame(protocol.NewError(code, message))
}

// Serve runs the connection: the write pump on its own goroutine, the
// read pump on the calling goroutine. Returns when the peer goes away or
// the connection is disconnected; cleanup has completed by then.
func (c *Connection) Serve() {
	go c.writePump()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.registry.Disconnect(c.app.ID, c.socketID)

	c.transport.SetReadLimit(int64(c.app.MaxEventPayloadKB)*1024 + 4096)
	c.transport.SetReadDeadline(time.Now().Add(pongWait))
	c.transport.SetPongHandler(func(string) error {
		c.transport.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("WebSocket read error", "socketID", c.socketID, "error", err)
			}
			return
		}
		c.transport.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Debug("Dropping malformed frame", "socketID", c.socketID, "error", err)
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Connection) handleFrame(frame *protocol.Frame) {
	switch {
	case frame.Event == protocol.EventPing:
		c.sendFrame(protocol.NewPong())

	case frame.Event == protocol.EventSubscribe:
		var payload protocol.SubscribePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			c.sendError(protocol.CodeUnauthorized, "malformed subscribe payload")
			return
		}
		c.handleSubscribe(&payload)

	case frame.Event == protocol.EventUnsubscribe:
		var payload protocol.UnsubscribePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return
		}
		c.registry.channels.Leave(c.ctx, c, payload.Channel)
		c.removeSubscription(payload.Channel)

	case protocol.IsClientEvent(frame.Event):
		err := c.registry.channels.ClientEvent(c.ctx, c, frame.Channel, frame.Event, frame.Data)
		if err != nil {
			c.sendError(protocol.CodeClientEventRejected, err.Error())
		}

	default:
		slog.Debug("Ignoring unknown event", "socketID", c.socketID, "event", frame.Event)
	}
}

func (c *Connection) handleSubscribe(payload *protocol.SubscribePayload) {
	result, err := c.registry.channels.Join(c.ctx, c, payload.Channel, payload.Auth, payload.ChannelData)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidSignature):
			c.sendError(protocol.CodeUnauthorized, "invalid signature for "+payload.Channel)
		case errors.Is(err, channels.ErrInvalidChannelName),
			errors.Is(err, channels.ErrMissingUserID),
			errors.Is(err, channels.ErrOverPresenceCapacity):
			c.sendError(protocol.CodeUnauthorized, err.Error())
		default:
			c.sendError(protocol.CodeUnauthorized, "subscription failed")
		}
		return
	}

	c.addSubscription(payload.Channel)
	// A typed nil would defeat the interface nil check downstream.
	var presence any
	if result.Presence != nil {
		presence = result.Presence
	}
	c.sendFrame(protocol.NewSubscriptionSucceeded(payload.Channel, presence))
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.transport.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.transport.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("WebSocket write failed", "socketID", c.socketID, "error", err)
				return
			}

		case <-ticker.C:
			c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
