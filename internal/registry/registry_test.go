package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/auth"
	"github.com/ollivr/soketi/internal/channels"
	"github.com/ollivr/soketi/internal/protocol"
)

// fakeTransport is an in-memory Transport. Tests feed inbound frames
// through push and read what the connection wrote back.
type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) push(frame *protocol.Frame) {
	t.inbound <- frame.Marshal()
}

func (t *fakeTransport) pushRaw(data []byte) {
	t.inbound <- data
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-t.inbound:
		return websocket.TextMessage, msg, nil
	case <-t.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, data)
	return nil
}

func (t *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (t *fakeTransport) SetReadLimit(int64)               {}
func (t *fakeTransport) SetPongHandler(func(string) error) {}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// writtenFrames decodes everything the connection sent so far.
func (t *fakeTransport) writtenFrames(tb testing.TB) []protocol.Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([]protocol.Frame, 0, len(t.written))
	for _, raw := range t.written {
		var frame protocol.Frame
		require.NoError(tb, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func (t *fakeTransport) lastEvent(tb testing.TB, event string) (protocol.Frame, bool) {
	tb.Helper()
	frames := t.writtenFrames(tb)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return protocol.Frame{}, false
}

// loopPublisher short-circuits the broadcast layer: publishes fan out to
// local subscribers only, which is all a single-node test needs.
type loopPublisher struct {
	m *channels.Manager
}

func (p *loopPublisher) Publish(_ context.Context, appID, channel string, payload []byte, exclude string) int {
	return p.m.DeliverLocal(appID, channel, payload, exclude)
}

func testRegistry(appList ...apps.App) *Registry {
	if len(appList) == 0 {
		appList = []apps.App{{
			ID:                   "app-1",
			Key:                  "app-key",
			Secret:               "app-secret",
			Enabled:              true,
			MaxConnections:       100,
			EnableClientMessages: true,
		}}
	}
	publisher := &loopPublisher{}
	channelManager := channels.NewManager(publisher, nil)
	publisher.m = channelManager

	registry := NewRegistry(apps.NewArrayAppManager(appList), channelManager)
	channelManager.SetDeliverer(registry)
	return registry
}

// channelAuthFor signs a subscription the way an app's auth endpoint
// would.
func channelAuthFor(conn *Connection, channel string) string {
	app := conn.App()
	return auth.ChannelAuthToken(app.Key, app.Secret, conn.SocketID(), channel, "")
}

// drain pops one frame off the connection's send queue.
func drain(t *testing.T, conn *Connection) protocol.Frame {
	t.Helper()
	select {
	case raw := <-conn.send:
		var frame protocol.Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	default:
		t.Fatal("send queue is empty")
		return protocol.Frame{}
	}
}

func TestConnectEstablishesConnection(t *testing.T) {
	r := testRegistry()
	transport := newFakeTransport()

	conn, err := r.Connect(context.Background(), "app-key", transport)
	require.NoError(t, err)
	assert.Regexp(t, `^\d+\.\d+$`, conn.SocketID())
	assert.Equal(t, 1, r.ConnectionCount("app-1"))

	frame := drain(t, conn)
	assert.Equal(t, protocol.EventConnectionEstablished, frame.Event)
}

func TestConnectWithJSONConfiguredApp(t *testing.T) {
	// Apps usually arrive through the SOKETI_APPS env var, which rarely
	// spells out "enabled": true.
	var configured []apps.App
	require.NoError(t, json.Unmarshal(
		[]byte(`[{"id":"app-1","key":"app-key","secret":"s","max_connections":100}]`), &configured))

	r := testRegistry(configured...)
	_, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)
	assert.Equal(t, 1, r.ConnectionCount("app-1"))
}

func TestConnectUnknownAppKey(t *testing.T) {
	r := testRegistry()

	_, err := r.Connect(context.Background(), "no-such-key", newFakeTransport())
	assert.ErrorIs(t, err, apps.ErrAppNotFound)
}

func TestConnectDisabledApp(t *testing.T) {
	r := testRegistry(apps.App{ID: "app-1", Key: "app-key", Secret: "s", Enabled: false})

	_, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	assert.ErrorIs(t, err, ErrAppDisabled)
}

func TestConnectEnforcesQuota(t *testing.T) {
	r := testRegistry(apps.App{
		ID: "app-1", Key: "app-key", Secret: "s", Enabled: true, MaxConnections: 2,
	})

	_, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)
	_, err = r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)

	_, err = r.Connect(context.Background(), "app-key", newFakeTransport())
	assert.ErrorIs(t, err, ErrOverQuota)
	assert.Equal(t, 2, r.ConnectionCount("app-1"))
}

func TestConcurrentConnectsNeverExceedQuota(t *testing.T) {
	const limit = 10
	r := testRegistry(apps.App{
		ID: "app-1", Key: "app-key", Secret: "s", Enabled: true, MaxConnections: limit,
	})

	var wg sync.WaitGroup
	var admitted, rejected int64
	var mu sync.Mutex
	for i := 0; i < limit*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Connect(context.Background(), "app-key", newFakeTransport())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrOverQuota)
				rejected++
				return
			}
			admitted++
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, admitted)
	assert.EqualValues(t, limit*2, rejected)
	assert.Equal(t, limit, r.ConnectionCount("app-1"))
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	r := testRegistry()
	transport := newFakeTransport()
	conn, err := r.Connect(context.Background(), "app-key", transport)
	require.NoError(t, err)

	_, err = r.channels.Join(conn.ctx, conn, "chat", "", "")
	require.NoError(t, err)
	conn.addSubscription("chat")

	r.Disconnect("app-1", conn.SocketID())

	assert.Equal(t, 0, r.ConnectionCount("app-1"))
	assert.True(t, transport.isClosed())
	_, occupied := r.channels.ChannelInfo("app-1", "chat")
	assert.False(t, occupied, "last subscriber leaving must evict the channel")

	// Idempotent.
	r.Disconnect("app-1", conn.SocketID())
	r.Disconnect("app-1", "999.999")
}

func TestDisconnectEvictsEmptyAppBucket(t *testing.T) {
	r := testRegistry()
	conn, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)

	r.Disconnect("app-1", conn.SocketID())

	r.mu.RLock()
	_, tracked := r.apps["app-1"]
	r.mu.RUnlock()
	assert.False(t, tracked, "last connection leaving must drop the app bucket")

	// The app is still usable afterwards.
	_, err = r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)
	assert.Equal(t, 1, r.ConnectionCount("app-1"))
}

func TestDeliverToUnknownSocket(t *testing.T) {
	r := testRegistry()

	err := r.Deliver("app-1", "999.999", []byte(`{}`))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestDeliverEnqueues(t *testing.T) {
	r := testRegistry()
	conn, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)
	drain(t, conn) // connection_established

	payload := protocol.NewEvent("chat", "greeting", json.RawMessage(`{}`)).Marshal()
	require.NoError(t, r.Deliver("app-1", conn.SocketID(), payload))

	frame := drain(t, conn)
	assert.Equal(t, "greeting", frame.Event)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	r := testRegistry()
	conn, err := r.Connect(context.Background(), "app-key", newFakeTransport())
	require.NoError(t, err)

	// Fill the queue. The connection_established frame already took one
	// slot; stop as soon as enqueue reports the queue full.
	payload := []byte(`{"event":"noise"}`)
	for i := 0; i < sendQueueSize; i++ {
		if conn.enqueue(payload) != nil {
			break
		}
	}

	err = r.Deliver("app-1", conn.SocketID(), payload)
	assert.ErrorIs(t, err, ErrTransportClosed)

	// Eviction runs asynchronously.
	assert.Eventually(t, func() bool {
		return r.ConnectionCount("app-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServeHandlesSubscribeAndPing(t *testing.T) {
	r := testRegistry()
	transport := newFakeTransport()
	conn, err := r.Connect(context.Background(), "app-key", transport)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	transport.push(&protocol.Frame{
		Event: protocol.EventSubscribe,
		Data:  json.RawMessage(`{"channel":"chat"}`),
	})
	require.Eventually(t, func() bool {
		_, ok := transport.lastEvent(t, protocol.EventSubscriptionSucceeded)
		return ok
	}, time.Second, 10*time.Millisecond)

	frame, _ := transport.lastEvent(t, protocol.EventSubscriptionSucceeded)
	assert.Equal(t, "chat", frame.Channel)
	assert.Contains(t, conn.Subscriptions(), "chat")

	transport.push(&protocol.Frame{Event: protocol.EventPing})
	require.Eventually(t, func() bool {
		_, ok := transport.lastEvent(t, protocol.EventPong)
		return ok
	}, time.Second, 10*time.Millisecond)

	transport.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after transport close")
	}
	assert.Equal(t, 0, r.ConnectionCount("app-1"))
}

func TestServeRejectsBadSubscribe(t *testing.T) {
	r := testRegistry()
	transport := newFakeTransport()
	conn, err := r.Connect(context.Background(), "app-key", transport)
	require.NoError(t, err)

	go conn.Serve()
	defer transport.Close()

	// Private channel with a forged token. The subscribe fails but the
	// connection stays up.
	transport.push(&protocol.Frame{
		Event: protocol.EventSubscribe,
		Data:  json.RawMessage(`{"channel":"private-orders","auth":"app-key:forged"}`),
	})

	require.Eventually(t, func() bool {
		_, ok := transport.lastEvent(t, protocol.EventError)
		return ok
	}, time.Second, 10*time.Millisecond)

	frame, _ := transport.lastEvent(t, protocol.EventError)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, protocol.CodeUnauthorized, payload.Code)
	assert.Contains(t, payload.Message, "private-orders")
	assert.Equal(t, 1, r.ConnectionCount("app-1"))
}

func TestServeIgnoresMalformedFrames(t *testing.T) {
	r := testRegistry()
	transport := newFakeTransport()
	conn, err := r.Connect(context.Background(), "app-key", transport)
	require.NoError(t, err)

	go conn.Serve()
	defer transport.Close()

	transport.pushRaw([]byte("not json at all"))
	transport.push(&protocol.Frame{Event: protocol.EventPing})

	require.Eventually(t, func() bool {
		_, ok := transport.lastEvent(t, protocol.EventPong)
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.ConnectionCount("app-1"))
}

func TestClientEventRelayBetweenConnections(t *testing.T) {
	r := testRegistry()

	sender := newFakeTransport()
	receiver := newFakeTransport()
	connA, err := r.Connect(context.Background(), "app-key", sender)
	require.NoError(t, err)
	connB, err := r.Connect(context.Background(), "app-key", receiver)
	require.NoError(t, err)

	go connA.Serve()
	go connB.Serve()
	defer sender.Close()
	defer receiver.Close()

	subscribe := func(transport *fakeTransport, conn *Connection) {
		token := channelAuthFor(conn, "private-room")
		transport.push(&protocol.Frame{
			Event: protocol.EventSubscribe,
			Data:  json.RawMessage(fmt.Sprintf(`{"channel":"private-room","auth":%q}`, token)),
		})
		require.Eventually(t, func() bool {
			_, ok := transport.lastEvent(t, protocol.EventSubscriptionSucceeded)
			return ok
		}, time.Second, 10*time.Millisecond)
	}
	subscribe(sender, connA)
	subscribe(receiver, connB)

	sender.push(&protocol.Frame{
		Event:   "client-typing",
		Channel: "private-room",
		Data:    json.RawMessage(`{"status":"typing"}`),
	})

	require.Eventually(t, func() bool {
		_, ok := receiver.lastEvent(t, "client-typing")
		return ok
	}, time.Second, 10*time.Millisecond)

	// The sender never sees its own event.
	_, echoed := sender.lastEvent(t, "client-typing")
	assert.False(t, echoed)
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	r := testRegistry()
	transports := make([]*fakeTransport, 5)
	for i := range transports {
		transports[i] = newFakeTransport()
		_, err := r.Connect(context.Background(), "app-key", transports[i])
		require.NoError(t, err)
	}

	r.Shutdown()

	assert.Equal(t, 0, r.ConnectionCount("app-1"))
	for _, transport := range transports {
		assert.True(t, transport.isClosed())
	}
}
