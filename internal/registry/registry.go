// Package registry owns the set of live connections per app: admission
// against the app's quota, socket id allocation, frame routing, delivery,
// and teardown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/channels"
	"github.com/ollivr/soketi/internal/protocol"
)

var (
	// ErrOverQuota rejects a connect once the app's live connection count
	// has reached its configured limit.
	ErrOverQuota = errors.New("app is over its connection quota")

	// ErrAppDisabled rejects connects to an app that has been switched off.
	ErrAppDisabled = errors.New("app is disabled")

	// ErrTransportClosed marks delivery to a connection that no longer
	// exists. The fan-out path drops these silently.
	ErrTransportClosed = errors.New("transport closed")
)

// appConnections holds one app's live connections behind its own lock.
// Quota checks and registration happen under this lock so concurrent
// connects can never admit more than the limit. A bucket whose last
// connection goes is evicted from the registry; evicted marks it dead so
// a connect racing the eviction re-fetches instead of registering into an
// orphan.
type appConnections struct {
	mu      sync.RWMutex
	conns   map[string]*Connection // socket id -> connection
	evicted bool
}

// Registry tracks every live connection on this node.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*appConnections // app id -> connections

	appManager apps.AppManager
	channels   *channels.Manager
}

func NewRegistry(appManager apps.AppManager, channelManager *channels.Manager) *Registry {
	return &Registry{
		apps:       make(map[string]*appConnections),
		appManager: appManager,
		channels:   channelManager,
	}
}

func (r *Registry) appBucket(appID string) *appConnections {
	r.mu.RLock()
	b, ok := r.apps[appID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.apps[appID]; ok {
		return b
	}
	b = &appConnections{conns: make(map[string]*Connection)}
	r.apps[appID] = b
	return b
}

// lookupBucket returns the app's bucket without creating one. Read paths
// use it so an app with no connections leaves no trace in the registry.
func (r *Registry) lookupBucket(appID string) *appConnections {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apps[appID]
}

// evictBucketIfEmpty removes an app's bucket once its last connection is
// gone, so a long-lived process does not accumulate an entry per app ever
// seen. Lock order is registry then bucket, same as appBucket.
func (r *Registry) evictBucketIfEmpty(appID string, bucket *appConnections) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if len(bucket.conns) == 0 && r.apps[appID] == bucket {
		bucket.evicted = true
		delete(r.apps, appID)
	}
}

// Connect resolves the app by key, enforces its connection quota and
// registers a new connection over the given transport. On success the
// connection has already been handed its pusher:connection_established
// frame; the caller runs it with Serve.
func (r *Registry) Connect(ctx context.Context, appKey string, transport Transport) (*Connection, error) {
	app, err := r.appManager.FindByKey(ctx, appKey)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve app: %w", err)
	}
	if !app.Enabled {
		return nil, ErrAppDisabled
	}

	bucket := r.appBucket(app.ID)
	bucket.mu.Lock()
	for bucket.evicted {
		bucket.mu.Unlock()
		bucket = r.appBucket(app.ID)
		bucket.mu.Lock()
	}
	if app.MaxConnections > 0 && len(bucket.conns) >= app.MaxConnections {
		bucket.mu.Unlock()
		return nil, ErrOverQuota
	}

	socketID := protocol.GenerateSocketID()
	for _, taken := bucket.conns[socketID]; taken; _, taken = bucket.conns[socketID] {
		socketID = protocol.GenerateSocketID()
	}

	conn := newConnection(r, app, socketID, transport)
	bucket.conns[socketID] = conn
	bucket.mu.Unlock()

	conn.sendFrame(protocol.NewConnectionEstablished(socketID))
	slog.Info("Connection established", "appID", app.ID, "socketID", socketID)
	return conn, nil
}

// Disconnect tears a connection down: every subscribed channel is left,
// the connection record is removed and the transport closed. Idempotent,
// and safe to call concurrently with in-flight deliveries; an unknown
// socket id is a no-op.
func (r *Registry) Disconnect(appID, socketID string) {
	bucket := r.lookupBucket(appID)
	if bucket == nil {
		return
	}
	bucket.mu.Lock()
	conn, ok := bucket.conns[socketID]
	if ok {
		delete(bucket.conns, socketID)
	}
	empty := len(bucket.conns) == 0
	bucket.mu.Unlock()
	if !ok {
		return
	}
	if empty {
		r.evictBucketIfEmpty(appID, bucket)
	}
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}

	for _, channel := range conn.Subscriptions() {
		r.channels.Leave(conn.ctx, conn, channel)
	}

	conn.cancel()
	conn.transport.Close()
	slog.Info("Connection closed", "appID", appID, "socketID", socketID)
}

// Deliver pushes a payload onto a connection's bounded send queue. A
// vanished connection returns ErrTransportClosed; a full queue evicts the
// slow consumer and reports the delivery as dropped.
func (r *Registry) Deliver(appID, socketID string, payload []byte) error {
	bucket := r.lookupBucket(appID)
	if bucket == nil {
		return ErrTransportClosed
	}
	bucket.mu.RLock()
	conn, ok := bucket.conns[socketID]
	bucket.mu.RUnlock()
	if !ok {
		return ErrTransportClosed
	}

	err := conn.enqueue(payload)
	if errors.Is(err, errSendQueueFull) {
		slog.Warn("Evicting slow consumer", "appID", appID, "socketID", socketID)
		go r.Disconnect(appID, socketID)
		return ErrTransportClosed
	}
	return err
}

// ConnectionCount reports the app's live connections on this node.
func (r *Registry) ConnectionCount(appID string) int {
	bucket := r.lookupBucket(appID)
	if bucket == nil {
		return 0
	}
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	return len(bucket.conns)
}

// Shutdown disconnects every connection, app by app.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	appIDs := make([]string, 0, len(r.apps))
	for id := range r.apps {
		appIDs = append(appIDs, id)
	}
	r.mu.RUnlock()

	for _, appID := range appIDs {
		bucket := r.lookupBucket(appID)
		if bucket == nil {
			continue
		}
		bucket.mu.RLock()
		socketIDs := make([]string, 0, len(bucket.conns))
		for id := range bucket.conns {
			socketIDs = append(socketIDs, id)
		}
		bucket.mu.RUnlock()
		for _, socketID := range socketIDs {
			r.Disconnect(appID, socketID)
		}
	}
}
