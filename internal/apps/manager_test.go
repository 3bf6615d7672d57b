package apps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApps() []App {
	return []App{
		{ID: "1", Key: "key-1", Secret: "secret-1", Enabled: true, MaxConnections: 10},
		{ID: "2", Key: "key-2", Secret: "secret-2", Enabled: true},
	}
}

func TestArrayAppManagerFindByID(t *testing.T) {
	m := NewArrayAppManager(testApps())

	app, err := m.FindByID(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", app.Key)
	assert.Equal(t, 10, app.MaxConnections)
}

func TestArrayAppManagerFindByKey(t *testing.T) {
	m := NewArrayAppManager(testApps())

	app, err := m.FindByKey(context.Background(), "key-2")
	require.NoError(t, err)
	assert.Equal(t, "2", app.ID)
}

func TestArrayAppManagerNotFound(t *testing.T) {
	m := NewArrayAppManager(testApps())

	_, err := m.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAppNotFound)

	_, err = m.FindByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestArrayAppManagerAppliesDefaults(t *testing.T) {
	m := NewArrayAppManager(testApps())

	app, err := m.FindByID(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxChannelNameLength, app.MaxChannelNameLength)
	assert.Equal(t, DefaultMaxEventPayloadKB, app.MaxEventPayloadKB)
	assert.Equal(t, DefaultMaxEventChannelsAtOnce, app.MaxEventChannelsAtOnce)
}

func TestAppUnmarshalDefaultsEnabled(t *testing.T) {
	var app App
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","key":"k","secret":"s","max_connections":100}`), &app))
	assert.True(t, app.Enabled, "an app configured without the enabled field must be usable")
	assert.Equal(t, 100, app.MaxConnections)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"2","key":"k2","secret":"s","enabled":false}`), &app))
	assert.False(t, app.Enabled)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"3","key":"k3","secret":"s","enabled":true}`), &app))
	assert.True(t, app.Enabled)
}

func TestNewAppManagerSelectsDriver(t *testing.T) {
	m, err := NewAppManager(DriverArray, testApps(), nil)
	require.NoError(t, err)
	assert.IsType(t, &ArrayAppManager{}, m)

	_, err = NewAppManager(DriverGorm, nil, nil)
	assert.Error(t, err, "gorm driver without a database must fail")

	_, err = NewAppManager("bogus", nil, nil)
	assert.Error(t, err)
}

func TestWebhookWantsEvent(t *testing.T) {
	all := Webhook{URL: "https://example.test/hooks"}
	assert.True(t, all.WantsEvent("channel_occupied"))

	scoped := Webhook{URL: "https://example.test/hooks", EventTypes: []string{"member_added"}}
	assert.True(t, scoped.WantsEvent("member_added"))
	assert.False(t, scoped.WantsEvent("channel_occupied"))
}
