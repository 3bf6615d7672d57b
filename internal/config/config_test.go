package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "6001", cfg.Server.Port)
	assert.Equal(t, "local", cfg.Adapter.Driver)
	assert.Equal(t, "array", cfg.AppManager.Driver)
	assert.False(t, cfg.Webhooks.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigBuildsDefaultApp(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.AppManager.Apps, 1)
	app := cfg.AppManager.Apps[0]
	assert.Equal(t, "app-id", app.ID)
	assert.Equal(t, "app-key", app.Key)
	assert.True(t, app.Enabled)
}

func TestLoadConfigIsSingleton(t *testing.T) {
	first, err := LoadConfig()
	require.NoError(t, err)
	second, err := LoadConfig()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadAppsParsesJSONList(t *testing.T) {
	viper.Set("SOKETI_APPS", `[
		{"id":"1","key":"key-1","secret":"secret-1","enabled":true},
		{"id":"2","key":"key-2","secret":"secret-2","enabled":false},
		{"id":"3","key":"key-3","secret":"secret-3"}
	]`)
	defer viper.Set("SOKETI_APPS", "")

	configured, err := loadApps()
	require.NoError(t, err)
	require.Len(t, configured, 3)
	assert.Equal(t, "key-1", configured[0].Key)
	assert.False(t, configured[1].Enabled)
	assert.True(t, configured[2].Enabled, "enabled defaults to true when omitted")
}

func TestLoadAppsRejectsMalformedJSON(t *testing.T) {
	viper.Set("SOKETI_APPS", "not json")
	defer viper.Set("SOKETI_APPS", "")

	_, err := loadApps()
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
	assert.Equal(t, []string{"broker-1:9092"}, splitList("broker-1:9092"))
	assert.Empty(t, splitList(""))
	assert.Empty(t, splitList(" , "))
}
