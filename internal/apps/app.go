// Package apps resolves tenant applications and their configuration.
// Every connection, channel and event is scoped to one App.
package apps

import "encoding/json"

// Webhook is a single webhook target configured on an app. An empty
// EventTypes list means the target receives every event type.
type Webhook struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

// WantsEvent reports whether the webhook target subscribed to the given
// event type.
func (w Webhook) WantsEvent(eventType string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// App is a tenant: an isolated namespace of channels and connections
// identified by id, key and secret. Apps are immutable once loaded; the
// core holds references and never mutates them.
type App struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`

	// Limits. Zero means unlimited unless noted otherwise.
	MaxConnections               int `json:"max_connections"`
	MaxChannelNameLength         int `json:"max_channel_name_length"`
	MaxEventPayloadKB            int `json:"max_event_payload_kb"`
	MaxEventChannelsAtOnce       int `json:"max_event_channels_at_once"`
	MaxPresenceMembersPerChannel int `json:"max_presence_members_per_channel"`

	// Feature flags
	EnableClientMessages bool `json:"enable_client_messages"`

	Webhooks []Webhook `json:"webhooks"`
}

// UnmarshalJSON defaults Enabled to true when the field is omitted, so a
// configured app is usable without spelling out "enabled": true. Disabling
// an app always takes an explicit false.
func (a *App) UnmarshalJSON(data []byte) error {
	type plain App
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Defaults applied to fields the configuration leaves at zero.
const (
	DefaultMaxChannelNameLength   = 200
	DefaultMaxEventPayloadKB      = 100
	DefaultMaxEventChannelsAtOnce = 100
)

// withDefaults fills unset limits so the rest of the core never has to
// special-case zero values that do have a protocol maximum.
func (a *App) withDefaults() *App {
	if a.MaxChannelNameLength <= 0 {
		a.MaxChannelNameLength = DefaultMaxChannelNameLength
	}
	if a.MaxEventPayloadKB <= 0 {
		a.MaxEventPayloadKB = DefaultMaxEventPayloadKB
	}
	if a.MaxEventChannelsAtOnce <= 0 {
		a.MaxEventChannelsAtOnce = DefaultMaxEventChannelsAtOnce
	}
	return a
}
