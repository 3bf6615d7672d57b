package protocol

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeData unwraps the JSON-encoded string carried in outbound frame
// data fields.
func decodeData(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var inner string
	require.NoError(t, json.Unmarshal(raw, &inner))
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(inner), &payload))
	return payload
}

func TestConnectionEstablishedFrame(t *testing.T) {
	frame := NewConnectionEstablished("123.456")

	var decoded Frame
	require.NoError(t, json.Unmarshal(frame.Marshal(), &decoded))
	assert.Equal(t, EventConnectionEstablished, decoded.Event)

	payload := decodeData(t, decoded.Data)
	assert.Equal(t, "123.456", payload["socket_id"])
	assert.Equal(t, float64(ActivityTimeout), payload["activity_timeout"])
}

func TestSubscriptionSucceededWithoutPresence(t *testing.T) {
	frame := NewSubscriptionSucceeded("orders", nil)

	assert.Equal(t, EventSubscriptionSucceeded, frame.Event)
	assert.Equal(t, "orders", frame.Channel)
	payload := decodeData(t, frame.Data)
	assert.Empty(t, payload)
}

func TestMemberAddedCarriesUserInfo(t *testing.T) {
	frame := NewMemberAdded("presence-room", "u1", json.RawMessage(`{"name":"Ann"}`))

	payload := decodeData(t, frame.Data)
	assert.Equal(t, "u1", payload["user_id"])
	info, ok := payload["user_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ann", info["name"])
}

func TestMemberRemovedFrame(t *testing.T) {
	frame := NewMemberRemoved("presence-room", "u1")

	assert.Equal(t, EventMemberRemoved, frame.Event)
	payload := decodeData(t, frame.Data)
	assert.Equal(t, "u1", payload["user_id"])
}

func TestEventForwardsDataVerbatim(t *testing.T) {
	data := json.RawMessage(`{"message":"hello"}`)
	frame := NewEvent("chat", "greeting", data)

	assert.Equal(t, "greeting", frame.Event)
	assert.Equal(t, "chat", frame.Channel)
	assert.JSONEq(t, `{"message":"hello"}`, string(frame.Data))
}

func TestErrorFrame(t *testing.T) {
	frame := NewError(CodeOverConnectionQuota, "over quota")

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, CodeOverConnectionQuota, payload.Code)
	assert.Equal(t, "over quota", payload.Message)
}

func TestGenerateSocketIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^\d+\.\d+$`)
	for i := 0; i < 100; i++ {
		id := GenerateSocketID()
		if !pattern.MatchString(id) {
			t.Fatalf("socket id %q does not match NNNN.NNNN", id)
		}
	}
}

func TestIsClientEvent(t *testing.T) {
	assert.True(t, IsClientEvent("client-typing"))
	assert.False(t, IsClientEvent("pusher:subscribe"))
	assert.False(t, IsClientEvent("greeting"))
}
