package channels

import (
	"encoding/json"
	"errors"
)

// ErrOverPresenceCapacity rejects a presence join that would exceed the
// app's member cap for a single channel.
var ErrOverPresenceCapacity = errors.New("presence channel is over capacity")

// ErrMissingUserID rejects a presence join whose channel_data does not
// identify the user.
var ErrMissingUserID = errors.New("presence channel_data is missing user_id")

// ChannelData is the payload a client signs and presents when joining a
// presence channel.
type ChannelData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// PresenceMember is one distinct user currently on a presence channel. A
// member exists iff at least one live connection for that user is
// subscribed; one user may hold several connections.
type PresenceMember struct {
	UserID      string
	UserInfo    json.RawMessage
	connections map[string]struct{} // socket ids
}

// PresenceData is the roster snapshot delivered inside
// subscription_succeeded acknowledgments and the HTTP users endpoint.
type PresenceData struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// presenceState tracks members of a single presence channel. It is
// guarded by the owning app shard's lock; the empty-connection-set
// transition under that lock is the single trigger for member removal, so
// an unsubscribe racing a disconnect can never announce a departure twice.
type presenceState struct {
	members  map[string]*PresenceMember // user id -> member
	bySocket map[string]string          // socket id -> user id
}

func newPresenceState() *presenceState {
	return &presenceState{
		members:  make(map[string]*PresenceMember),
		bySocket: make(map[string]string),
	}
}

// join registers a connection under a user. The first connection for a
// user creates the member and reports added=true; later connections
// attach silently and overwrite the stored user info (last writer wins,
// matching the protocol's behavior when one user joins from two devices
// with different info).
func (p *presenceState) join(socketID, userID string, userInfo json.RawMessage, maxMembers int) (added bool, err error) {
	member, exists := p.members[userID]
	if !exists {
		if maxMembers > 0 && len(p.members) >= maxMembers {
			return false, ErrOverPresenceCapacity
		}
		member = &PresenceMember{
			UserID:      userID,
			connections: make(map[string]struct{}),
		}
		p.members[userID] = member
		added = true
	}
	member.UserInfo = userInfo
	member.connections[socketID] = struct{}{}
	p.bySocket[socketID] = userID
	return added, nil
}

// leave detaches a connection from its member. When the last connection
// for the user goes, the member is deleted and removed=true exactly once.
func (p *presenceState) leave(socketID string) (userID string, removed bool) {
	userID, ok := p.bySocket[socketID]
	if !ok {
		return "", false
	}
	delete(p.bySocket, socketID)

	member, ok := p.members[userID]
	if !ok {
		return "", false
	}
	delete(member.connections, socketID)
	if len(member.connections) == 0 {
		delete(p.members, userID)
		return userID, true
	}
	return userID, false
}

// snapshot builds the roster for subscription acknowledgments.
func (p *presenceState) snapshot() *PresenceData {
	data := &PresenceData{
		IDs:   make([]string, 0, len(p.members)),
		Hash:  make(map[string]json.RawMessage, len(p.members)),
		Count: len(p.members),
	}
	for id, member := range p.members {
		data.IDs = append(data.IDs, id)
		data.Hash[id] = member.UserInfo
	}
	return data
}
