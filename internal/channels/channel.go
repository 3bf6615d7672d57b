// Package channels owns per-app channel state: which connections are
// subscribed where, presence membership, and the publish path into the
// broadcaster.
package channels

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ChannelType classifies a channel by its naming convention. The type is
// derived once, at first reference, and never changes for the lifetime of
// the channel.
type ChannelType string

const (
	ChannelTypePublic   ChannelType = "public"
	ChannelTypePrivate  ChannelType = "private"
	ChannelTypePresence ChannelType = "presence"
)

const (
	presencePrefix = "presence-"
	privatePrefix  = "private-"
)

// RequiresAuth reports whether subscribing needs a channel auth signature.
func (t ChannelType) RequiresAuth() bool {
	return t == ChannelTypePrivate || t == ChannelTypePresence
}

// TypeOf derives the channel type from its name.
func TypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, presencePrefix):
		return ChannelTypePresence
	case strings.HasPrefix(name, privatePrefix):
		return ChannelTypePrivate
	default:
		return ChannelTypePublic
	}
}

// ErrInvalidChannelName rejects subscribes to names outside the allowed
// charset or length. Only the offending subscribe fails; the connection
// stays alive.
var ErrInvalidChannelName = errors.New("invalid channel name")

var channelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-=@,.;]+$`)

// ValidateName checks a channel name against the protocol charset and the
// app's length limit.
func ValidateName(name string, maxLength int) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChannelName)
	}
	if maxLength > 0 && len(name) > maxLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidChannelName, name, maxLength)
	}
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains forbidden characters", ErrInvalidChannelName, name)
	}
	return nil
}

// channel is the in-memory state of one active channel. A channel with no
// subscribers does not exist; it is created on first join and evicted when
// the last subscriber leaves. Guarded by the owning app shard's lock.
type channel struct {
	name        string
	channelType ChannelType
	subscribers map[string]struct{} // socket ids
	presence    *presenceState      // nil unless channelType is presence
}

func newChannel(name string) *channel {
	ch := &channel{
		name:        name,
		channelType: TypeOf(name),
		subscribers: make(map[string]struct{}),
	}
	if ch.channelType == ChannelTypePresence {
		ch.presence = newPresenceState()
	}
	return ch
}

// snapshotSubscribers copies the subscriber set for lock-free delivery.
func (c *channel) snapshotSubscribers() []string {
	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	return ids
}
