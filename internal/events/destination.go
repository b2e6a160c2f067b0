package events

import (
	"fmt"
	"strings"
)

// DestinationKind discriminates the friends channel from group channels.
type DestinationKind string

const (
	KindFriends DestinationKind = "friends"
	KindGroup   DestinationKind = "group"
)

const groupKeyPrefix = "group:"

// Destination is a routing key for a batch. It is not a stored entity.
type Destination struct {
	Kind    DestinationKind
	GroupID string
}

// Friends returns the singleton friends destination.
func Friends() Destination {
	return Destination{Kind: KindFriends}
}

// Group returns the destination for a group channel.
func Group(groupID string) Destination {
	return Destination{Kind: KindGroup, GroupID: groupID}
}

// Key returns the map key used by the batcher and sync tracker:
// "friends" or "group:<id>".
func (d Destination) Key() string {
	if d.Kind == KindGroup {
		return groupKeyPrefix + d.GroupID
	}
	return string(KindFriends)
}

func (d Destination) String() string {
	return d.Key()
}

// ParseDestination is the inverse of Destination.Key.
func ParseDestination(key string) (Destination, error) {
	switch {
	case key == string(KindFriends):
		return Friends(), nil
	case strings.HasPrefix(key, groupKeyPrefix) && len(key) > len(groupKeyPrefix):
		return Group(strings.TrimPrefix(key, groupKeyPrefix)), nil
	default:
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, key)
	}
}
