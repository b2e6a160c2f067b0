// Package destinations resolves where an identity's events are delivered.
package destinations

import (
	"context"

	"github.com/dgnsrekt/logrelay/internal/events"
)

// Resolver returns the current destinations for an identity.
type Resolver interface {
	Resolve(ctx context.Context, identity string) ([]events.Destination, error)
}

// Static always resolves to the same destinations.
type Static struct {
	dests []events.Destination
}

// NewStatic builds a Static resolver from config: the friends channel when
// friends is set, plus one group destination per non-empty, distinct id.
func NewStatic(friends bool, groups []string) *Static {
	return &Static{dests: build(friends, groups)}
}

// Resolve implements Resolver.
func (s *Static) Resolve(context.Context, string) ([]events.Destination, error) {
	out := make([]events.Destination, len(s.dests))
	copy(out, s.dests)
	return out, nil
}

func build(friends bool, groups []string) []events.Destination {
	var dests []events.Destination
	if friends {
		dests = append(dests, events.Friends())
	}
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		dests = append(dests, events.Group(g))
	}
	return dests
}
