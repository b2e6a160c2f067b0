// Package synctrack remembers, per destination, the newest event timestamp
// the relay has acknowledged, so reconnects only replay what is missing.
package synctrack

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgnsrekt/logrelay/internal/events"
)

type entry struct {
	at  time.Time
	raw string
}

// Tracker maps destination keys to their last acknowledged timestamp.
// Entries change only through UpdateLastSync and the Reset methods.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]entry)}
}

// UpdateLastSync records ts as the last acknowledged timestamp for key.
func (t *Tracker) UpdateLastSync(key, ts string) error {
	at, err := events.ParseTimestamp(ts)
	if err != nil {
		return fmt.Errorf("update last sync for %s: %w", key, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry{at: at, raw: ts}
	return nil
}

// LastSync returns the last acknowledged timestamp for key as it was
// reported, and false when key has never been synced.
func (t *Tracker) LastSync(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.raw, ok
}

// NewEvents returns the events strictly newer than key's last sync, in input
// order. Without a sync entry every event is returned. Events whose
// timestamp cannot be parsed are never considered newer.
func (t *Tracker) NewEvents(key string, all []events.Event) []events.Event {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		out := make([]events.Event, len(all))
		copy(out, all)
		return out
	}

	var out []events.Event
	for _, ev := range all {
		at, err := ev.Time()
		if err != nil {
			continue
		}
		if at.After(e.at) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets key's sync state.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// ResetAll forgets every destination.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]entry)
}
