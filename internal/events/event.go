package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single structured game-activity record. Events are produced
// upstream (the log parser) and are never mutated by the relay layer.
type Event struct {
	ID           string          `json:"id"`
	OriginUserID string          `json:"originUserId"`
	Player       string          `json:"player,omitempty"`
	Category     string          `json:"category,omitempty"`
	RenderedText string          `json:"renderedText,omitempty"`
	RawText      string          `json:"rawText,omitempty"`
	Timestamp    string          `json:"timestamp"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// Time returns the parsed event timestamp.
func (e Event) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// LatestTimestamp returns the raw timestamp of the newest event in evs.
// Events with unparseable timestamps are ignored.
func LatestTimestamp(evs []Event) (string, bool) {
	var (
		latest    time.Time
		latestRaw string
		found     bool
	)
	for _, ev := range evs {
		t, err := ev.Time()
		if err != nil {
			continue
		}
		if !found || t.After(latest) {
			latest, latestRaw, found = t, ev.Timestamp, true
		}
	}
	return latestRaw, found
}
