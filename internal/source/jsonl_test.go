package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/logrelay/internal/events"
)

type collector struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collector) handle(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.evs))
	for i, ev := range c.evs {
		ids[i] = ev.ID
	}
	return ids
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestReadsWholeFile(t *testing.T) {
	path := writeFile(t, `{"id":"a","originUserId":"u","timestamp":"2024-05-01T10:00:00Z"}
not json

{"id":"b","timestamp":"2024-05-01T10:00:01Z"}
{"rawText":"no id or timestamp"}`)

	src := NewJSONLSource(Options{Path: path, Identity: "user-9"})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	var c collector
	require.NoError(t, src.Run(context.Background(), c.handle))

	require.Equal(t, 3, c.len())
	assert.Equal(t, "a", c.evs[0].ID)
	assert.Equal(t, "u", c.evs[0].OriginUserID)
	assert.Equal(t, "user-9", c.evs[1].OriginUserID)

	last := c.evs[2]
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, "2024-05-01T12:00:00Z", last.Timestamp)
	assert.Equal(t, "no id or timestamp", last.RawText)
}

func TestMissingFile(t *testing.T) {
	src := NewJSONLSource(Options{Path: filepath.Join(t.TempDir(), "missing.jsonl")})
	err := src.Run(context.Background(), func(events.Event) {})
	assert.Error(t, err)
}

func TestFollowPicksUpAppendedLines(t *testing.T) {
	path := writeFile(t, `{"id":"a","timestamp":"2024-05-01T10:00:00Z"}`+"\n")

	src := NewJSONLSource(Options{Path: path, Follow: true, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A partial line waits for its newline.
	appendFile(t, path, `{"id":"b","timestamp":`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.len())

	appendFile(t, path, `"2024-05-01T10:00:01Z"}`+"\n")
	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.ids())

	cancel()
	require.NoError(t, <-done)
}

func TestFollowFromEndSkipsExisting(t *testing.T) {
	path := writeFile(t, `{"id":"old","timestamp":"2024-05-01T10:00:00Z"}`+"\n")

	src := NewJSONLSource(Options{Path: path, Follow: true, FromEnd: true, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	time.Sleep(30 * time.Millisecond)
	appendFile(t, path, `{"id":"new","timestamp":"2024-05-01T10:00:05Z"}`+"\n")

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new"}, c.ids())

	cancel()
	require.NoError(t, <-done)
}

func TestFollowHandlesTruncation(t *testing.T) {
	path := writeFile(t, `{"id":"a","timestamp":"2024-05-01T10:00:00Z"}`+"\n"+`{"id":"b","timestamp":"2024-05-01T10:00:01Z"}`+"\n")

	src := NewJSONLSource(Options{Path: path, Follow: true, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"id":"c","timestamp":"2024-05-01T11:00:00Z"}`+"\n"), 0o600))
	require.Eventually(t, func() bool { return c.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, c.ids())

	cancel()
	require.NoError(t, <-done)
}
