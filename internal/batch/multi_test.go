package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/logrelay/internal/events"
)

type multiRecorder struct {
	mu      sync.Mutex
	batches map[string][][]events.Event
	failFor map[string]bool
}

func newMultiRecorder() *multiRecorder {
	return &multiRecorder{
		batches: make(map[string][][]events.Event),
		failFor: make(map[string]bool),
	}
}

func (r *multiRecorder) send(_ context.Context, key string, evs []events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[key] {
		return errors.New("send failed for " + key)
	}
	r.batches[key] = append(r.batches[key], evs)
	return nil
}

func (r *multiRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[key])
}

func TestMultiBatcherRoutesPerDestination(t *testing.T) {
	rec := newMultiRecorder()
	mb := NewMultiBatcher(rec.send, MultiOptions{SizeThreshold: 2, TimeThreshold: time.Hour})
	defer mb.Destroy()

	friends := events.Friends().Key()
	group := events.Group("g1").Key()

	mb.Add(friends, ev(1))
	mb.Add(group, ev(1))
	assert.Equal(t, 1, mb.Size(friends))
	assert.Equal(t, 1, mb.Size(group))
	assert.Equal(t, []string{friends, group}, mb.Keys())

	mb.Add(friends, ev(2))
	assert.Equal(t, 1, rec.count(friends))
	assert.Equal(t, 0, rec.count(group))
	assert.Equal(t, 0, mb.Size(friends))
	assert.Equal(t, 1, mb.Size(group))
}

func TestMultiBatcherIsolatesFailures(t *testing.T) {
	rec := newMultiRecorder()
	rec.failFor["group:broken"] = true

	var (
		mu     sync.Mutex
		failed []string
	)
	mb := NewMultiBatcher(rec.send, MultiOptions{
		SizeThreshold: 8,
		TimeThreshold: 30 * time.Millisecond,
		OnError: func(key string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, key)
		},
	})
	defer mb.Destroy()

	mb.Add("group:broken", ev(1))
	mb.Add("group:ok", ev(1))
	mb.Add("friends", ev(1))

	require.Eventually(t, func() bool {
		return rec.count("group:ok") == 1 && rec.count("friends") == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"group:broken"}, failed)
}

func TestMultiBatcherRemoveDoesNotFlush(t *testing.T) {
	rec := newMultiRecorder()
	mb := NewMultiBatcher(rec.send, MultiOptions{SizeThreshold: 8, TimeThreshold: 30 * time.Millisecond})
	defer mb.Destroy()

	mb.AddMany("group:left", []events.Event{ev(1), ev(2)})
	mb.Remove("group:left")

	assert.Equal(t, 0, mb.Size("group:left"))
	assert.Empty(t, mb.Keys())

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, 0, rec.count("group:left"), "removed destination's timer must not fire")
}

func TestMultiBatcherFlushAll(t *testing.T) {
	rec := newMultiRecorder()
	mb := NewMultiBatcher(rec.send, MultiOptions{SizeThreshold: 8, TimeThreshold: time.Hour})
	defer mb.Destroy()

	mb.Add("friends", ev(1))
	mb.Add("group:a", ev(1))
	mb.Add("group:b", ev(1))
	mb.Flush("group:unknown")

	mb.Flush("group:a")
	assert.Equal(t, 1, rec.count("group:a"))

	mb.FlushAll()
	assert.Equal(t, 1, rec.count("friends"))
	assert.Equal(t, 1, rec.count("group:a"))
	assert.Equal(t, 1, rec.count("group:b"))
}

func TestMultiBatcherDestroyDiscards(t *testing.T) {
	rec := newMultiRecorder()
	mb := NewMultiBatcher(rec.send, MultiOptions{SizeThreshold: 8, TimeThreshold: 20 * time.Millisecond})

	mb.Add("friends", ev(1))
	mb.Destroy()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count("friends"))
	assert.Empty(t, mb.Keys())
}
