package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
)

// MultiSendFunc receives a flushed batch together with its destination key.
type MultiSendFunc func(ctx context.Context, key string, evs []events.Event) error

// MultiErrorFunc is notified of a send failure for one destination.
type MultiErrorFunc func(key string, err error)

// MultiOptions configures a MultiBatcher. Threshold fields apply to every
// per-destination accumulator.
type MultiOptions struct {
	SizeThreshold int
	TimeThreshold time.Duration
	OnError       MultiErrorFunc
	Logger        *zap.Logger
}

// MultiBatcher fans events out to one Accumulator per destination key.
// Accumulators are independent: a failing or slow destination never cancels
// another destination's batch.
type MultiBatcher struct {
	send   MultiSendFunc
	opts   MultiOptions
	logger *zap.Logger

	mu     sync.Mutex
	accums map[string]*Accumulator
}

// NewMultiBatcher creates a MultiBatcher.
func NewMultiBatcher(send MultiSendFunc, opts MultiOptions) *MultiBatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiBatcher{
		send:   send,
		opts:   opts,
		logger: logger,
		accums: make(map[string]*Accumulator),
	}
}

// Add buffers ev for key, creating the destination's accumulator on first use.
func (m *MultiBatcher) Add(key string, ev events.Event) {
	m.get(key).Add(ev)
}

// AddMany buffers evs for key in order.
func (m *MultiBatcher) AddMany(key string, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	m.get(key).AddMany(evs)
}

// Flush flushes one destination. Unknown keys are ignored.
func (m *MultiBatcher) Flush(key string) {
	if acc := m.lookup(key); acc != nil {
		acc.Flush()
	}
}

// FlushAll flushes every destination.
func (m *MultiBatcher) FlushAll() {
	for _, acc := range m.snapshot() {
		acc.Flush()
	}
}

// Remove destroys a destination's accumulator without flushing it.
func (m *MultiBatcher) Remove(key string) {
	m.mu.Lock()
	acc, ok := m.accums[key]
	delete(m.accums, key)
	m.mu.Unlock()

	if ok {
		acc.Destroy()
		m.logger.Debug("destination removed", zap.String("destination", key))
	}
}

// Size returns the number of events buffered for key.
func (m *MultiBatcher) Size(key string) int {
	if acc := m.lookup(key); acc != nil {
		return acc.Size()
	}
	return 0
}

// Keys returns the known destination keys in sorted order.
func (m *MultiBatcher) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.accums))
	for k := range m.accums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Destroy drops every buffered event and forgets all destinations.
// Call FlushAll first to deliver pending batches.
func (m *MultiBatcher) Destroy() {
	m.mu.Lock()
	accums := m.accums
	m.accums = make(map[string]*Accumulator)
	m.mu.Unlock()

	for _, acc := range accums {
		acc.Destroy()
	}
}

func (m *MultiBatcher) get(key string) *Accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.accums[key]; ok {
		return acc
	}

	acc := NewAccumulator(
		func(ctx context.Context, evs []events.Event) error {
			return m.send(ctx, key, evs)
		},
		Options{
			SizeThreshold: m.opts.SizeThreshold,
			TimeThreshold: m.opts.TimeThreshold,
			OnError:       m.errorFor(key),
			Logger:        m.logger.With(zap.String("destination", key)),
		},
	)
	m.accums[key] = acc
	return acc
}

func (m *MultiBatcher) errorFor(key string) ErrorFunc {
	if m.opts.OnError == nil {
		return nil
	}
	return func(err error) { m.opts.OnError(key, err) }
}

func (m *MultiBatcher) lookup(key string) *Accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accums[key]
}

func (m *MultiBatcher) snapshot() []*Accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()

	accums := make([]*Accumulator, 0, len(m.accums))
	for _, acc := range m.accums {
		accums = append(accums, acc)
	}
	return accums
}
