package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
)

const (
	DefaultSizeThreshold = 8
	DefaultTimeThreshold = 2500 * time.Millisecond
)

// SendFunc receives a flushed batch. It is called at most once per flush and
// its error never puts events back into the accumulator. It must not add to
// or flush the accumulator that invoked it.
type SendFunc func(ctx context.Context, evs []events.Event) error

// ErrorFunc is notified of send failures.
type ErrorFunc func(err error)

// Options configures an Accumulator. Zero values take the defaults.
type Options struct {
	SizeThreshold int
	TimeThreshold time.Duration
	OnError       ErrorFunc
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SizeThreshold <= 0 {
		o.SizeThreshold = DefaultSizeThreshold
	}
	if o.TimeThreshold <= 0 {
		o.TimeThreshold = DefaultTimeThreshold
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Accumulator buffers events for one destination and flushes them when the
// buffer reaches the size threshold or when the oldest unflushed event has
// waited for the time threshold, whichever comes first.
type Accumulator struct {
	send SendFunc
	opts Options

	mu        sync.Mutex
	buf       []events.Event
	timer     *time.Timer
	timerGen  uint64
	lastFlush time.Time
	destroyed bool

	// queue holds flushed batches not yet handed to send. While sending is
	// set one goroutine drains it; everyone else only appends.
	queue   [][]events.Event
	sending bool
}

// NewAccumulator creates an Accumulator that hands flushed batches to send.
func NewAccumulator(send SendFunc, opts Options) *Accumulator {
	return &Accumulator{
		send:      send,
		opts:      opts.withDefaults(),
		lastFlush: time.Now(),
	}
}

// Add appends ev. Reaching the size threshold flushes. The batch is sent on
// the calling goroutine unless an earlier send is still in flight, in which
// case it is queued behind it and Add returns at once.
func (a *Accumulator) Add(ev events.Event) {
	a.addLocked(func() { a.buf = append(a.buf, ev) })
}

// AddMany appends evs in order and applies the same flush rules as Add.
func (a *Accumulator) AddMany(evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	a.addLocked(func() { a.buf = append(a.buf, evs...) })
}

func (a *Accumulator) addLocked(appendFn func()) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	appendFn()

	if len(a.buf) >= a.opts.SizeThreshold {
		drain := a.enqueueLocked(a.takeLocked())
		a.mu.Unlock()
		if drain {
			a.drain()
		}
		return
	}

	if a.timer == nil {
		a.armLocked()
	}
	a.mu.Unlock()
}

// Flush sends everything buffered. It is a no-op on an empty buffer.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	drain := a.enqueueLocked(a.takeLocked())
	a.mu.Unlock()
	if drain {
		a.drain()
	}
}

// Clear drops buffered events without sending them and disarms the timer.
// Events dropped here are lost; call Flush first to deliver them.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	a.disarmLocked()
}

// Destroy clears the accumulator and rejects further adds. Like Clear, it
// never flushes.
func (a *Accumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	a.disarmLocked()
	a.destroyed = true
}

// Size returns the number of buffered events.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// IsEmpty reports whether nothing is buffered.
func (a *Accumulator) IsEmpty() bool {
	return a.Size() == 0
}

// TimeSinceLastFlush returns the time since the last flush, or since
// creation if nothing has been flushed yet.
func (a *Accumulator) TimeSinceLastFlush() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastFlush)
}

// takeLocked swaps the buffer for an empty one. Caller holds mu.
func (a *Accumulator) takeLocked() []events.Event {
	batch := a.buf
	a.buf = nil
	a.disarmLocked()
	a.lastFlush = time.Now()
	return batch
}

func (a *Accumulator) armLocked() {
	a.timerGen++
	gen := a.timerGen
	a.timer = time.AfterFunc(a.opts.TimeThreshold, func() { a.onTimer(gen) })
}

func (a *Accumulator) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	// Invalidates a callback that already fired but has not taken mu yet.
	a.timerGen++
}

func (a *Accumulator) onTimer(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen || len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	drain := a.enqueueLocked(a.takeLocked())
	a.mu.Unlock()
	if drain {
		a.drain()
	}
}

// enqueueLocked queues batch and reports whether the caller must drain the
// queue. Caller holds mu.
func (a *Accumulator) enqueueLocked(batch []events.Event) bool {
	a.queue = append(a.queue, batch)
	if a.sending {
		return false
	}
	a.sending = true
	return true
}

// drain sends queued batches in flush order until the queue is empty. mu is
// never held while send runs.
func (a *Accumulator) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.sending = false
			a.mu.Unlock()
			return
		}
		batch := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.dispatch(batch)
	}
}

func (a *Accumulator) dispatch(batch []events.Event) {
	if err := a.send(context.Background(), batch); err != nil {
		a.opts.Logger.Debug("batch send failed",
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
		if a.opts.OnError != nil {
			a.opts.OnError(err)
		}
	}
}
