// Package ratelimit implements fixed-window request counting per key.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultHTTPLimit     = 30
)

var ErrInvalidOptions = errors.New("invalid rate limit options")

// loopbackAddrs are exempt on address-keyed limiters. The list is literal on
// purpose: other loopback or private addresses are metered like any client.
var loopbackAddrs = map[string]struct{}{
	"127.0.0.1":        {},
	"::1":              {},
	"::ffff:127.0.0.1": {},
	"localhost":        {},
}

// IsLoopback reports whether addr is one of the exempt loopback literals.
func IsLoopback(addr string) bool {
	_, ok := loopbackAddrs[addr]
	return ok
}

// Options configures a Limiter.
type Options struct {
	// Limit is the default number of calls allowed per window.
	Limit int
	// Window is the length of a counting window.
	Window time.Duration
	// SweepInterval is how often expired windows are deleted.
	SweepInterval time.Duration
	// ExemptLoopback skips loopback literals. Only set it for limiters
	// keyed by network address, never for opaque identities.
	ExemptLoopback bool
}

// window is the counter for one key.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts calls per key in fixed windows. Expired windows are
// removed by a background sweep so memory tracks recently active keys.
type Limiter struct {
	mu      sync.Mutex
	windows *gocache.Cache
	opts    Options
}

// New creates a Limiter.
func New(opts Options) (*Limiter, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Limit < 1 {
		return nil, ErrInvalidOptions
	}
	return &Limiter{
		windows: gocache.New(opts.Window, opts.SweepInterval),
		opts:    opts,
	}, nil
}

// NewHTTP creates an address-keyed limiter with loopback exemption.
func NewHTTP(limit int, window time.Duration) (*Limiter, error) {
	return New(Options{Limit: limit, Window: window, ExemptLoopback: true})
}

// NewMessage creates an identity-keyed limiter for socket messages.
func NewMessage(limit int, window time.Duration) (*Limiter, error) {
	return New(Options{Limit: limit, Window: window})
}

// Check consults key against the configured limit.
func (l *Limiter) Check(key string) bool {
	return l.CheckLimit(key, l.opts.Limit)
}

// CheckStrict is Check without the loopback exemption. Use it for
// addresses taken from request headers rather than the network peer.
func (l *Limiter) CheckStrict(key string) bool {
	return l.check(key, l.opts.Limit, false)
}

// CheckLimit consults key against limit and reports whether the call is
// allowed. A rejected call does not advance the counter. A limit below one
// rejects every metered call.
func (l *Limiter) CheckLimit(key string, limit int) bool {
	return l.check(key, limit, l.opts.ExemptLoopback)
}

func (l *Limiter) check(key string, limit int, exempt bool) bool {
	if exempt && IsLoopback(key) {
		return true
	}
	if limit < 1 {
		return false
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.windows.Get(key); ok {
		w := v.(*window)
		if !now.After(w.resetAt) {
			if w.count >= limit {
				return false
			}
			w.count++
			return true
		}
	}

	l.windows.Set(key, &window{count: 1, resetAt: now.Add(l.opts.Window)}, l.opts.Window)
	return true
}

// RetryAfter returns how long until key's current window resets, or zero
// when key has no active window.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.windows.Get(key)
	if !ok {
		return 0
	}
	if d := time.Until(v.(*window).resetAt); d > 0 {
		return d
	}
	return 0
}

// Sweep deletes expired windows immediately.
func (l *Limiter) Sweep() {
	l.windows.DeleteExpired()
}

// Len returns the number of tracked keys, including expired windows that
// have not been swept yet.
func (l *Limiter) Len() int {
	return l.windows.ItemCount()
}

// Limit returns the default per-window limit.
func (l *Limiter) Limit() int {
	return l.opts.Limit
}
