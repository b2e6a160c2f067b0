// Package streamer pushes locally parsed events to the relay: it batches
// them per destination, tracks what the relay acknowledged, and replays
// what was missed after a reconnect.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/batch"
	"github.com/dgnsrekt/logrelay/internal/conn"
	"github.com/dgnsrekt/logrelay/internal/destinations"
	"github.com/dgnsrekt/logrelay/internal/events"
	"github.com/dgnsrekt/logrelay/internal/notify"
	"github.com/dgnsrekt/logrelay/internal/source"
	"github.com/dgnsrekt/logrelay/internal/synctrack"
)

const (
	DefaultHistorySize     = 200
	DefaultRefreshInterval = 30 * time.Second
	drainTimeout           = 5 * time.Second
)

// Conn is the connection the streamer sends frames over.
type Conn interface {
	Connect()
	Close()
	Send(v any) error
	Drain(ctx context.Context) error
	Notifications() <-chan conn.Notification
	Attempt() int
}

// Source produces events until it is exhausted or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, handle source.Handler) error
}

// ReceiveFunc is called for every batch relayed from another client.
type ReceiveFunc func(from string, dest events.Destination, evs []events.Event)

// Options configures a Streamer.
type Options struct {
	Identity string
	// URL is only used in reports.
	URL string
	// HistorySize bounds the replay buffer. Zero disables replay.
	HistorySize     int
	RefreshInterval time.Duration
	SizeThreshold   int
	TimeThreshold   time.Duration
	OnReceive       ReceiveFunc
	Logger          *zap.Logger
}

// Streamer glues a Source, a MultiBatcher and a Conn together.
type Streamer struct {
	conn     Conn
	resolver destinations.Resolver
	notifier notify.Notifier
	codec    *events.Codec
	tracker  *synctrack.Tracker
	batcher  *batch.MultiBatcher
	opts     Options
	logger   *zap.Logger

	// mu serializes ingest, replay and destination changes so an event is
	// never both replayed and batched.
	mu          sync.Mutex
	history     []events.Event
	dests       map[string]events.Destination
	connectedAt time.Time
}

// New creates a Streamer.
func New(c Conn, resolver destinations.Resolver, notifier notify.Notifier, codec *events.Codec, opts Options) *Streamer {
	if opts.HistorySize < 0 {
		opts.HistorySize = 0
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}

	s := &Streamer{
		conn:     c,
		resolver: resolver,
		notifier: notifier,
		codec:    codec,
		tracker:  synctrack.New(),
		opts:     opts,
		logger:   opts.Logger,
		dests:    make(map[string]events.Destination),
	}
	s.batcher = batch.NewMultiBatcher(s.sendBatch, batch.MultiOptions{
		SizeThreshold: opts.SizeThreshold,
		TimeThreshold: opts.TimeThreshold,
		OnError:       s.onBatchError,
		Logger:        opts.Logger,
	})
	return s
}

// Tracker exposes the acknowledgement state.
func (s *Streamer) Tracker() *synctrack.Tracker {
	return s.tracker
}

// Run connects, streams src until ctx is cancelled, and on the way out
// flushes every pending batch before closing the connection. It returns an
// error when src fails or when the connection gives up reconnecting. The
// connection cannot be reused after Run returns.
func (s *Streamer) Run(ctx context.Context, src Source) error {
	if err := s.refreshDestinations(ctx); err != nil {
		return fmt.Errorf("resolving destinations: %w", err)
	}

	s.conn.Connect()

	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()

	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx, s.Ingest) }()

	refresh := time.NewTicker(s.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case err := <-srcDone:
			srcDone = nil
			if err != nil {
				s.shutdown()
				return fmt.Errorf("source: %w", err)
			}
			s.logger.Info("source exhausted, flushing pending batches")
			s.batcher.FlushAll()

		case n := <-s.conn.Notifications():
			if err := s.handleNotification(ctx, n); err != nil {
				s.shutdown()
				return err
			}

		case <-refresh.C:
			if err := s.refreshDestinations(ctx); err != nil {
				s.logger.Warn("destination refresh failed", zap.Error(err))
			}
		}
	}
}

// Ingest records ev in the replay history and batches it for every
// current destination.
func (s *Streamer) Ingest(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remember(ev)
	for key := range s.dests {
		s.batcher.Add(key, ev)
	}
}

// Destinations returns the current destination keys, sorted.
func (s *Streamer) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.dests))
	for key := range s.dests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Streamer) remember(ev events.Event) {
	if s.opts.HistorySize == 0 {
		return
	}
	if len(s.history) >= s.opts.HistorySize {
		n := copy(s.history, s.history[len(s.history)-s.opts.HistorySize+1:])
		s.history = s.history[:n]
	}
	s.history = append(s.history, ev)
}

func (s *Streamer) handleNotification(ctx context.Context, n conn.Notification) error {
	switch n.Kind {
	case conn.NotifyConnected:
		s.mu.Lock()
		s.connectedAt = time.Now()
		s.mu.Unlock()
		s.logger.Info("connected to relay")
		s.replay()

	case conn.NotifyDisconnected:
		s.logger.Warn("disconnected from relay", zap.Error(n.Err))

	case conn.NotifyMessage:
		s.handleFrame(n)

	case conn.NotifyError:
		if errors.Is(n.Err, conn.ErrReconnectExhausted) {
			s.logger.Error("giving up on relay connection", zap.Error(n.Err))
			if err := s.notifier.NotifyTerminal(ctx, s.report(), n.Err); err != nil {
				s.logger.Warn("terminal notification failed", zap.Error(err))
			}
			return n.Err
		}
		s.logger.Debug("connection error", zap.Error(n.Err))
	}
	return nil
}

// replay discards pending batches and resends, per destination, every
// remembered event newer than the last acknowledgement. Pending events are
// also in the history, so nothing inside the history window is lost.
func (s *Streamer) replay() {
	if s.opts.HistorySize == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.dests {
		missed := s.tracker.NewEvents(key, s.history)
		s.batcher.Remove(key)
		if len(missed) == 0 {
			continue
		}
		s.logger.Info("replaying events",
			zap.String("destination", key),
			zap.Int("events", len(missed)),
		)
		s.batcher.AddMany(key, missed)
		s.batcher.Flush(key)
	}
}

func (s *Streamer) handleFrame(n conn.Notification) {
	switch n.FrameKind {
	case events.FrameAck:
		var ack events.AckFrame
		if err := events.Decode(n.Frame, &ack); err != nil {
			s.logger.Warn("bad ack frame", zap.Error(err))
			return
		}
		dest, err := ack.Destination()
		if err != nil {
			s.logger.Warn("bad ack destination", zap.Error(err))
			return
		}
		if err := s.tracker.UpdateLastSync(dest.Key(), ack.LastTimestamp); err != nil {
			s.logger.Warn("bad ack timestamp", zap.Error(err))
			return
		}
		s.logger.Debug("batch acknowledged",
			zap.String("destination", dest.Key()),
			zap.Int("events", ack.Count),
			zap.String("lastTimestamp", ack.LastTimestamp),
		)

	case events.FrameRegistered:
		s.logger.Info("registered with relay", zap.String("identity", s.opts.Identity))
		s.subscribeGroups()

	case events.FrameLogs:
		var f events.PayloadFrame
		if err := events.Decode(n.Frame, &f); err != nil {
			s.logger.Warn("bad logs frame", zap.Error(err))
			return
		}
		dest, err := f.Destination()
		if err != nil {
			s.logger.Warn("bad logs destination", zap.Error(err))
			return
		}
		evs, err := s.codec.DecodeEvents(&f)
		if err != nil {
			s.logger.Warn("bad logs payload", zap.Error(err))
			return
		}
		s.logger.Debug("received batch",
			zap.String("from", f.From),
			zap.String("destination", dest.Key()),
			zap.Int("events", len(evs)),
		)
		if s.opts.OnReceive != nil {
			s.opts.OnReceive(f.From, dest, evs)
		}

	case events.FrameError:
		var f events.ErrorFrame
		if err := events.Decode(n.Frame, &f); err != nil {
			s.logger.Warn("bad error frame", zap.Error(err))
			return
		}
		s.logger.Warn("relay rejected frame", zap.String("code", f.Code), zap.String("message", f.Message))
	}
}

func (s *Streamer) subscribeGroups() {
	s.mu.Lock()
	var groups []string
	for _, d := range s.dests {
		if d.Kind == events.KindGroup {
			groups = append(groups, d.GroupID)
		}
	}
	s.mu.Unlock()

	sort.Strings(groups)
	for _, g := range groups {
		s.sendSubscription(events.FrameSubscribe, g)
	}
}

func (s *Streamer) sendSubscription(kind events.FrameKind, group string) {
	if err := s.conn.Send(&events.SubscribeFrame{Kind: kind, GroupID: group}); err != nil {
		s.logger.Debug("subscription not sent", zap.String("group", group), zap.Error(err))
	}
}

// refreshDestinations applies the resolver's current answer. Vanished
// destinations lose their pending batch and sync state.
func (s *Streamer) refreshDestinations(ctx context.Context) error {
	resolved, err := s.resolver.Resolve(ctx, s.opts.Identity)
	if err != nil {
		return err
	}

	next := make(map[string]events.Destination, len(resolved))
	for _, d := range resolved {
		next[d.Key()] = d
	}

	s.mu.Lock()
	var joined, left []events.Destination
	for key, d := range s.dests {
		if _, ok := next[key]; !ok {
			s.batcher.Remove(key)
			s.tracker.Reset(key)
			left = append(left, d)
		}
	}
	for key, d := range next {
		if _, ok := s.dests[key]; !ok {
			joined = append(joined, d)
		}
	}
	s.dests = next
	s.mu.Unlock()

	for _, d := range left {
		s.logger.Info("destination removed", zap.String("destination", d.Key()))
		if d.Kind == events.KindGroup {
			s.sendSubscription(events.FrameUnsubscribe, d.GroupID)
		}
	}
	for _, d := range joined {
		s.logger.Info("destination added", zap.String("destination", d.Key()))
		if d.Kind == events.KindGroup {
			s.sendSubscription(events.FrameSubscribe, d.GroupID)
		}
	}
	return nil
}

// sendBatch is the MultiBatcher send function.
func (s *Streamer) sendBatch(_ context.Context, key string, evs []events.Event) error {
	dest, err := events.ParseDestination(key)
	if err != nil {
		return err
	}
	frame, err := s.codec.EncodePayload(dest, evs)
	if err != nil {
		return err
	}
	return s.conn.Send(frame)
}

func (s *Streamer) onBatchError(key string, err error) {
	// Dropped batches stay in the history and are replayed on reconnect.
	s.logger.Warn("batch not sent", zap.String("destination", key), zap.Error(err))
}

func (s *Streamer) pending() int {
	total := 0
	for _, key := range s.batcher.Keys() {
		total += s.batcher.Size(key)
	}
	return total
}

func (s *Streamer) report() *notify.Report {
	s.mu.Lock()
	connectedAt := s.connectedAt
	s.mu.Unlock()

	var connected time.Duration
	if !connectedAt.IsZero() {
		connected = time.Since(connectedAt)
	}
	return &notify.Report{
		Identity:  s.opts.Identity,
		URL:       s.opts.URL,
		Attempts:  s.conn.Attempt(),
		Pending:   s.pending(),
		Connected: connected,
	}
}

func (s *Streamer) shutdown() {
	s.logger.Info("flushing pending batches")
	s.batcher.FlushAll()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.conn.Drain(ctx); err != nil {
		s.logger.Warn("send queue not drained", zap.Error(err))
	}

	s.conn.Close()
	s.batcher.Destroy()
}
