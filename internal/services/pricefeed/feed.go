package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
)

// ErrSuperseded returned by RefreshNow when a newer poll replaced the request.
var ErrSuperseded = errors.New("price request superseded by a newer poll")

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
)

// Config feed parameters.
type Config struct {
	Pair domain.Pair
	// ExchangeRate converts the quote currency into the local display currency.
	ExchangeRate decimal.Decimal
	Interval     time.Duration
	// StaleAfter freshness window; defaults to twice the interval.
	StaleAfter time.Duration
	// RequestTimeout bounds a single upstream request.
	RequestTimeout time.Duration
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the feed logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		f.now = now
	}
}

// OnUpdate registers the callback invoked with every accepted snapshot.
func OnUpdate(fn func(domain.PriceSnapshot)) Option {
	return func(f *Feed) {
		f.onUpdate = fn
	}
}

// OnError registers the callback invoked with every failed poll.
func OnError(fn func(error)) Option {
	return func(f *Feed) {
		f.onError = fn
	}
}

// Feed periodically polls a Source and keeps the latest snapshot.
// Only the most recently issued poll may update the snapshot: issuing a poll
// cancels the one in flight, and late results of older polls are discarded.
type Feed struct {
	source Source
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	onUpdate func(domain.PriceSnapshot)
	onError  func(error)

	mu       sync.Mutex
	latest   domain.PriceSnapshot
	lastErr  error
	seq      uint64
	inflight context.CancelFunc
	paused   bool
	running  bool
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	// deliverMu orders callbacks; delivered is the newest seq passed to a callback.
	deliverMu sync.Mutex
	delivered uint64
}

// NewFeed creates a stopped feed.
func NewFeed(source Source, cfg Config, opts ...Option) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.Interval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.ExchangeRate.IsZero() {
		cfg.ExchangeRate = decimal.NewFromInt(1)
	}

	f := &Feed{
		source:   source,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		onUpdate: func(domain.PriceSnapshot) {},
		onError:  func(error) {},
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Start begins polling: one poll immediately, then one per interval.
// Calling Start on a running feed is a no-op.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.ctx = ctx
	f.stop = cancel
	f.running = true
	paused := f.paused
	f.mu.Unlock()

	f.logger.Info("price feed started",
		zap.String("pair", f.cfg.Pair.String()),
		zap.Duration("interval", f.cfg.Interval))

	f.wg.Add(1)
	go f.loop(ctx, !paused)
}

// Stop halts polling and cancels the poll in flight. It is idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.stop()
	// results of the poll in flight are discarded
	f.seq++
	if f.inflight != nil {
		f.inflight()
		f.inflight = nil
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info("price feed stopped", zap.String("pair", f.cfg.Pair.String()))
}

// Pause makes the feed skip ticks until Resume.
func (f *Feed) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

// Resume re-enables ticks and triggers an immediate poll when the feed is running.
func (f *Feed) Resume() {
	f.mu.Lock()
	wasPaused := f.paused
	f.paused = false
	ctx := f.ctx
	f.mu.Unlock()

	if wasPaused && ctx != nil {
		f.spawn(ctx)
	}
}

// Paused reports whether ticks are skipped.
func (f *Feed) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Latest returns the latest snapshot, false while no poll has succeeded.
func (f *Feed) Latest() (domain.PriceSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, !f.latest.IsZero()
}

// LastError returns the error of the latest poll, nil after a success.
func (f *Feed) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Stale reports whether the latest snapshot is older than the freshness window.
// An unknown price is not stale.
func (f *Feed) Stale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest.IsZero() {
		return false
	}
	return f.now().Sub(f.latest.ObservedAt) > f.cfg.StaleAfter
}

// RefreshNow forces an out-of-band poll and returns its outcome.
// It works on stopped feeds too.
func (f *Feed) RefreshNow(ctx context.Context) (domain.PriceSnapshot, error) {
	return f.poll(ctx)
}

func (f *Feed) loop(ctx context.Context, pollNow bool) {
	defer f.wg.Done()

	if pollNow {
		f.spawn(ctx)
	}

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.Paused() {
				continue
			}
			f.spawn(ctx)
		}
	}
}

func (f *Feed) spawn(ctx context.Context) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		_, _ = f.poll(ctx)
	}()
}

func (f *Feed) poll(ctx context.Context) (domain.PriceSnapshot, error) {
	f.mu.Lock()
	if f.inflight != nil {
		f.inflight()
	}
	f.seq++
	seq := f.seq
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	f.inflight = cancel
	f.mu.Unlock()
	defer cancel()

	quote, err := f.source.Fetch(reqCtx)

	f.mu.Lock()
	if seq != f.seq {
		f.mu.Unlock()
		f.logger.Debug("discarding superseded price result", zap.Uint64("seq", seq))
		return domain.PriceSnapshot{}, ErrSuperseded
	}
	f.inflight = nil

	if err != nil {
		f.lastErr = err
		f.mu.Unlock()

		f.logger.Warn("price poll failed",
			zap.String("pair", f.cfg.Pair.String()),
			zap.String("code", domain.ErrorCode(err)),
			zap.Error(err))
		f.deliver(seq, func() { f.onError(err) })
		return domain.PriceSnapshot{}, err
	}

	snap := domain.NewPriceSnapshot(f.cfg.Pair, quote.Price, quote.ChangeAbs, quote.Volume, f.cfg.ExchangeRate, f.now().UTC())
	snap.SourceUpdatedAt = quote.UpdatedAt
	f.latest = snap
	f.lastErr = nil
	f.mu.Unlock()

	f.logger.Debug("price updated",
		zap.String("pair", f.cfg.Pair.String()),
		zap.String("spot", snap.SpotPriceQuote.String()),
		zap.String("local", snap.SpotPriceLocal.String()))
	f.deliver(seq, func() { f.onUpdate(snap) })

	return snap, nil
}

// deliver runs cb unless a newer poll has already been delivered.
func (f *Feed) deliver(seq uint64, cb func()) {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	if seq < f.delivered {
		return
	}
	f.delivered = seq
	cb()
}
