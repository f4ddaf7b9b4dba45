// Package session orchestrates one user's trading session: price polling,
// realtime reconciliation, order execution and the local state they feed.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/events"
	"github.com/safesats/safesats/internal/services/pricefeed"
	"github.com/safesats/safesats/internal/services/realtime"
	"github.com/safesats/safesats/internal/services/trader"
	"github.com/safesats/safesats/internal/storage"
	"github.com/safesats/safesats/pkg/retrier"
)

// ErrClosed returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

const defaultHistorySize = 50

// Store persistence consumed by a session.
type Store interface {
	Apply(ctx context.Context, userID string, fn storage.ApplyFunc) (domain.Commit, error)
	GetPortfolio(ctx context.Context, userID string) (domain.Portfolio, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error)
	ListActiveOrders(ctx context.Context, userID string) ([]domain.Order, error)
	Snapshot(ctx context.Context, userID string, historyLimit int) (domain.Snapshot, error)
	Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error)
}

// Deps services a session is built from.
type Deps struct {
	Store  Store
	Source pricefeed.Source
	Logger *zap.Logger
	// Retrier overrides the realtime reconnect backoff.
	Retrier *retrier.Retrier
	// Clock overrides the time source of the session and its trader.
	Clock func() time.Time
}

// Config session settings.
type Config struct {
	Feed           pricefeed.Config
	InitialBalance decimal.Decimal
	// AutoFill settles pending limit orders when a price tick crosses their trigger.
	AutoFill bool
	// HistorySize number of most recent transactions kept in the view.
	HistorySize int
	// FiatPlaces display precision of fiat values.
	FiatPlaces int32
}

// EventSnapshot update carrying a full View after the persisted state was (re)loaded.
const EventSnapshot = "snapshot"

// Update a change pushed to viewers; Event is a realtime channel name or EventSnapshot.
type Update struct {
	Event string
	Data  any
}

// Session owns the feed, the realtime subscription and the local state of one user.
type Session struct {
	userID string
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time

	feed   *pricefeed.Feed
	trader *trader.PaperTrader
	rt     *realtime.Reconciler
	state  *State
	views  *events.Broadcaster[Update]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	openOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	unsubs    []func()

	viewers    atomic.Int32
	lastActive atomic.Int64
	filling    atomic.Bool
	connected  atomic.Bool
}

// New builds a session for userID. Nothing runs until Open.
func New(userID string, deps Deps, cfg Config) (*Session, error) {
	if userID == "" {
		return nil, errors.Wrap(domain.ErrPermissionDenied, "user id is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required for Session")
	}
	if deps.Source == nil {
		return nil, errors.New("price source is required for Session")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user", userID))

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID: userID,
		cfg:    cfg,
		store:  deps.Store,
		logger: logger,
		now:    now,
		state:  NewState(userID, cfg.HistorySize, cfg.FiatPlaces),
		views:  events.NewBroadcaster[Update](events.DefaultBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.touch()

	s.feed = pricefeed.NewFeed(deps.Source, cfg.Feed,
		pricefeed.WithLogger(logger),
		pricefeed.WithClock(now),
		pricefeed.OnUpdate(func(snap domain.PriceSnapshot) { s.rt.PublishPrice(snap) }),
		pricefeed.OnError(s.onPriceError),
	)

	rtOpts := []realtime.Option{realtime.WithLogger(logger)}
	if deps.Retrier != nil {
		rtOpts = append(rtOpts, realtime.WithRetrier(deps.Retrier))
	}
	s.rt = realtime.NewReconciler(deps.Store, rtOpts...)

	tr, err := trader.NewPaperTrader(deps.Store, s.feed,
		trader.WithInitialBalance(cfg.InitialBalance),
		trader.WithLogger(logger),
		trader.WithClock(now))
	if err != nil {
		cancel()
		s.rt.Close()
		return nil, err
	}
	s.trader = tr

	return s, nil
}

// UserID returns the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// Open starts price polling, connects realtime with handlers on every channel,
// loads the persisted snapshots and populates the local state, in that order.
// A session can be opened once; on failure it is closed.
func (s *Session) Open(ctx context.Context) error {
	err := ErrClosed
	s.openOnce.Do(func() {
		err = s.open(ctx)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		s.Close()
	}
	return err
}

func (s *Session) open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	// one poll on start; without viewers the feed then idles until Attach
	s.feed.Start(s.ctx)
	if s.viewers.Load() == 0 {
		s.feed.Pause()
	}

	s.unsubs = append(s.unsubs,
		s.rt.Subscribe(realtime.ChannelPortfolio, s.onChange),
		s.rt.Subscribe(realtime.ChannelTransaction, s.onChange),
		s.rt.Subscribe(realtime.ChannelOrder, s.onChange),
		s.rt.Subscribe(realtime.ChannelPrice, s.onPrice),
		s.rt.Subscribe(realtime.ChannelConnection, s.onConnection),
	)
	if err := s.rt.Initialize(s.ctx, s.userID); err != nil {
		return errors.Wrap(err, "initialize realtime")
	}

	if err := s.load(ctx); err != nil {
		return err
	}

	s.logger.Info("session opened")
	return nil
}

// load reads one consistent snapshot of the persisted state and installs it
// unless pushed rows already moved the local state past it.
func (s *Session) load(ctx context.Context) error {
	if _, err := s.trader.EnsurePortfolio(ctx, s.userID); err != nil {
		return s.fail("load portfolio", err)
	}
	snap, err := s.store.Snapshot(ctx, s.userID, s.cfg.HistorySize)
	if err != nil {
		return s.fail("load snapshot", err)
	}

	if !s.state.Populate(snap) {
		s.logger.Debug("snapshot older than local state", zap.Uint64("version", snap.Portfolio.Version))
	}
	s.publish(EventSnapshot, s.View())

	return nil
}

// Close stops polling, tears down realtime and disconnects viewers.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.feed.Stop()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.rt.Close()
		s.cancel()
		s.wg.Wait()
		s.views.Close()

		s.logger.Info("session closed")
	})
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// View returns the current local state.
func (s *Session) View() View {
	return s.state.View(s.feed.Stale())
}

// Buy spends fiatAmount at the current price.
func (s *Session) Buy(ctx context.Context, fiatAmount decimal.Decimal) (domain.Commit, error) {
	return s.execute(ctx, "buy", func(ctx context.Context) (domain.Commit, error) {
		return s.trader.ExecuteMarketBuy(ctx, s.userID, fiatAmount)
	})
}

// Sell sells assetAmount at the current price.
func (s *Session) Sell(ctx context.Context, assetAmount decimal.Decimal) (domain.Commit, error) {
	return s.execute(ctx, "sell", func(ctx context.Context) (domain.Commit, error) {
		return s.trader.ExecuteMarketSell(ctx, s.userID, assetAmount)
	})
}

// PlaceLimitOrder records a pending order.
func (s *Session) PlaceLimitOrder(ctx context.Context, side domain.Side, amount, price decimal.Decimal) (domain.Commit, error) {
	return s.execute(ctx, "place limit order", func(ctx context.Context) (domain.Commit, error) {
		return s.trader.PlaceLimitOrder(ctx, s.userID, side, amount, price)
	})
}

// CancelOrder cancels a pending order.
func (s *Session) CancelOrder(ctx context.Context, orderID string) (domain.Commit, error) {
	return s.execute(ctx, "cancel order", func(ctx context.Context) (domain.Commit, error) {
		return s.trader.CancelOrder(ctx, s.userID, orderID)
	})
}

// ResetPortfolio restores the initial balance and clears history and orders.
func (s *Session) ResetPortfolio(ctx context.Context) (domain.Commit, error) {
	return s.execute(ctx, "reset portfolio", func(ctx context.Context) (domain.Commit, error) {
		return s.trader.ResetPortfolio(ctx, s.userID)
	})
}

// RefreshPrice forces a poll and returns the latest snapshot.
func (s *Session) RefreshPrice(ctx context.Context) (domain.PriceSnapshot, error) {
	if s.closed.Load() {
		return domain.PriceSnapshot{}, s.fail("refresh price", ErrClosed)
	}
	s.touch()

	snap, err := s.feed.RefreshNow(ctx)
	if errors.Is(err, pricefeed.ErrSuperseded) {
		if latest, ok := s.feed.Latest(); ok {
			return latest, nil
		}
		return domain.PriceSnapshot{}, errors.Wrap(domain.ErrPriceUnavailable, "no price observed yet")
	}
	if err != nil {
		return domain.PriceSnapshot{}, s.fail("refresh price", err)
	}
	return snap, nil
}

// Transactions returns a page of the persisted history, newest first.
func (s *Session) Transactions(ctx context.Context, limit, offset int) ([]domain.Transaction, error) {
	s.touch()
	txs, err := s.store.ListTransactions(ctx, s.userID, limit, offset)
	if err != nil {
		return nil, s.fail("list transactions", err)
	}
	return txs, nil
}

// Attach registers a live viewer. While at least one viewer is attached the
// price feed polls; the returned detach func is idempotent.
func (s *Session) Attach() (<-chan Update, func()) {
	ch := s.views.Subscribe(s.userID)
	s.touch()

	if s.viewers.Add(1) == 1 {
		s.feed.Resume()
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			s.views.Unsubscribe(s.userID, ch)
			s.touch()
			if s.viewers.Add(-1) == 0 && !s.closed.Load() {
				s.feed.Pause()
			}
		})
	}

	return ch, detach
}

// Viewers returns the number of attached viewers.
func (s *Session) Viewers() int {
	return int(s.viewers.Load())
}

// LastActive returns the time of the latest operation or viewer change.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) execute(ctx context.Context, op string, fn func(context.Context) (domain.Commit, error)) (domain.Commit, error) {
	if s.closed.Load() {
		return domain.Commit{}, s.fail(op, ErrClosed)
	}
	s.touch()
	s.refreshIdlePrice(ctx)

	// writes run to completion once issued
	c, err := fn(context.WithoutCancel(ctx))
	if err != nil {
		return domain.Commit{}, s.fail(op, err)
	}

	s.state.ApplyCommit(c)
	s.publishCommit(c)

	return c, nil
}

// refreshIdlePrice polls once before an operation when the feed is paused and
// its price is missing or stale. A failed poll is left to the trader to report.
func (s *Session) refreshIdlePrice(ctx context.Context) {
	if !s.feed.Paused() {
		return
	}
	if _, ok := s.feed.Latest(); ok && !s.feed.Stale() {
		return
	}
	if _, err := s.feed.RefreshNow(ctx); err != nil {
		s.logger.Debug("price refresh before operation failed", zap.Error(err))
	}
}

// fail passes taxonomy errors through and downgrades anything else to ErrOperationFailed.
func (s *Session) fail(op string, err error) error {
	if domain.IsExpected(err) {
		s.logger.Debug("operation rejected", zap.String("op", op), zap.String("code", domain.ErrorCode(err)), zap.Error(err))
		return err
	}
	s.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	return errors.Wrap(domain.ErrOperationFailed, op)
}

func (s *Session) onChange(ev realtime.Event) {
	if ev.Change == nil {
		return
	}
	if s.state.ApplyChange(*ev.Change) {
		s.publish(string(ev.Channel), *ev.Change)
	}
}

func (s *Session) onPrice(ev realtime.Event) {
	if ev.Price == nil {
		return
	}
	snap := *ev.Price
	s.state.SetPrice(snap)
	s.publish(string(realtime.ChannelPrice), s.priceView())

	if s.cfg.AutoFill {
		s.autoFill(snap)
	}
}

func (s *Session) onPriceError(err error) {
	s.state.SetPriceError(err)
	s.publish(string(realtime.ChannelPrice), s.priceView())
}

func (s *Session) onConnection(ev realtime.Event) {
	s.state.SetStatus(ev.Status)
	s.publish(string(realtime.ChannelConnection), ConnectionUpdate{Status: ev.Status, Connected: ev.Status == domain.StatusConnected})

	if ev.Status != domain.StatusConnected {
		return
	}
	if s.connected.Swap(true) {
		// pushes may have been missed while disconnected
		s.goSafe(func(ctx context.Context) {
			if err := s.load(ctx); err != nil {
				s.logger.Warn("re-poll after reconnect failed", zap.Error(err))
			}
		})
	}
}

// autoFill settles triggered orders; ticks arriving while a pass runs are skipped.
func (s *Session) autoFill(snap domain.PriceSnapshot) {
	if !s.filling.CompareAndSwap(false, true) {
		return
	}
	s.goSafe(func(ctx context.Context) {
		defer s.filling.Store(false)

		commits, err := s.trader.FillTriggered(ctx, s.userID, snap)
		for _, c := range commits {
			s.state.ApplyCommit(c)
			s.publishCommit(c)
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("limit order fill failed", zap.Error(err))
		}
	})
}

func (s *Session) goSafe(fn func(ctx context.Context)) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// PriceUpdate payload of the price channel.
type PriceUpdate struct {
	Price *domain.PriceSnapshot `json:"price,omitempty"`
	Stale bool                  `json:"stale"`
	Error string                `json:"error,omitempty"`
}

// ConnectionUpdate payload of the connection channel.
type ConnectionUpdate struct {
	Status    domain.ConnectionStatus `json:"status"`
	Connected bool                    `json:"connected"`
}

func (s *Session) priceView() PriceUpdate {
	v := s.View()
	return PriceUpdate{Price: v.PriceData, Stale: v.PriceStale, Error: v.PriceError}
}

func (s *Session) publishCommit(c domain.Commit) {
	for _, ev := range c.Changes(false, false) {
		s.publish(channelName(ev.Table), ev)
	}
}

func (s *Session) publish(event string, data any) {
	if s.viewers.Load() == 0 {
		return
	}
	s.views.Publish(s.userID, Update{Event: event, Data: data})
}

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

func channelName(t domain.Table) string {
	switch t {
	case domain.TablePortfolios:
		return string(realtime.ChannelPortfolio)
	case domain.TableTransactions:
		return string(realtime.ChannelTransaction)
	default:
		return string(realtime.ChannelOrder)
	}
}
