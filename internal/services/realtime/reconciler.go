// Package realtime keeps a user's change feed connected and dispatches its
// events, together with price ticks, to channel handlers in delivery order.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/pkg/retrier"
)

// Channel names a stream handlers can subscribe to.
type Channel string

const (
	ChannelPortfolio   Channel = "portfolio"
	ChannelTransaction Channel = "transaction"
	ChannelOrder       Channel = "order"
	ChannelPrice       Channel = "price"
	ChannelConnection  Channel = "connection"
)

// Channels every channel a handler can subscribe to.
var Channels = []Channel{ChannelPortfolio, ChannelTransaction, ChannelOrder, ChannelPrice, ChannelConnection}

// Event one delivery. Exactly one payload field is set, matching Channel.
type Event struct {
	Channel Channel
	Change  *domain.ChangeEvent
	Price   *domain.PriceSnapshot
	Status  domain.ConnectionStatus
}

// Handler receives events of one channel. Handlers run on the dispatch goroutine.
type Handler func(Event)

// ChangeFeed source of per-user change events; a closed channel means the feed was lost.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error)
}

var (
	ErrAlreadyInitialized = errors.New("realtime already initialized")
	ErrClosed             = errors.New("realtime closed")
)

const queueSize = 256

type registration struct {
	id      uint64
	handler Handler
}

// Reconciler connects to a ChangeFeed and fans its events out to handlers.
type Reconciler struct {
	feed    ChangeFeed
	logger  *zap.Logger
	retrier *retrier.Retrier

	mu       sync.RWMutex
	handlers map[Channel][]registration
	nextID   uint64
	status   domain.ConnectionStatus

	qmu    sync.RWMutex
	queue  chan Event
	closed bool

	started   bool
	cancel    context.CancelFunc
	runWG     sync.WaitGroup
	dispatchW sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetrier overrides the reconnect backoff.
func WithRetrier(rt *retrier.Retrier) Option {
	return func(r *Reconciler) {
		r.retrier = rt
	}
}

// NewReconciler creates a disconnected reconciler and starts its dispatcher.
func NewReconciler(feed ChangeFeed, opts ...Option) *Reconciler {
	r := &Reconciler{
		feed:     feed,
		logger:   zap.NewNop(),
		handlers: make(map[Channel][]registration),
		status:   domain.StatusDisconnected,
		queue:    make(chan Event, queueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retrier == nil {
		r.retrier = retrier.New(
			retrier.WithMaxRetries(retrier.Unlimited),
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(30*time.Second),
			retrier.WithRetryIf(func(err error) bool {
				return !errors.Is(err, domain.ErrPermissionDenied)
			}),
			retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				r.logger.Warn("realtime subscribe failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			}),
		)
	}

	r.dispatchW.Add(1)
	go r.dispatch()

	return r
}

// Subscribe registers handler for channel and returns its unsubscribe func.
func (r *Reconciler) Subscribe(channel Channel, handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[channel] = append(r.handlers[channel], registration{id: id, handler: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		regs := r.handlers[channel]
		for i, reg := range regs {
			if reg.id == id {
				r.handlers[channel] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Initialize opens the user's change feed and keeps it connected until Close.
// Connection progress is reported on the connection channel.
func (r *Reconciler) Initialize(ctx context.Context, userID string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if r.isClosed() {
		cancel()
		return ErrClosed
	}

	r.runWG.Add(1)
	go r.run(ctx, userID)

	return nil
}

// Status returns the current connection state.
func (r *Reconciler) Status() domain.ConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// PublishPrice delivers a price tick on the price channel.
func (r *Reconciler) PublishPrice(snap domain.PriceSnapshot) {
	r.enqueue(Event{Channel: ChannelPrice, Price: &snap})
}

// Close disconnects the feed, delivers the final status and stops the dispatcher.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.runWG.Wait()

		r.qmu.Lock()
		r.closed = true
		close(r.queue)
		r.qmu.Unlock()

		r.dispatchW.Wait()
	})
}

func (r *Reconciler) run(ctx context.Context, userID string) {
	defer r.runWG.Done()

	next := domain.StatusConnecting
	for {
		r.setStatus(next)

		connCtx, cancel := context.WithCancel(ctx)
		ch, err := retrier.DoWithData(r.retrier, connCtx, func(ctx context.Context) (<-chan domain.ChangeEvent, error) {
			return r.feed.Subscribe(ctx, userID)
		})
		if err != nil {
			cancel()
			if ctx.Err() == nil {
				r.logger.Error("realtime subscribe gave up", zap.String("user", userID), zap.Error(err))
			}
			r.setStatus(domain.StatusDisconnected)
			return
		}

		r.setStatus(domain.StatusConnected)
		r.logger.Debug("realtime connected", zap.String("user", userID))

		r.pump(connCtx, ch)
		cancel()

		if ctx.Err() != nil {
			r.setStatus(domain.StatusDisconnected)
			return
		}

		r.logger.Warn("realtime channel lost, reconnecting", zap.String("user", userID))
		next = domain.StatusReconnecting
	}
}

// pump forwards change events until the feed closes or ctx is done.
func (r *Reconciler) pump(ctx context.Context, ch <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			channel, known := channelFor(ev.Table)
			if !known {
				r.logger.Warn("dropping change of unknown table", zap.String("table", string(ev.Table)))
				continue
			}
			change := ev
			r.enqueue(Event{Channel: channel, Change: &change})
		}
	}
}

func channelFor(t domain.Table) (Channel, bool) {
	switch t {
	case domain.TablePortfolios:
		return ChannelPortfolio, true
	case domain.TableTransactions:
		return ChannelTransaction, true
	case domain.TableOrders:
		return ChannelOrder, true
	default:
		return "", false
	}
}

func (r *Reconciler) setStatus(s domain.ConnectionStatus) {
	r.mu.Lock()
	if r.status == s {
		r.mu.Unlock()
		return
	}
	r.status = s
	r.mu.Unlock()

	r.enqueue(Event{Channel: ChannelConnection, Status: s})
}

func (r *Reconciler) enqueue(ev Event) {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.closed {
		return
	}
	r.queue <- ev
}

func (r *Reconciler) isClosed() bool {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	return r.closed
}

func (r *Reconciler) dispatch() {
	defer r.dispatchW.Done()

	for ev := range r.queue {
		r.mu.RLock()
		regs := r.handlers[ev.Channel]
		r.mu.RUnlock()

		for _, reg := range regs {
			reg.handler(ev)
		}
	}
}
