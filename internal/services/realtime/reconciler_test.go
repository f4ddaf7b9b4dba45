package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/pkg/retrier"
)

type fakeFeed struct {
	mu    sync.Mutex
	subs  []chan domain.ChangeEvent
	fails int
	err   error
}

func (f *fakeFeed) Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fails > 0 {
		f.fails--
		return nil, f.err
	}
	ch := make(chan domain.ChangeEvent, 16)
	f.subs = append(f.subs, ch)
	return ch, nil
}

func (f *fakeFeed) current() chan domain.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) statuses() []domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConnectionStatus
	for _, ev := range r.events {
		if ev.Channel == ChannelConnection {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *recorder) channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Channel
	for _, ev := range r.events {
		if ev.Channel != ChannelConnection {
			out = append(out, ev.Channel)
		}
	}
	return out
}

func fastRetrier() *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(retrier.Unlimited),
		retrier.WithInitialInterval(time.Millisecond),
		retrier.WithMaxInterval(5*time.Millisecond),
		retrier.WithRetryIf(func(err error) bool { return !errors.Is(err, domain.ErrPermissionDenied) }),
	)
}

func subscribeAll(r *Reconciler, rec *recorder) {
	for _, ch := range Channels {
		r.Subscribe(ch, rec.handle)
	}
}

func TestReconciler_DispatchesInDeliveryOrder(t *testing.T) {
	feed := &fakeFeed{}
	r := NewReconciler(feed, WithRetrier(fastRetrier()))
	rec := &recorder{}
	subscribeAll(r, rec)

	require.NoError(t, r.Initialize(context.Background(), "u1"))
	require.ErrorIs(t, r.Initialize(context.Background(), "u1"), ErrAlreadyInitialized)
	require.Eventually(t, func() bool { return r.Status() == domain.StatusConnected }, time.Second, time.Millisecond)

	ch := feed.current()
	ch <- domain.ChangeEvent{Type: domain.EventInsert, Table: domain.TableTransactions, UserID: "u1", Transaction: &domain.Transaction{ID: "t1"}}
	ch <- domain.ChangeEvent{Type: domain.EventInsert, Table: domain.TableOrders, UserID: "u1", Order: &domain.Order{ID: "o1"}}
	ch <- domain.ChangeEvent{Type: domain.EventUpdate, Table: domain.TablePortfolios, UserID: "u1", Portfolio: &domain.Portfolio{UserID: "u1"}}
	ch <- domain.ChangeEvent{Type: domain.EventInsert, Table: "unknown", UserID: "u1"}

	require.Eventually(t, func() bool { return len(rec.channels()) == 3 }, time.Second, time.Millisecond)
	r.PublishPrice(domain.PriceSnapshot{SpotPriceLocal: decimal.NewFromInt(1), ObservedAt: time.Now()})
	require.Eventually(t, func() bool { return len(rec.channels()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []Channel{ChannelTransaction, ChannelOrder, ChannelPortfolio, ChannelPrice}, rec.channels())

	r.Close()
	r.Close()
	assert.Equal(t, []domain.ConnectionStatus{
		domain.StatusConnecting,
		domain.StatusConnected,
		domain.StatusDisconnected,
	}, rec.statuses())
}

func TestReconciler_ReconnectsAfterChannelLoss(t *testing.T) {
	feed := &fakeFeed{fails: 2, err: errors.Wrap(domain.ErrNetworkFailure, "refused")}
	r := NewReconciler(feed, WithRetrier(fastRetrier()))
	rec := &recorder{}
	subscribeAll(r, rec)

	require.NoError(t, r.Initialize(context.Background(), "u1"))
	require.Eventually(t, func() bool { return r.Status() == domain.StatusConnected }, time.Second, time.Millisecond)

	close(feed.current())
	require.Eventually(t, func() bool { return feed.count() == 2 && r.Status() == domain.StatusConnected }, time.Second, time.Millisecond)

	r.Close()
	assert.Equal(t, []domain.ConnectionStatus{
		domain.StatusConnecting,
		domain.StatusConnected,
		domain.StatusReconnecting,
		domain.StatusConnected,
		domain.StatusDisconnected,
	}, rec.statuses())
}

func TestReconciler_GivesUpOnPermissionDenied(t *testing.T) {
	feed := &fakeFeed{fails: 1, err: errors.Wrap(domain.ErrPermissionDenied, "rls")}
	r := NewReconciler(feed, WithRetrier(fastRetrier()))
	rec := &recorder{}
	subscribeAll(r, rec)

	require.NoError(t, r.Initialize(context.Background(), "u1"))
	require.Eventually(t, func() bool {
		s := rec.statuses()
		return len(s) == 2 && s[1] == domain.StatusDisconnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, feed.count())

	r.Close()
}

func TestReconciler_Unsubscribe(t *testing.T) {
	r := NewReconciler(&fakeFeed{}, WithRetrier(fastRetrier()))
	defer r.Close()

	first, second := &recorder{}, &recorder{}
	unsubscribe := r.Subscribe(ChannelPrice, first.handle)
	r.Subscribe(ChannelPrice, second.handle)

	r.PublishPrice(domain.PriceSnapshot{ObservedAt: time.Now()})
	require.Eventually(t, func() bool { return len(second.channels()) == 1 }, time.Second, time.Millisecond)

	unsubscribe()
	r.PublishPrice(domain.PriceSnapshot{ObservedAt: time.Now()})
	require.Eventually(t, func() bool { return len(second.channels()) == 2 }, time.Second, time.Millisecond)
	assert.Len(t, first.channels(), 1)
}

func TestReconciler_PublishAfterCloseIsIgnored(t *testing.T) {
	r := NewReconciler(&fakeFeed{})
	r.Close()

	r.PublishPrice(domain.PriceSnapshot{})
	require.ErrorIs(t, r.Initialize(context.Background(), "u1"), ErrClosed)
}
