package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesats/safesats/internal/auth"
	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/services/pricefeed"
	"github.com/safesats/safesats/internal/session"
	"github.com/safesats/safesats/internal/storage/walstore"
	"github.com/safesats/safesats/pkg/retrier"
)

const testSecret = "test-secret"

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type testEnv struct {
	server *httptest.Server
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := walstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := pricefeed.SourceFunc(func(context.Context) (pricefeed.Quote, error) {
		return pricefeed.Quote{Price: decimal.NewFromInt(100)}, nil
	})

	factory := func(userID string) (*session.Session, error) {
		return session.New(userID, session.Deps{
			Store:  store,
			Source: src,
			Retrier: retrier.New(
				retrier.WithMaxRetries(retrier.Unlimited),
				retrier.WithInitialInterval(time.Millisecond),
			),
		}, session.Config{
			Feed: pricefeed.Config{
				Pair:         domain.Pair{From: "BTC", To: "USD"},
				ExchangeRate: decimal.NewFromInt(1),
				Interval:     time.Hour,
			},
			InitialBalance: decimal.NewFromInt(10000),
		})
	}
	manager := session.NewManager(factory, 0, nil)
	t.Cleanup(manager.CloseAll)

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	token, err := issuer.Issue("user-1")
	require.NoError(t, err)

	srv := NewServer(Config{Heartbeat: 50 * time.Millisecond}, manager, verifier, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// waitForPrice opens the session and blocks until its first price arrived.
func (e *testEnv) waitForPrice(t *testing.T) {
	t.Helper()

	status, _ := e.do(t, http.MethodPost, "/api/session", nil)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		_, resp := e.do(t, http.MethodGet, "/api/session", nil)
		var view session.View
		if err := json.Unmarshal(resp.Data, &view); err != nil {
			return false
		}
		return view.PriceData != nil && !view.Loading
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	status, resp := env.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, resp.Success)
	assert.Equal(t, "PermissionDenied", resp.Error)

	env.token = "not-a-jwt"
	status, _ = env.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_MarketOrders(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	status, resp := env.do(t, http.MethodPost, "/api/orders/market", map[string]string{"side": "buy", "amount": "1000"})
	require.Equal(t, http.StatusOK, status, resp.Message)
	require.True(t, resp.Success)

	var out struct {
		Transaction domain.Transaction `json:"transaction"`
		View        session.View       `json:"view"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.True(t, decimal.NewFromInt(10).Equal(out.Transaction.AssetAmount))
	require.NotNil(t, out.View.Portfolio)
	assert.True(t, decimal.NewFromInt(9000).Equal(out.View.Portfolio.FiatBalance))

	status, resp = env.do(t, http.MethodPost, "/api/orders/market", map[string]string{"side": "sell", "amount": "4"})
	require.Equal(t, http.StatusOK, status, resp.Message)

	status, resp = env.do(t, http.MethodGet, "/api/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(resp.Data, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, domain.SideSell, txs[0].Side)
}

func TestAPI_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "Insufficient fiat",
			method: http.MethodPost,
			path:   "/api/orders/market",
			body:   map[string]string{"side": "buy", "amount": "10001"},
			status: http.StatusUnprocessableEntity,
			code:   "InsufficientBalance",
		},
		{
			name:   "Non-positive amount",
			method: http.MethodPost,
			path:   "/api/orders/market",
			body:   map[string]string{"side": "sell", "amount": "0"},
			status: http.StatusUnprocessableEntity,
			code:   "InvalidAmount",
		},
		{
			name:   "Unknown side",
			method: http.MethodPost,
			path:   "/api/orders/limit",
			body:   map[string]string{"side": "hold", "amount": "1", "price": "1"},
			status: http.StatusUnprocessableEntity,
			code:   "InvalidAmount",
		},
		{
			name:   "Unknown order",
			method: http.MethodDelete,
			path:   "/api/orders/missing",
			status: http.StatusNotFound,
			code:   "NotFound",
		},
		{
			name:   "Invalid page size",
			method: http.MethodGet,
			path:   "/api/transactions?limit=-1",
			status: http.StatusUnprocessableEntity,
			code:   "InvalidAmount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestAPI_LimitOrderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	status, resp := env.do(t, http.MethodPost, "/api/orders/limit", map[string]string{"side": "buy", "amount": "500", "price": "90"})
	require.Equal(t, http.StatusOK, status, resp.Message)

	var placed struct {
		Order domain.Order `json:"order"`
		View  session.View `json:"view"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &placed))
	require.NotEmpty(t, placed.Order.ID)
	assert.Equal(t, domain.OrderStatusPending, placed.Order.Status)
	assert.Len(t, placed.View.PendingOrders, 1)

	status, resp = env.do(t, http.MethodDelete, "/api/orders/"+placed.Order.ID, nil)
	require.Equal(t, http.StatusOK, status, resp.Message)

	var cancelled struct {
		Order domain.Order `json:"order"`
		View  session.View `json:"view"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &cancelled))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Order.Status)
	assert.Empty(t, cancelled.View.PendingOrders)
}

func TestAPI_ResetAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	status, _ := env.do(t, http.MethodPost, "/api/orders/market", map[string]string{"side": "buy", "amount": "1000"})
	require.Equal(t, http.StatusOK, status)

	status, resp := env.do(t, http.MethodPost, "/api/portfolio/reset", nil)
	require.Equal(t, http.StatusOK, status, resp.Message)
	var out struct {
		View session.View `json:"view"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.True(t, decimal.NewFromInt(10000).Equal(out.View.Portfolio.FiatBalance))
	assert.Empty(t, out.View.Transactions)

	status, resp = env.do(t, http.MethodPost, "/api/price/refresh", nil)
	require.Equal(t, http.StatusOK, status, resp.Message)
	var snap domain.PriceSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.True(t, decimal.NewFromInt(100).Equal(snap.SpotPriceQuote))
}

func TestAPI_CloseSession(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	status, _ := env.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusOK, status)

	status, resp := env.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", resp.Error)
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	env.waitForPrice(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/stream?access_token="+env.token, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("no %q line received", prefix)
				return ""
			}
		}
	}

	waitFor("event: snapshot")

	status, _ := env.do(t, http.MethodPost, "/api/orders/market", map[string]string{"side": "buy", "amount": "1000"})
	require.Equal(t, http.StatusOK, status)

	waitFor("event: transaction")
	waitFor("event: portfolio")
	waitFor(": ping")
}
