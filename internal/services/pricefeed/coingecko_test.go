package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesats/safesats/internal/domain"
)

func TestCoinGeckoSource_Fetch(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":65000.5,"usd_24h_change":1200.25,"usd_24h_vol":123456789,"last_updated_at":1767225600}}`))
	}))
	defer srv.Close()

	src := NewCoinGeckoSource(srv.Client(), srv.URL, "bitcoin", "USD")
	q, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "65000.5", q.Price.String())
	assert.Equal(t, "1200.25", q.ChangeAbs.String())
	assert.Equal(t, "123456789", q.Volume.String())
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), q.UpdatedAt)

	assert.Equal(t, "bitcoin", query["ids"])
	assert.Equal(t, "usd", query["vs_currencies"])
	assert.Equal(t, "true", query["include_24hr_change"])
	assert.Equal(t, "true", query["include_24hr_vol"])
	assert.Equal(t, "true", query["include_last_updated_at"])
}

func TestCoinGeckoSource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		expect error
	}{
		{"Missing asset key", http.StatusOK, `{}`, domain.ErrInvalidResponseFormat},
		{"Missing quote key", http.StatusOK, `{"bitcoin":{"eur":1}}`, domain.ErrInvalidResponseFormat},
		{"Malformed body", http.StatusOK, `not json`, domain.ErrInvalidResponseFormat},
		{"Upstream error status", http.StatusTooManyRequests, `{}`, domain.ErrNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewCoinGeckoSource(srv.Client(), srv.URL, "bitcoin", "usd").Fetch(context.Background())
			require.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestCoinGeckoSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewCoinGeckoSource(nil, url, "bitcoin", "usd").Fetch(context.Background())
	require.ErrorIs(t, err, domain.ErrNetworkFailure)
}
