package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/safesats/safesats/internal/domain"
)

// DefaultCoinGeckoURL public simple/price endpoint.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoSource queries the simple/price endpoint for one asset id and quote currency.
type CoinGeckoSource struct {
	client  *http.Client
	baseURL string
	assetID string
	quote   string
}

// NewCoinGeckoSource creates a source for assetID (e.g. "bitcoin") quoted in quote (e.g. "usd").
func NewCoinGeckoSource(client *http.Client, baseURL, assetID, quote string) *CoinGeckoSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGeckoSource{
		client:  client,
		baseURL: baseURL,
		assetID: strings.ToLower(assetID),
		quote:   strings.ToLower(quote),
	}
}

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context) (Quote, error) {
	params := url.Values{}
	params.Set("ids", s.assetID)
	params.Set("vs_currencies", s.quote)
	params.Set("include_24hr_change", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_last_updated_at", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, errors.Wrap(err, "build coingecko request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, fmt.Sprintf("coingecko status %d", resp.StatusCode))
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, errors.Wrap(domain.ErrInvalidResponseFormat, err.Error())
	}

	fields, ok := body[s.assetID]
	if !ok {
		return Quote{}, errors.Wrapf(domain.ErrInvalidResponseFormat, "missing asset %q", s.assetID)
	}
	price, ok := fields[s.quote]
	if !ok {
		return Quote{}, errors.Wrapf(domain.ErrInvalidResponseFormat, "missing quote %q", s.quote)
	}

	q := Quote{
		Price:     price,
		ChangeAbs: fields[s.quote+"_24h_change"],
		Volume:    fields[s.quote+"_24h_vol"],
	}
	if ts, ok := fields["last_updated_at"]; ok && ts.IsPositive() {
		q.UpdatedAt = time.Unix(ts.IntPart(), 0).UTC()
	}

	return q, nil
}
