package clients

import (
	"net/http"

	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient returns an unauthenticated client for public market endpoints.
func NewBinanceClient(httpClient *http.Client) *binance.Client {
	client := binance.NewClient("", "")
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return client
}
