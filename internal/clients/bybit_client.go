package clients

import (
	"net/http"

	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient returns an unauthenticated client for public market endpoints.
func NewBybitClient(httpClient *http.Client) *bybit.Client {
	client := bybit.NewClient()
	if httpClient != nil {
		client = client.WithHTTPClient(httpClient)
	}

	return client
}
