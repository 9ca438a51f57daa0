package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient SDK client used for the public market endpoints.
// An empty baseURL keeps the SDK default (mainnet).
func NewBybitClient(baseURL, apiKey, apiSecret string) *bybit.Client {
	client := bybit.NewClient()
	if baseURL != "" {
		client = client.WithBaseURL(baseURL)
	}
	if apiKey != "" && apiSecret != "" {
		client = client.WithAuth(apiKey, apiSecret)
	}

	return client
}
