package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{in: "ETHUSDT", want: Pair{From: "ETH", To: "USDT"}},
		{in: "eth_usdt", want: Pair{From: "ETH", To: "USDT"}},
		{in: "USDCUSDT", want: Pair{From: "USDC", To: "USDT"}},
		{in: "BTCUSDC", want: Pair{From: "BTC", To: "USDC"}},
		{in: "USDT", wantErr: true},
		{in: "ETHBTC", wantErr: true},
		{in: "_USDT", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePair(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want.From+tt.want.To, got.Symbol())
		})
	}
}
