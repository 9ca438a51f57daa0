// Package domain defines core data structures used throughout the bot.
package domain

import (
	"fmt"
	"strings"
)

// knownQuotes quote assets recognised when a symbol is given without a separator.
var knownQuotes = []string{"USDT", "USDC"}

// Pair spot trading pair.
type Pair struct {
	// From base currency symbol.
	From string
	// To quote currency symbol.
	To string
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}

// ParsePair accepts both "ETH_USDT" and "ETHUSDT" forms.
func ParsePair(s string) (Pair, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Pair{}, fmt.Errorf("empty pair")
	}

	if strings.Contains(s, "_") {
		parts := strings.Split(s, "_")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Pair{}, fmt.Errorf("invalid pair %q", s)
		}
		return Pair{From: parts[0], To: parts[1]}, nil
	}

	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{From: strings.TrimSuffix(s, quote), To: quote}, nil
		}
	}

	return Pair{}, fmt.Errorf("cannot derive base asset from %q, expected a %s quoted symbol", s, strings.Join(knownQuotes, "/"))
}
