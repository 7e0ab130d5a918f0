// Package contract describes option contracts and picks the one to trade.
package contract

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// ChainEntry is one trading class of the underlying's option chain on one exchange.
type ChainEntry struct {
	TradingClass string
	Exchange     string
	Strikes      []decimal.Decimal
	Expirations  []civil.Date
}

func (c ChainEntry) HasStrike(strike decimal.Decimal) bool {
	for _, s := range c.Strikes {
		if s.Equal(strike) {
			return true
		}
	}
	return false
}

// Spec identifies a tradable option contract.
type Spec struct {
	Underlying   string
	Expiration   civil.Date
	Strike       decimal.Decimal
	Right        Right
	Exchange     string
	TradingClass string
}

// Key is a stable identity for the contract, usable as a map key.
func (s Spec) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", s.Underlying, s.Expiration, s.Strike.String(), s.Right, s.Exchange, s.TradingClass)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %s %s%s", s.Underlying, s.Expiration, s.Strike.String(), s.Right)
}

// Resolved is a Spec the broker recognised, together with its broker symbol.
type Resolved struct {
	Spec       Spec
	Symbol     string
	ID         string
	Multiplier decimal.Decimal
}
