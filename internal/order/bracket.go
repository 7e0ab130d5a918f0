// Package order builds the three-leg bracket orders the bot submits.
package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

var (
	ErrInvalidPrice   = errors.New("invalid bracket price")
	ErrInvalidPercent = errors.New("percent must be inside (0, 1)")
)

// Bracket is an entry limit order with a contingent take-profit and stop-loss.
type Bracket struct {
	Side       Side
	Qty        int
	EntryLimit decimal.Decimal
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// Validate checks the price ladder: stop < entry < target for buys, reversed for sells.
func (b Bracket) Validate() error {
	if b.Qty <= 0 {
		return fmt.Errorf("bracket qty must be > 0, got %d", b.Qty)
	}
	var ordered bool
	switch b.Side {
	case Buy:
		ordered = b.StopLoss.LessThan(b.EntryLimit) && b.EntryLimit.LessThan(b.TakeProfit)
	case Sell:
		ordered = b.TakeProfit.LessThan(b.EntryLimit) && b.EntryLimit.LessThan(b.StopLoss)
	default:
		return fmt.Errorf("unknown side %q", b.Side)
	}
	if !ordered {
		return fmt.Errorf("%w: side=%s entry=%s take_profit=%s stop_loss=%s", ErrInvalidPrice, b.Side, b.EntryLimit, b.TakeProfit, b.StopLoss)
	}
	for _, p := range []decimal.Decimal{b.EntryLimit, b.TakeProfit, b.StopLoss} {
		if !p.IsPositive() {
			return fmt.Errorf("%w: non-positive leg price %s", ErrInvalidPrice, p)
		}
	}
	return nil
}

// RoundToTick snaps v to the nearest multiple of tick, half to even.
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).RoundBank(0).Mul(tick)
}

// Build prices a bracket around the option's last price. A buy enters two
// ticks under the market, a sell two ticks over it. Target and stop are
// fractions of price and are kept at least one tick beyond the entry.
func Build(side Side, qty int, price, tick, profitPct, lossPct decimal.Decimal) (Bracket, error) {
	if qty <= 0 {
		return Bracket{}, fmt.Errorf("bracket qty must be > 0, got %d", qty)
	}
	if !price.IsPositive() {
		return Bracket{}, fmt.Errorf("%w: reference price %s", ErrInvalidPrice, price)
	}
	if !tick.IsPositive() {
		return Bracket{}, fmt.Errorf("%w: tick size %s", ErrInvalidPrice, tick)
	}
	if !inUnitInterval(profitPct) || !inUnitInterval(lossPct) {
		return Bracket{}, fmt.Errorf("%w: profit=%s loss=%s", ErrInvalidPercent, profitPct, lossPct)
	}

	twoTicks := tick.Mul(decimal.NewFromInt(2))
	profit := price.Mul(profitPct)
	loss := price.Mul(lossPct)

	b := Bracket{Side: side, Qty: qty}
	switch side {
	case Buy:
		b.EntryLimit = RoundToTick(price.Sub(twoTicks), tick)
		b.TakeProfit = decimal.Max(RoundToTick(price.Add(profit), tick), b.EntryLimit.Add(tick))
		b.StopLoss = decimal.Min(RoundToTick(price.Sub(loss), tick), b.EntryLimit.Sub(tick))
	case Sell:
		b.EntryLimit = RoundToTick(price.Add(twoTicks), tick)
		b.TakeProfit = decimal.Min(RoundToTick(price.Sub(profit), tick), b.EntryLimit.Sub(tick))
		b.StopLoss = decimal.Max(RoundToTick(price.Add(loss), tick), b.EntryLimit.Add(tick))
	default:
		return Bracket{}, fmt.Errorf("unknown side %q", side)
	}

	if err := b.Validate(); err != nil {
		return Bracket{}, err
	}
	return b, nil
}

func inUnitInterval(v decimal.Decimal) bool {
	return v.IsPositive() && v.LessThan(decimal.NewFromInt(1))
}
