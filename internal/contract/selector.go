package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

var ErrNoTradableContract = errors.New("no tradable contract")

// Resolver looks a candidate contract up at the broker. ok is false when the
// broker does not list the contract.
type Resolver interface {
	ResolveContract(ctx context.Context, spec Spec) (resolved Resolved, ok bool, err error)
}

// RoundStrike rounds price to the nearest multiple of increment using
// round-half-to-even, so 102.5 with increment 5 rounds to 100 and 107.5 to 110.
func RoundStrike(price, increment decimal.Decimal) decimal.Decimal {
	return price.Div(increment).RoundBank(0).Mul(increment)
}

// TargetStrike applies the in-the-money bias: calls step one increment below
// the rounded price, puts use the rounded price itself.
func TargetStrike(price, increment decimal.Decimal, right Right) decimal.Decimal {
	rounded := RoundStrike(price, increment)
	if right == Call {
		return rounded.Sub(increment)
	}
	return rounded
}

// NearestExpirations returns up to n expirations on or after today, soonest first.
func NearestExpirations(expirations []civil.Date, n int, today civil.Date) []civil.Date {
	live := make([]civil.Date, 0, len(expirations))
	seen := make(map[civil.Date]bool, len(expirations))
	for _, exp := range expirations {
		if exp.Before(today) || seen[exp] {
			continue
		}
		seen[exp] = true
		live = append(live, exp)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })
	if n <= 0 {
		return nil
	}
	if len(live) > n {
		live = live[:n]
	}
	return live
}

// Candidates builds strike x expiration x right, ordered by expiration.
func Candidates(underlying string, entry ChainEntry, strikes []decimal.Decimal, expirations []civil.Date, rights []Right) []Spec {
	specs := make([]Spec, 0, len(strikes)*len(expirations)*len(rights))
	for _, exp := range expirations {
		for _, strike := range strikes {
			for _, right := range rights {
				specs = append(specs, Spec{
					Underlying:   underlying,
					Expiration:   exp,
					Strike:       strike,
					Right:        right,
					Exchange:     entry.Exchange,
					TradingClass: entry.TradingClass,
				})
			}
		}
	}
	return specs
}

type Request struct {
	Underlying     string
	ReferencePrice decimal.Decimal
	Right          Right
	Chain          []ChainEntry
	Today          civil.Date
}

type Selector struct {
	resolver     Resolver
	increment    decimal.Decimal
	horizon      int
	tradingClass string
	exchange     string
}

func NewSelector(resolver Resolver, increment decimal.Decimal, horizon int, tradingClass, exchange string) *Selector {
	return &Selector{
		resolver:     resolver,
		increment:    increment,
		horizon:      horizon,
		tradingClass: tradingClass,
		exchange:     exchange,
	}
}

// Select resolves the nearest-expiry contract at the target strike. Candidates
// are resolved one at a time in expiration order.
func (s *Selector) Select(ctx context.Context, req Request) (Resolved, error) {
	if !s.increment.IsPositive() {
		return Resolved{}, fmt.Errorf("strike increment must be positive, got %s", s.increment)
	}
	if s.horizon <= 0 {
		return Resolved{}, fmt.Errorf("expiry horizon must be positive, got %d", s.horizon)
	}
	if !req.ReferencePrice.IsPositive() {
		return Resolved{}, fmt.Errorf("%w: reference price %s", ErrNoTradableContract, req.ReferencePrice)
	}

	entry, ok := s.findEntry(req.Chain)
	if !ok {
		return Resolved{}, fmt.Errorf("%w: no chain for class=%s exchange=%s", ErrNoTradableContract, s.tradingClass, s.exchange)
	}

	strike := TargetStrike(req.ReferencePrice, s.increment, req.Right)
	if len(entry.Strikes) > 0 && !entry.HasStrike(strike) {
		return Resolved{}, fmt.Errorf("%w: strike %s not listed", ErrNoTradableContract, strike)
	}
	expirations := NearestExpirations(entry.Expirations, s.horizon, req.Today)
	candidates := Candidates(req.Underlying, entry, []decimal.Decimal{strike}, expirations, []Right{req.Right})
	slog.Info("contract candidates", "underlying", req.Underlying, "reference", req.ReferencePrice, "strike", strike, "right", req.Right, "count", len(candidates))

	resolved := make([]Resolved, 0, len(candidates))
	for _, spec := range candidates {
		contract, ok, err := s.resolver.ResolveContract(ctx, spec)
		if err != nil {
			return Resolved{}, fmt.Errorf("resolve %s: %w", spec, err)
		}
		if !ok {
			slog.Info("contract not resolvable", "contract", spec.String())
			continue
		}
		resolved = append(resolved, contract)
	}
	if len(resolved) == 0 {
		return Resolved{}, fmt.Errorf("%w: %d candidates, none resolved", ErrNoTradableContract, len(candidates))
	}
	return resolved[0], nil
}

func (s *Selector) findEntry(chain []ChainEntry) (ChainEntry, bool) {
	for _, entry := range chain {
		if entry.TradingClass == s.tradingClass && entry.Exchange == s.exchange {
			return entry, true
		}
	}
	return ChainEntry{}, false
}
