package broker

import (
	"context"
	"errors"
	"time"

	"optionsbot/internal/contract"
	"optionsbot/internal/md"
	"optionsbot/internal/order"

	"github.com/shopspring/decimal"
)

var (
	// ErrConnectivity means the broker could not be reached. It ends the session.
	ErrConnectivity = errors.New("broker unreachable")
	// ErrOrderRejected means the broker refused an order or one of its legs.
	ErrOrderRejected = errors.New("order rejected")
)

type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
}

// Reference is the last trade, or the bid/ask midpoint when nothing has traded.
func (q Quote) Reference() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return decimal.Zero
}

// OrderGroup identifies a submitted bracket: the entry order and its contingent legs.
type OrderGroup struct {
	ParentID      string
	ClientOrderID string
	ChildIDs      []string
	Status        string
	Working       bool
	// Filled is set once the entry has filled and the exits must be in place.
	Filled bool
}

// Complete reports whether the bracket is whole: an entry still waiting to
// fill, or a filled entry with both contingent legs accepted.
func (g OrderGroup) Complete() bool {
	return !g.Filled || len(g.ChildIDs) >= 2
}

type MarketData interface {
	HistoricalBars(ctx context.Context, symbol string, lookback, barSize time.Duration) ([]md.PriceBar, error)
	CurrentTime(ctx context.Context) (time.Time, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	OptionQuote(ctx context.Context, c contract.Resolved) (Quote, error)
}

type ContractReference interface {
	contract.Resolver
	OptionChain(ctx context.Context, underlying string) ([]contract.ChainEntry, error)
	TickSize(ctx context.Context, c contract.Resolved) (decimal.Decimal, error)
}

type Execution interface {
	SubmitBracket(ctx context.Context, c contract.Resolved, b order.Bracket, clientOrderID string) (OrderGroup, error)
	CancelOrder(ctx context.Context, g OrderGroup) error
	OrderGroup(ctx context.Context, parentID string) (OrderGroup, error)
	Close() error
}

// Gateway is everything the engine needs from the broker.
type Gateway interface {
	MarketData
	ContractReference
	Execution
}
