package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/contract"
	"optionsbot/internal/md"
	"optionsbot/internal/order"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

type fakeGateway struct {
	bars        []md.PriceBar
	barsErr     error
	underlying  broker.Quote
	option      broker.Quote
	chain       []contract.ChainEntry
	listed      map[string]bool
	tick        decimal.Decimal
	submitErr   error
	submitGroup broker.OrderGroup
	cancelErr   error
	groupErr    error
	group       broker.OrderGroup

	submitted []order.Bracket
	contracts []contract.Resolved
	cancelled []broker.OrderGroup
	closed    bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		underlying: broker.Quote{Last: decimal.NewFromInt(103)},
		option:     broker.Quote{Last: decimal.RequireFromString("4.20")},
		chain: []contract.ChainEntry{{
			TradingClass: "TSLA",
			Exchange:     "OPRA",
			Strikes:      []decimal.Decimal{decimal.NewFromInt(95), decimal.NewFromInt(100), decimal.NewFromInt(105), decimal.NewFromInt(110)},
			Expirations: []civil.Date{
				{Year: 2024, Month: time.March, Day: 15},
				{Year: 2024, Month: time.March, Day: 8},
				{Year: 2024, Month: time.March, Day: 22},
			},
		}},
		listed: map[string]bool{},
		tick:   decimal.RequireFromString("0.05"),
		submitGroup: broker.OrderGroup{
			ParentID: "parent-1",
			Status:   "new",
			Working:  true,
		},
	}
}

// listAll makes every candidate the selector asks about resolvable.
func (f *fakeGateway) listAll() {
	f.listed = nil
}

func (f *fakeGateway) HistoricalBars(ctx context.Context, symbol string, lookback, barSize time.Duration) ([]md.PriceBar, error) {
	return f.bars, f.barsErr
}

func (f *fakeGateway) CurrentTime(ctx context.Context) (time.Time, error) {
	return testNow, nil
}

func (f *fakeGateway) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	return f.underlying, nil
}

func (f *fakeGateway) OptionQuote(ctx context.Context, c contract.Resolved) (broker.Quote, error) {
	return f.option, nil
}

func (f *fakeGateway) ResolveContract(ctx context.Context, spec contract.Spec) (contract.Resolved, bool, error) {
	if f.listed != nil && !f.listed[spec.Key()] {
		return contract.Resolved{}, false, nil
	}
	symbol := fmt.Sprintf("%s%s%s%s", spec.TradingClass, spec.Expiration, spec.Right, spec.Strike)
	return contract.Resolved{Spec: spec, Symbol: symbol, Multiplier: decimal.NewFromInt(100)}, true, nil
}

func (f *fakeGateway) OptionChain(ctx context.Context, underlying string) ([]contract.ChainEntry, error) {
	return f.chain, nil
}

func (f *fakeGateway) TickSize(ctx context.Context, c contract.Resolved) (decimal.Decimal, error) {
	return f.tick, nil
}

func (f *fakeGateway) SubmitBracket(ctx context.Context, c contract.Resolved, b order.Bracket, clientOrderID string) (broker.OrderGroup, error) {
	if f.submitErr != nil {
		return broker.OrderGroup{}, f.submitErr
	}
	f.submitted = append(f.submitted, b)
	f.contracts = append(f.contracts, c)
	group := f.submitGroup
	group.ClientOrderID = clientOrderID
	f.group = group
	return group, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, g broker.OrderGroup) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, g)
	return nil
}

func (f *fakeGateway) OrderGroup(ctx context.Context, parentID string) (broker.OrderGroup, error) {
	return f.group, f.groupErr
}

func (f *fakeGateway) Close() error {
	f.closed = true
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Mode:            config.ModePaper,
		Symbol:          "TSLA",
		TradingClass:    "TSLA",
		Exchange:        "OPRA",
		StrikeIncrement: decimal.NewFromInt(5),
		ExpiryHorizon:   3,
		BarsWindow:      200,
		FastWindow:      4,
		SlowWindow:      55,
		BarSize:         15 * time.Minute,
		Lookback:        7 * 24 * time.Hour,
		SessionOpen:     0,
		MarketClose:     24 * time.Hour,
		Location:        time.UTC,
		Qty:             1,
		MaxNotional:     decimal.NewFromInt(1000),
		ProfitPct:       decimal.RequireFromString("0.5"),
		LossPct:         decimal.RequireFromString("0.25"),
	}
}

func newTestEngine(t *testing.T, cfg config.Config, gw *fakeGateway) *Engine {
	t.Helper()
	decisions, err := NewDecisionLogger(filepath.Join(t.TempDir(), "decisions.ndjson"), "run")
	require.NoError(t, err)
	t.Cleanup(func() { _ = decisions.Close() })
	e := New(cfg, strategy.EMACrossover{}, risk.Gate{}, gw, decisions)
	e.now = func() time.Time { return testNow }
	return e
}

// appendCloses appends bars with the given closes after the existing ones, 15 minutes apart.
func appendCloses(bars []md.PriceBar, closes ...float64) []md.PriceBar {
	start := time.Date(2024, 2, 26, 14, 30, 0, 0, time.UTC)
	out := append([]md.PriceBar(nil), bars...)
	for _, c := range closes {
		out = append(out, md.PriceBar{
			Timestamp: start.Add(time.Duration(len(out)) * 15 * time.Minute),
			Close:     decimal.NewFromFloat(c),
		})
	}
	return out
}

func ramp(from, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}
