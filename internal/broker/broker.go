package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"optionsbot/internal/contract"
	"optionsbot/internal/md"
	"optionsbot/internal/order"

	"cloud.google.com/go/civil"
	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

const occSuffixLen = 15 // YYMMDD + C/P + 8 digit strike

var contractMultiplier = decimal.NewFromInt(100)

type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Feed      string
	Exchange  string
	ChainDays int
}

// tradingAPI is the part of *alpaca.Client the adapter uses.
type tradingAPI interface {
	GetClock() (*alpaca.Clock, error)
	GetOptionContracts(req alpaca.GetOptionContractsRequest) ([]alpaca.OptionContract, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
}

// Client adapts the Alpaca trading and market data APIs to the Gateway interface.
//
// Alpaca takes only simple orders on option contracts, so a bracket is placed
// as a limit entry and its exits are attached once the entry fills: a
// take-profit limit and a stop, each closing the full quantity. When one exit
// fills the other is cancelled.
type Client struct {
	trading   tradingAPI
	data      *marketdata.Client
	feed      marketdata.Feed
	exchange  string
	chainDays int

	mu    sync.Mutex
	exits map[string]*exitPlan
}

// exitPlan holds the legs of a bracket whose entry has been placed.
type exitPlan struct {
	symbol       string
	closeSide    alpaca.Side
	qty          decimal.Decimal
	takeProfit   decimal.Decimal
	stopLoss     decimal.Decimal
	takeProfitID string
	stopLossID   string
}

func (p *exitPlan) legIDs() []string {
	var ids []string
	for _, id := range []string{p.takeProfitID, p.stopLossID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func New(opts Options) *Client {
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
		}),
		feed:      parseFeed(opts.Feed),
		exchange:  opts.Exchange,
		chainDays: opts.ChainDays,
		exits:     map[string]*exitPlan{},
	}
}

func (c *Client) CurrentTime(ctx context.Context) (time.Time, error) {
	clock, err := c.trading.GetClock()
	if err != nil {
		slog.Error("fetch clock failed", "error", err)
		return time.Time{}, classify("get clock", err)
	}
	return clock.Timestamp, nil
}

func (c *Client) HistoricalBars(ctx context.Context, symbol string, lookback, barSize time.Duration) ([]md.PriceBar, error) {
	end := time.Now().UTC()
	bars, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.NewTimeFrame(int(barSize/time.Minute), marketdata.Min),
		Start:      end.Add(-lookback),
		End:        end,
		Feed:       c.feed,
		Adjustment: marketdata.Raw,
	})
	if err != nil {
		slog.Error("fetch bars failed", "symbol", symbol, "error", err)
		return nil, classify("get bars", err)
	}

	out := make([]md.PriceBar, 0, len(bars))
	for _, bar := range bars {
		out = append(out, md.PriceBar{
			Timestamp: bar.Timestamp,
			Open:      decimal.NewFromFloat(bar.Open),
			High:      decimal.NewFromFloat(bar.High),
			Low:       decimal.NewFromFloat(bar.Low),
			Close:     decimal.NewFromFloat(bar.Close),
			Volume:    bar.Volume,
		})
	}
	completed := md.Completed(out, barSize, end)
	slog.Info("bars fetched", "symbol", symbol, "count", len(out), "completed", len(completed))
	return completed, nil
}

func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	snap, err := c.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: c.feed})
	if err != nil {
		slog.Error("fetch snapshot failed", "symbol", symbol, "error", err)
		return Quote{}, classify("get snapshot", err)
	}
	var q Quote
	if snap.LatestQuote != nil {
		q.Bid = decimal.NewFromFloat(snap.LatestQuote.BidPrice)
		q.Ask = decimal.NewFromFloat(snap.LatestQuote.AskPrice)
	}
	if snap.LatestTrade != nil {
		q.Last = decimal.NewFromFloat(snap.LatestTrade.Price)
	}
	return q, nil
}

func (c *Client) OptionQuote(ctx context.Context, oc contract.Resolved) (Quote, error) {
	snap, err := c.data.GetOptionSnapshot(oc.Symbol, marketdata.GetOptionSnapshotRequest{})
	if err != nil {
		slog.Error("fetch option snapshot failed", "symbol", oc.Symbol, "error", err)
		return Quote{}, classify("get option snapshot", err)
	}
	var q Quote
	if snap.LatestQuote != nil {
		q.Bid = decimal.NewFromFloat(snap.LatestQuote.BidPrice)
		q.Ask = decimal.NewFromFloat(snap.LatestQuote.AskPrice)
	}
	if snap.LatestTrade != nil {
		q.Last = decimal.NewFromFloat(snap.LatestTrade.Price)
	}
	return q, nil
}

func (c *Client) OptionChain(ctx context.Context, underlying string) ([]contract.ChainEntry, error) {
	today := civil.DateOf(time.Now().UTC())
	contracts, err := c.trading.GetOptionContracts(alpaca.GetOptionContractsRequest{
		UnderlyingSymbols: underlying,
		ExpirationDateGTE: today,
		ExpirationDateLTE: today.AddDays(c.chainDays),
	})
	if err != nil {
		slog.Error("fetch option chain failed", "underlying", underlying, "error", err)
		return nil, classify("get option contracts", err)
	}
	chain := chainFromContracts(contracts, c.exchange)
	slog.Info("option chain fetched", "underlying", underlying, "contracts", len(contracts), "classes", len(chain))
	return chain, nil
}

func (c *Client) ResolveContract(ctx context.Context, spec contract.Spec) (contract.Resolved, bool, error) {
	contracts, err := c.trading.GetOptionContracts(alpaca.GetOptionContractsRequest{
		UnderlyingSymbols: spec.Underlying,
		ExpirationDate:    spec.Expiration,
		Type:              optionType(spec.Right),
	})
	if err != nil {
		slog.Error("resolve contract failed", "contract", spec.String(), "error", err)
		return contract.Resolved{}, false, classify("resolve contract", err)
	}
	for _, oc := range contracts {
		if !oc.Tradable || !oc.StrikePrice.Equal(spec.Strike) {
			continue
		}
		if spec.TradingClass != "" && occRoot(oc.Symbol) != spec.TradingClass {
			continue
		}
		return contract.Resolved{
			Spec:       spec,
			Symbol:     oc.Symbol,
			ID:         oc.ID,
			Multiplier: contractMultiplier,
		}, true, nil
	}
	return contract.Resolved{}, false, nil
}

// TickSize follows the penny program increments: 0.01 under $3, 0.05 from $3.
func (c *Client) TickSize(ctx context.Context, oc contract.Resolved) (decimal.Decimal, error) {
	q, err := c.OptionQuote(ctx, oc)
	if err != nil {
		return decimal.Zero, err
	}
	return pennyTick(q.Reference()), nil
}

func (c *Client) SubmitBracket(ctx context.Context, oc contract.Resolved, b order.Bracket, clientOrderID string) (OrderGroup, error) {
	qty := decimal.NewFromInt(int64(b.Qty))
	entry := b.EntryLimit
	side, closeSide := alpaca.Buy, alpaca.Sell
	if b.Side == order.Sell {
		side, closeSide = alpaca.Sell, alpaca.Buy
	}

	placed, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        oc.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &entry,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		slog.Error("place entry failed", "symbol", oc.Symbol, "side", side, "qty", b.Qty, "limit", entry, "error", err)
		return OrderGroup{}, classifyOrder("place entry", err)
	}
	slog.Info("place entry success", "order_id", placed.ID, "symbol", oc.Symbol, "side", side, "qty", b.Qty,
		"limit", entry, "take_profit", b.TakeProfit, "stop_loss", b.StopLoss, "status", placed.Status)

	plan := &exitPlan{
		symbol:     oc.Symbol,
		closeSide:  closeSide,
		qty:        qty,
		takeProfit: b.TakeProfit,
		stopLoss:   b.StopLoss,
	}
	c.mu.Lock()
	c.exits[placed.ID] = plan
	c.mu.Unlock()

	return c.follow(placed, plan)
}

// CancelOrder cancels the entry and any exit legs still working. Orders that
// are already closed at the broker are not an error.
func (c *Client) CancelOrder(ctx context.Context, g OrderGroup) error {
	c.mu.Lock()
	plan := c.exits[g.ParentID]
	c.mu.Unlock()

	ids := append([]string{g.ParentID}, g.ChildIDs...)
	if plan != nil {
		ids = append(ids, plan.legIDs()...)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := c.cancel(id); err != nil {
			return classify("cancel order", err)
		}
	}

	c.mu.Lock()
	delete(c.exits, g.ParentID)
	c.mu.Unlock()
	return nil
}

// OrderGroup refreshes a bracket. A filled entry gets its exit legs attached
// here, and a filled exit has its sibling cancelled.
func (c *Client) OrderGroup(ctx context.Context, parentID string) (OrderGroup, error) {
	o, err := c.trading.GetOrder(parentID)
	if err != nil {
		slog.Error("fetch order failed", "order_id", parentID, "error", err)
		return OrderGroup{}, classify("get order", err)
	}
	c.mu.Lock()
	plan := c.exits[parentID]
	c.mu.Unlock()
	if plan == nil {
		return groupFromOrder(o), nil
	}
	return c.follow(o, plan)
}

func (c *Client) follow(entry *alpaca.Order, plan *exitPlan) (OrderGroup, error) {
	group := OrderGroup{
		ParentID:      entry.ID,
		ClientOrderID: entry.ClientOrderID,
		Status:        string(entry.Status),
		Working:       isWorking(string(entry.Status)),
		Filled:        string(entry.Status) == "filled",
	}
	if !group.Filled {
		return group, nil
	}
	group.Working = true

	if err := c.attachExits(plan); err != nil {
		group.ChildIDs = plan.legIDs()
		if errors.Is(err, ErrConnectivity) {
			return group, err
		}
		slog.Error("attach exits failed", "order_id", entry.ID, "legs", len(group.ChildIDs), "error", err)
		return group, nil
	}
	group.ChildIDs = plan.legIDs()

	legs := map[string]*alpaca.Order{}
	for _, id := range group.ChildIDs {
		leg, err := c.trading.GetOrder(id)
		if err != nil {
			slog.Error("fetch exit leg failed", "order_id", id, "error", err)
			return group, classify("get exit leg", err)
		}
		legs[id] = leg
	}

	for id, leg := range legs {
		if string(leg.Status) != "filled" {
			continue
		}
		for otherID := range legs {
			if otherID == id {
				continue
			}
			if err := c.cancel(otherID); err != nil {
				return group, classify("cancel exit leg", err)
			}
		}
		group.Working = false
		group.Status = "take_profit_filled"
		if id == plan.stopLossID {
			group.Status = "stop_loss_filled"
		}
		return group, nil
	}

	working := false
	for _, leg := range legs {
		if isWorking(string(leg.Status)) {
			working = true
		}
	}
	if !working {
		group.Working = false
		group.Status = "exits_closed"
	}
	return group, nil
}

// attachExits places whichever exit legs are still missing.
func (c *Client) attachExits(plan *exitPlan) error {
	if plan.takeProfitID == "" {
		takeProfit := plan.takeProfit
		placed, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      plan.symbol,
			Qty:         &plan.qty,
			Side:        plan.closeSide,
			Type:        alpaca.Limit,
			TimeInForce: alpaca.Day,
			LimitPrice:  &takeProfit,
		})
		if err != nil {
			return classifyOrder("place take profit", err)
		}
		plan.takeProfitID = placed.ID
		slog.Info("take profit attached", "order_id", placed.ID, "symbol", plan.symbol, "limit", takeProfit)
	}
	if plan.stopLossID == "" {
		stopLoss := plan.stopLoss
		placed, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      plan.symbol,
			Qty:         &plan.qty,
			Side:        plan.closeSide,
			Type:        alpaca.Stop,
			TimeInForce: alpaca.Day,
			StopPrice:   &stopLoss,
		})
		if err != nil {
			return classifyOrder("place stop loss", err)
		}
		plan.stopLossID = placed.ID
		slog.Info("stop loss attached", "order_id", placed.ID, "symbol", plan.symbol, "stop", stopLoss)
	}
	return nil
}

func (c *Client) cancel(id string) error {
	if err := c.trading.CancelOrder(id); err != nil {
		if alreadyClosed(err) {
			slog.Info("order already closed", "order_id", id)
			return nil
		}
		slog.Error("cancel order failed", "order_id", id, "error", err)
		return err
	}
	slog.Info("cancel order success", "order_id", id)
	return nil
}

// Close releases the session. The REST clients hold no connection of their own.
func (c *Client) Close() error {
	slog.Info("broker session closed")
	return nil
}

func groupFromOrder(o *alpaca.Order) OrderGroup {
	group := OrderGroup{
		ParentID:      o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        string(o.Status),
		Working:       isWorking(string(o.Status)),
		Filled:        string(o.Status) == "filled",
	}
	for _, leg := range o.Legs {
		group.ChildIDs = append(group.ChildIDs, leg.ID)
		if isWorking(string(leg.Status)) {
			group.Working = true
		}
	}
	return group
}

func isWorking(status string) bool {
	switch status {
	case "new", "accepted", "pending_new", "partially_filled", "held", "accepted_for_bidding", "pending_replace", "calculated":
		return true
	}
	return false
}

func chainFromContracts(contracts []alpaca.OptionContract, exchange string) []contract.ChainEntry {
	type bucket struct {
		strikes     map[string]decimal.Decimal
		expirations map[civil.Date]bool
	}
	buckets := map[string]*bucket{}
	for _, oc := range contracts {
		if !oc.Tradable {
			continue
		}
		root := occRoot(oc.Symbol)
		b, ok := buckets[root]
		if !ok {
			b = &bucket{strikes: map[string]decimal.Decimal{}, expirations: map[civil.Date]bool{}}
			buckets[root] = b
		}
		b.strikes[oc.StrikePrice.String()] = oc.StrikePrice
		b.expirations[oc.ExpirationDate] = true
	}

	roots := make([]string, 0, len(buckets))
	for root := range buckets {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	chain := make([]contract.ChainEntry, 0, len(roots))
	for _, root := range roots {
		b := buckets[root]
		entry := contract.ChainEntry{TradingClass: root, Exchange: exchange}
		for _, strike := range b.strikes {
			entry.Strikes = append(entry.Strikes, strike)
		}
		sort.Slice(entry.Strikes, func(i, j int) bool { return entry.Strikes[i].LessThan(entry.Strikes[j]) })
		for exp := range b.expirations {
			entry.Expirations = append(entry.Expirations, exp)
		}
		sort.Slice(entry.Expirations, func(i, j int) bool { return entry.Expirations[i].Before(entry.Expirations[j]) })
		chain = append(chain, entry)
	}
	return chain
}

// occRoot strips the OCC date/right/strike suffix: "TSLA240308C00100000" -> "TSLA".
func occRoot(symbol string) string {
	if len(symbol) <= occSuffixLen {
		return symbol
	}
	return strings.TrimSpace(symbol[:len(symbol)-occSuffixLen])
}

func optionType(right contract.Right) alpaca.OptionType {
	if right == contract.Put {
		return alpaca.OptionTypePut
	}
	return alpaca.OptionTypeCall
}

func pennyTick(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(decimal.NewFromInt(3)) {
		return decimal.New(1, -2)
	}
	return decimal.New(5, -2)
}

// classify marks transport failures and broker 5xx responses as connectivity errors.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// classifyOrder additionally maps 4xx responses on order entry to ErrOrderRejected.
func classifyOrder(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return fmt.Errorf("%s: %w: %v", op, ErrOrderRejected, err)
	}
	return classify(op, err)
}

func alreadyClosed(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity)
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
