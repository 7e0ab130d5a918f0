package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/contract"
	"optionsbot/internal/indicator"
	"optionsbot/internal/md"
	"optionsbot/internal/order"
	"optionsbot/internal/risk"
	"optionsbot/internal/state"
	"optionsbot/internal/strategy"

	"cloud.google.com/go/civil"
)

// Engine runs one decision cycle at a time. It owns the position state and is
// not safe for concurrent use.
type Engine struct {
	cfg         config.Config
	strategy    strategy.Strategy
	gate        risk.Gate
	gateway     broker.Gateway
	selector    *contract.Selector
	decisions   *DecisionLogger
	buffer      *md.RingBuffer
	position    state.PositionState
	group       broker.OrderGroup
	lastTrade   time.Time
	runID       string
	orderSeqNum uint64
	now         func() time.Time
}

func New(cfg config.Config, strategy strategy.Strategy, gate risk.Gate, gateway broker.Gateway, decisions *DecisionLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		strategy:  strategy,
		gate:      gate,
		gateway:   gateway,
		selector:  contract.NewSelector(gateway, cfg.StrikeIncrement, cfg.ExpiryHorizon, cfg.TradingClass, cfg.Exchange),
		decisions: decisions,
		buffer:    md.NewRingBuffer(cfg.BarsWindow),
		position:  state.NewPositionState(),
		runID:     decisions.RunID(),
		now:       time.Now,
	}
}

func (e *Engine) Position() state.PositionState {
	return e.position
}

// Cycle evaluates the latest bar and acts on the signal. Failures that only
// affect this cycle are logged and recorded; the returned error is reserved
// for problems that should end the session.
func (e *Engine) Cycle(ctx context.Context) error {
	if err := e.reconcileOnce(ctx); err != nil {
		return err
	}

	decision := Decision{
		Timestamp: e.now().UTC(),
		Symbol:    e.cfg.Symbol,
		Position:  e.position.String(),
	}

	bars, err := e.gateway.HistoricalBars(ctx, e.cfg.Symbol, e.cfg.Lookback, e.cfg.BarSize)
	if err != nil {
		return e.fail(decision, "bars_failed", err)
	}
	for _, bar := range md.RegularHours(bars, e.cfg.Location, e.cfg.SessionOpen, e.cfg.MarketClose) {
		e.buffer.Add(bar)
	}
	if last, ok := e.buffer.Last(); ok {
		decision.BarTime = last.Timestamp
	}

	snap, err := indicator.Compute(e.buffer.Values(), e.cfg.FastWindow, e.cfg.SlowWindow)
	if err != nil {
		return e.fail(decision, "insufficient_data", err)
	}
	decision.Close = snap.LastClose
	decision.FastEMA = snap.FastEMA
	decision.SlowEMA = snap.SlowEMA

	intent := e.strategy.Decide(strategy.MarketSnapshot{
		Timestamp:  decision.BarTime,
		Indicators: snap,
		Position:   e.position.Direction(),
	})
	decision.Signal = intent.Signal
	decision.Reason = intent.Reason

	switch {
	case intent.Signal.IsEntry():
		return e.enter(ctx, intent, snap, decision)
	case intent.Signal.IsExit():
		return e.exit(ctx, decision)
	}

	decision.Result = "hold"
	e.decisions.Append(decision)
	log.Printf("bar=%s close=%s fast=%s slow=%s position=%s intent=%s", decision.BarTime.Format(time.RFC3339), snap.LastClose, snap.FastEMA, snap.SlowEMA, decision.Position, intent.Signal)
	return nil
}

func (e *Engine) enter(ctx context.Context, intent strategy.TradeIntent, snap indicator.Snapshot, decision Decision) error {
	right, side, dir := contract.Call, order.Buy, state.Long
	if intent.Signal == strategy.EnterShort {
		right, side, dir = contract.Put, order.Sell, state.Short
	}

	underlying, err := e.gateway.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		return e.fail(decision, "quote_failed", err)
	}
	reference := underlying.Reference()
	if !reference.IsPositive() {
		reference = snap.LastClose
	}

	chain, err := e.gateway.OptionChain(ctx, e.cfg.Symbol)
	if err != nil {
		return e.fail(decision, "chain_failed", err)
	}
	selected, err := e.selector.Select(ctx, contract.Request{
		Underlying:     e.cfg.Symbol,
		ReferencePrice: reference,
		Right:          right,
		Chain:          chain,
		Today:          civil.DateOf(e.now().In(e.cfg.Location)),
	})
	if err != nil {
		return e.fail(decision, "no_contract", err)
	}
	decision.Contract = selected.Symbol

	optionQuote, err := e.gateway.OptionQuote(ctx, selected)
	if err != nil {
		return e.fail(decision, "quote_failed", err)
	}
	premium := optionQuote.Reference()

	approved, err := e.gate.Evaluate(intent, risk.RiskContext{
		Now:           e.now().UTC(),
		Premium:       premium,
		Multiplier:    selected.Multiplier,
		Qty:           e.cfg.Qty,
		PositionOpen:  e.position.IsOpen(),
		LastTradeTime: e.lastTrade,
		MaxNotional:   e.cfg.MaxNotional,
		Cooldown:      e.cfg.Cooldown,
		KillSwitch:    e.cfg.KillSwitch,
		ProfitPct:     e.cfg.ProfitPct,
		LossPct:       e.cfg.LossPct,
	})
	if err != nil {
		return e.fail(decision, "rejected", err)
	}

	tick, err := e.gateway.TickSize(ctx, selected)
	if err != nil {
		return e.fail(decision, "tick_failed", err)
	}
	bracket, err := order.Build(side, e.cfg.Qty, premium, tick, e.cfg.ProfitPct, e.cfg.LossPct)
	if err != nil {
		return e.fail(decision, "order_build_failed", err)
	}
	decision.EntryLimit = bracket.EntryLimit.String()
	decision.TakeProfit = bracket.TakeProfit.String()
	decision.StopLoss = bracket.StopLoss.String()

	if e.cfg.Mode == config.ModeDryRun {
		decision.Result = "dry_run"
		e.decisions.Append(decision)
		log.Printf("intent=%s contract=%s side=%s limit=%s take_profit=%s stop_loss=%s approval=%s dry_run", intent.Signal, selected.Symbol, side, bracket.EntryLimit, bracket.TakeProfit, bracket.StopLoss, approved.Reason)
		return nil
	}

	clientOrderID := e.nextClientOrderID()
	decision.ClientOrderID = clientOrderID
	group, err := e.gateway.SubmitBracket(ctx, selected, bracket, clientOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderRejected) {
			return e.fail(decision, "order_rejected", err)
		}
		return e.fail(decision, "order_failed", err)
	}

	next, err := state.OpenPosition(e.position, dir, selected.Spec, group.ParentID)
	if err != nil {
		// The broker holds an order the tracker cannot account for; pull it.
		if cancelErr := e.gateway.CancelOrder(ctx, group); cancelErr != nil {
			err = errors.Join(err, cancelErr)
		}
		return e.fail(decision, "state_rejected", err)
	}
	e.position = next
	e.group = group
	e.lastTrade = e.now().UTC()

	decision.Result = "order_submitted"
	decision.OrderID = group.ParentID
	decision.Position = e.position.String()
	e.decisions.Append(decision)
	log.Printf("order_submitted symbol=%s contract=%s side=%s qty=%d order_id=%s client_order_id=%s legs=%d", e.cfg.Symbol, selected.Symbol, side, bracket.Qty, group.ParentID, clientOrderID, len(group.ChildIDs))
	if !group.Complete() {
		log.Printf("order_id=%s bracket incomplete legs=%d, reconciling next cycle", group.ParentID, len(group.ChildIDs))
	}
	return nil
}

func (e *Engine) exit(ctx context.Context, decision Decision) error {
	pending, err := state.BeginExit(e.position)
	if err != nil {
		return e.fail(decision, "state_rejected", err)
	}
	e.position = pending
	decision.OrderID = e.group.ParentID

	if err := e.gateway.CancelOrder(ctx, e.group); err != nil {
		e.position, _ = state.AbortExit(e.position)
		return e.fail(decision, "cancel_failed", err)
	}

	e.position, _ = state.CompleteExit(e.position)
	e.group = broker.OrderGroup{}
	decision.Result = "exited"
	decision.Position = e.position.String()
	e.decisions.Append(decision)
	log.Printf("exited symbol=%s signal=%s order_id=%s", e.cfg.Symbol, decision.Signal, decision.OrderID)
	return nil
}

// Flatten cancels any open bracket and resets the tracker. The tracker is
// reset even when the cancel fails, since the session is over either way.
func (e *Engine) Flatten(ctx context.Context) error {
	if !e.position.IsOpen() {
		return nil
	}
	group := e.group
	e.position = state.Reset()
	e.group = broker.OrderGroup{}
	if err := e.gateway.CancelOrder(ctx, group); err != nil {
		log.Printf("flatten cancel failed order_id=%s err=%v", group.ParentID, err)
		return fmt.Errorf("flatten: %w", err)
	}
	log.Printf("flattened symbol=%s order_id=%s", e.cfg.Symbol, group.ParentID)
	return nil
}

// fail records a failed cycle. Only connectivity errors are passed up.
func (e *Engine) fail(decision Decision, result string, err error) error {
	decision.Result = result
	decision.RejectReason = err.Error()
	e.decisions.Append(decision)
	log.Printf("symbol=%s position=%s signal=%s %s=%v", e.cfg.Symbol, e.position, decision.Signal, result, err)
	if errors.Is(err, broker.ErrConnectivity) {
		return err
	}
	return nil
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}
