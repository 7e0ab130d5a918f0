package strategy

import (
	"optionsbot/internal/indicator"
	"optionsbot/internal/state"
)

// Evaluate classifies the bar. It depends only on its arguments. Every
// comparison is strict, so equal averages never enter or exit.
func Evaluate(snap indicator.Snapshot, position state.Direction) Signal {
	last, fast, slow := snap.LastClose, snap.FastEMA, snap.SlowEMA
	switch position {
	case state.None:
		if last.GreaterThan(fast) && fast.GreaterThan(slow) {
			return EnterLong
		}
		if last.LessThan(fast) && fast.LessThan(slow) {
			return EnterShort
		}
	case state.Long:
		if fast.LessThan(slow) {
			return ExitLong
		}
	case state.Short:
		if fast.GreaterThan(slow) {
			return ExitShort
		}
	}
	return NoAction
}

// EMACrossover trades the close against a fast and a slow EMA.
type EMACrossover struct{}

func (EMACrossover) Decide(snapshot MarketSnapshot) TradeIntent {
	signal := Evaluate(snapshot.Indicators, snapshot.Position)
	return TradeIntent{Signal: signal, Reason: reason(signal, snapshot.Position)}
}

func reason(signal Signal, position state.Direction) string {
	switch signal {
	case EnterLong:
		return "close_above_fast_above_slow"
	case EnterShort:
		return "close_below_fast_below_slow"
	case ExitLong:
		return "fast_crossed_below_slow"
	case ExitShort:
		return "fast_crossed_above_slow"
	}
	if position == state.None {
		return "no_entry_signal"
	}
	return "holding_" + string(position)
}
