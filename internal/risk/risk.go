package risk

import (
	"fmt"
	"log/slog"
	"time"

	"optionsbot/internal/strategy"

	"github.com/shopspring/decimal"
)

type RiskContext struct {
	Now           time.Time
	Premium       decimal.Decimal
	Multiplier    decimal.Decimal
	Qty           int
	PositionOpen  bool
	LastTradeTime time.Time
	MaxNotional   decimal.Decimal
	Cooldown      time.Duration
	KillSwitch    bool
	ProfitPct     decimal.Decimal
	LossPct       decimal.Decimal
}

type ApprovedIntent struct {
	Intent strategy.TradeIntent
	Reason string
}

type Gate struct{}

// Evaluate approves or rejects an intent. Exits are always allowed so that a
// tripped limit can never keep a position open.
func (g Gate) Evaluate(intent strategy.TradeIntent, ctx RiskContext) (ApprovedIntent, error) {
	if !intent.Signal.IsEntry() {
		return ApprovedIntent{Intent: intent, Reason: "not_an_entry"}, nil
	}

	notional := ctx.Premium.Mul(ctx.Multiplier).Mul(decimal.NewFromInt(int64(ctx.Qty)))
	slog.Info("risk evaluation", "intent", intent.Signal, "qty", ctx.Qty, "premium", ctx.Premium, "notional", notional)

	if ctx.KillSwitch {
		slog.Info("risk rejected", "reason", "kill_switch_enabled")
		return ApprovedIntent{}, fmt.Errorf("kill_switch_enabled")
	}
	if ctx.PositionOpen {
		slog.Info("risk rejected", "reason", "position_already_open")
		return ApprovedIntent{}, fmt.Errorf("position_already_open")
	}
	if !ctx.LastTradeTime.IsZero() && ctx.Now.Sub(ctx.LastTradeTime) < ctx.Cooldown {
		remaining := ctx.Cooldown - ctx.Now.Sub(ctx.LastTradeTime)
		slog.Info("risk rejected", "reason", "cooldown_active", "remaining", remaining)
		return ApprovedIntent{}, fmt.Errorf("cooldown_active")
	}
	if ctx.Qty <= 0 {
		slog.Info("risk rejected", "reason", "invalid_quantity", "qty", ctx.Qty)
		return ApprovedIntent{}, fmt.Errorf("invalid_quantity")
	}
	if !fraction(ctx.ProfitPct) || !fraction(ctx.LossPct) {
		slog.Info("risk rejected", "reason", "percent_out_of_range", "profit", ctx.ProfitPct, "loss", ctx.LossPct)
		return ApprovedIntent{}, fmt.Errorf("percent_out_of_range")
	}
	if !ctx.Premium.IsPositive() {
		slog.Info("risk rejected", "reason", "no_premium", "premium", ctx.Premium)
		return ApprovedIntent{}, fmt.Errorf("no_premium")
	}
	if ctx.MaxNotional.IsPositive() && notional.GreaterThan(ctx.MaxNotional) {
		slog.Info("risk rejected", "reason", "max_notional_exceeded", "notional", notional, "max", ctx.MaxNotional)
		return ApprovedIntent{}, fmt.Errorf("max_notional_exceeded")
	}

	slog.Info("risk approved", "intent", intent.Signal, "qty", ctx.Qty, "reason", intent.Reason)
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}

func fraction(v decimal.Decimal) bool {
	return v.IsPositive() && v.LessThan(decimal.NewFromInt(1))
}
