package strategy

import (
	"time"

	"optionsbot/internal/indicator"
	"optionsbot/internal/state"
)

type Signal string

const (
	NoAction   Signal = "NO_ACTION"
	EnterLong  Signal = "ENTER_LONG"
	EnterShort Signal = "ENTER_SHORT"
	ExitLong   Signal = "EXIT_LONG"
	ExitShort  Signal = "EXIT_SHORT"
)

func (s Signal) IsEntry() bool {
	return s == EnterLong || s == EnterShort
}

func (s Signal) IsExit() bool {
	return s == ExitLong || s == ExitShort
}

type MarketSnapshot struct {
	Timestamp  time.Time
	Indicators indicator.Snapshot
	Position   state.Direction
}

type TradeIntent struct {
	Signal Signal
	Reason string
}

type Strategy interface {
	Decide(snapshot MarketSnapshot) TradeIntent
}
