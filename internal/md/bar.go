package md

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar is one OHLCV bar. Bars are recorded in chronological order and never modified.
type PriceBar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    uint64
}

func Closes(bars []PriceBar) []decimal.Decimal {
	closes := make([]decimal.Decimal, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}

// RegularHours keeps bars that start inside [open, close) on the exchange clock.
// open and close are offsets from local midnight in loc.
func RegularHours(bars []PriceBar, loc *time.Location, open, close time.Duration) []PriceBar {
	result := make([]PriceBar, 0, len(bars))
	for _, bar := range bars {
		local := bar.Timestamp.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		offset := local.Sub(midnight)
		if offset >= open && offset < close {
			result = append(result, bar)
		}
	}
	return result
}

// Completed drops bars whose period has not ended by now.
func Completed(bars []PriceBar, barSize time.Duration, now time.Time) []PriceBar {
	result := make([]PriceBar, 0, len(bars))
	for _, bar := range bars {
		if !bar.Timestamp.Add(barSize).After(now) {
			result = append(result, bar)
		}
	}
	return result
}
