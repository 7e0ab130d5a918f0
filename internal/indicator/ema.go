// Package indicator computes the moving averages the crossover strategy trades on.
package indicator

import (
	"errors"
	"fmt"

	"optionsbot/internal/md"

	"github.com/shopspring/decimal"
)

var ErrInsufficientData = errors.New("insufficient data")

// Snapshot is the indicator state for the most recent bar.
type Snapshot struct {
	LastClose decimal.Decimal
	FastEMA   decimal.Decimal
	SlowEMA   decimal.Decimal
}

// EMA returns the exponential moving average series of values for window n.
// The series is seeded with the simple average of the first n values, so
// element 0 of the result lines up with values[n-1].
func EMA(values []decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ema window must be positive, got %d", n)
	}
	if len(values) < n {
		return nil, fmt.Errorf("%w: ema(%d) needs %d values, have %d", ErrInsufficientData, n, n, len(values))
	}

	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(n + 1)))
	keep := decimal.NewFromInt(1).Sub(alpha)

	seed := decimal.Zero
	for _, v := range values[:n] {
		seed = seed.Add(v)
	}
	seed = seed.Div(decimal.NewFromInt(int64(n)))

	result := make([]decimal.Decimal, 0, len(values)-n+1)
	result = append(result, seed)
	prev := seed
	for _, v := range values[n:] {
		prev = v.Mul(alpha).Add(prev.Mul(keep))
		result = append(result, prev)
	}
	return result, nil
}

// Compute derives the snapshot for the last bar from two independent EMAs over the close series.
func Compute(bars []md.PriceBar, fast, slow int) (Snapshot, error) {
	if fast <= 0 || slow <= 0 {
		return Snapshot{}, fmt.Errorf("ema windows must be positive: fast=%d slow=%d", fast, slow)
	}
	if fast >= slow {
		return Snapshot{}, fmt.Errorf("fast window %d must be shorter than slow window %d", fast, slow)
	}
	if len(bars) < slow {
		return Snapshot{}, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientData, len(bars), slow)
	}

	closes := md.Closes(bars)
	fastSeries, err := EMA(closes, fast)
	if err != nil {
		return Snapshot{}, err
	}
	slowSeries, err := EMA(closes, slow)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		LastClose: closes[len(closes)-1],
		FastEMA:   fastSeries[len(fastSeries)-1],
		SlowEMA:   slowSeries[len(slowSeries)-1],
	}, nil
}
