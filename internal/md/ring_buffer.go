package md

// RingBuffer keeps the trailing window of bars the indicators are computed from.
type RingBuffer struct {
	values []PriceBar
	size   int
	index  int
	filled bool
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		values: make([]PriceBar, size),
		size:   size,
	}
}

// Add appends a bar and reports whether the window changed. A bar with the
// newest stored timestamp replaces it, since the broker revises a bar until it
// closes. Older bars are ignored, so an overlapping history fetch can be
// replayed every cycle.
func (r *RingBuffer) Add(bar PriceBar) bool {
	if last, ok := r.Last(); ok {
		if bar.Timestamp.Equal(last.Timestamp) {
			if sameValues(bar, last) {
				return false
			}
			r.values[(r.index-1+r.size)%r.size] = bar
			return true
		}
		if bar.Timestamp.Before(last.Timestamp) {
			return false
		}
	}
	r.values[r.index] = bar
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.filled = true
	}
	return true
}

func (r *RingBuffer) Len() int {
	if r.filled {
		return r.size
	}
	return r.index
}

func (r *RingBuffer) Last() (PriceBar, bool) {
	if r.Len() == 0 {
		return PriceBar{}, false
	}
	return r.values[(r.index-1+r.size)%r.size], true
}

// Values returns the stored bars oldest first.
func (r *RingBuffer) Values() []PriceBar {
	length := r.Len()
	result := make([]PriceBar, 0, length)
	if length == 0 {
		return result
	}
	if r.filled {
		result = append(result, r.values[r.index:]...)
	}
	result = append(result, r.values[:r.index]...)
	return result
}

func sameValues(a, b PriceBar) bool {
	return a.Open.Equal(b.Open) && a.High.Equal(b.High) && a.Low.Equal(b.Low) &&
		a.Close.Equal(b.Close) && a.Volume == b.Volume
}
