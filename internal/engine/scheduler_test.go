package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"optionsbot/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
	// cancelAfter cancels the run on the n-th sleep when positive.
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Now(ctx context.Context) (time.Time, error) {
	return c.now, nil
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if c.cancelAfter > 0 && len(c.sleeps) == c.cancelAfter {
		c.cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type fakeCycler struct {
	clock     *fakeClock
	cycles    []time.Time
	failAt    int
	failErr   error
	flattened int
}

func (f *fakeCycler) Cycle(ctx context.Context) error {
	f.cycles = append(f.cycles, f.clock.now)
	if f.failAt > 0 && len(f.cycles) == f.failAt {
		return f.failErr
	}
	return nil
}

func (f *fakeCycler) Flatten(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.flattened++
	return nil
}

type fakeConn struct {
	closed int
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, newYork)
}

func newTestScheduler(start time.Time) (*Scheduler, *fakeClock, *fakeCycler, *fakeConn) {
	clock := &fakeClock{now: start}
	cycler := &fakeCycler{clock: clock}
	conn := &fakeConn{}
	session := Session{Open: 9*time.Hour + 30*time.Minute, Close: 16*time.Hour + 30*time.Minute, Location: newYork}
	return NewScheduler(clock, cycler, conn, session, 3*time.Minute, 15*time.Minute), clock, cycler, conn
}

func TestSchedulerRunsFullSession(t *testing.T) {
	s, clock, cycler, conn := newTestScheduler(at(9, 0))

	require.NoError(t, s.Run(context.Background()))

	require.Len(t, cycler.cycles, 28)
	assert.Equal(t, at(9, 33), cycler.cycles[0])
	assert.Equal(t, at(16, 18), cycler.cycles[len(cycler.cycles)-1])
	for _, ts := range cycler.cycles {
		assert.False(t, ts.After(at(16, 30)), "cycle at %s after session end", ts)
	}
	assert.Equal(t, []time.Duration{30 * time.Minute, 3 * time.Minute}, clock.sleeps[:2])
	assert.Equal(t, 1, cycler.flattened)
	assert.Equal(t, 1, conn.closed)
}

func TestSchedulerCyclesAtExactSessionEnd(t *testing.T) {
	s, _, cycler, _ := newTestScheduler(at(16, 15))

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []time.Time{at(16, 15), at(16, 30)}, cycler.cycles)
}

func TestSchedulerAfterCloseRunsNoCycles(t *testing.T) {
	s, _, cycler, conn := newTestScheduler(at(17, 0))

	require.NoError(t, s.Run(context.Background()))

	assert.Empty(t, cycler.cycles)
	assert.Equal(t, 1, cycler.flattened)
	assert.Equal(t, 1, conn.closed)
}

func TestSchedulerStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, clock, cycler, conn := newTestScheduler(at(10, 0))
	clock.cancel = cancel
	clock.cancelAfter = 3

	require.NoError(t, s.Run(ctx))

	assert.Len(t, cycler.cycles, 3)
	assert.Equal(t, 1, cycler.flattened, "flatten runs on a context detached from the cancelled one")
	assert.Equal(t, 1, conn.closed)
}

func TestSchedulerCancelledBeforeOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, clock, cycler, _ := newTestScheduler(at(8, 0))
	clock.cancel = cancel
	clock.cancelAfter = 1

	require.NoError(t, s.Run(ctx))
	assert.Empty(t, cycler.cycles)
}

func TestSchedulerConnectivityFailureEndsSession(t *testing.T) {
	s, _, cycler, conn := newTestScheduler(at(10, 0))
	cycler.failAt = 2
	cycler.failErr = fmt.Errorf("get bars: %w", broker.ErrConnectivity)

	err := s.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrConnectivity))
	assert.Len(t, cycler.cycles, 2)
	assert.Equal(t, 1, cycler.flattened)
	assert.Equal(t, 1, conn.closed)
}

func TestSessionBoundsUseLocalDate(t *testing.T) {
	session := Session{Open: 9*time.Hour + 30*time.Minute, Close: 16 * time.Hour, Location: newYork}
	// 01:00 UTC on the 5th is still the 4th in New York.
	open, end := session.Bounds(time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC))

	assert.Equal(t, at(9, 30), open)
	assert.Equal(t, at(16, 0), end)
}
