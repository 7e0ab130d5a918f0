package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"optionsbot/internal/broker"
)

// Clock is the scheduler's view of time. Sleep must return early with the
// context's error when ctx is cancelled.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// BrokerClock reads time from the broker and sleeps on the wall clock.
type BrokerClock struct {
	Source interface {
		CurrentTime(ctx context.Context) (time.Time, error)
	}
}

func (c BrokerClock) Now(ctx context.Context) (time.Time, error) {
	return c.Source.CurrentTime(ctx)
}

func (c BrokerClock) Sleep(ctx context.Context, d time.Duration) error {
	return broker.WaitForContext(ctx, d)
}

// Session is the trading window, as offsets from local midnight.
type Session struct {
	Open     time.Duration
	Close    time.Duration
	Location *time.Location
}

// Bounds returns the session open and end on the local date of now.
func (s Session) Bounds(now time.Time) (time.Time, time.Time) {
	local := now.In(s.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	return midnight.Add(s.Open), midnight.Add(s.Close)
}

type Cycler interface {
	Cycle(ctx context.Context) error
	Flatten(ctx context.Context) error
}

type Scheduler struct {
	clock         Clock
	cycler        Cycler
	conn          io.Closer
	session       Session
	settleDelay   time.Duration
	pollInterval  time.Duration
	flattenBudget time.Duration
}

func NewScheduler(clock Clock, cycler Cycler, conn io.Closer, session Session, settleDelay, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		clock:         clock,
		cycler:        cycler,
		conn:          conn,
		session:       session,
		settleDelay:   settleDelay,
		pollInterval:  pollInterval,
		flattenBudget: 30 * time.Second,
	}
}

// Run waits for the session to open, then cycles every poll interval until
// the clock passes the session end or ctx is cancelled. Whatever ends the
// loop, the open position is flattened and the broker closed. The returned
// error is the one that ended the session early, if any.
func (s *Scheduler) Run(ctx context.Context) error {
	runErr := s.loop(ctx)
	return s.shutdown(ctx, runErr)
}

func (s *Scheduler) loop(ctx context.Context) error {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return err
	}
	open, end := s.session.Bounds(now)

	if now.Before(open) {
		wait := open.Sub(now)
		slog.Info("waiting for session open", "open", open, "wait", wait, "settle", s.settleDelay)
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return nil
		}
		if err := s.clock.Sleep(ctx, s.settleDelay); err != nil {
			return nil
		}
	}

	cycles := 0
	for {
		if ctx.Err() != nil {
			slog.Info("session stopped", "cycles", cycles)
			return nil
		}
		now, err := s.clock.Now(ctx)
		if err != nil {
			return err
		}
		if now.After(end) {
			slog.Info("session ended", "end", end, "cycles", cycles)
			return nil
		}

		if err := s.cycler.Cycle(ctx); err != nil {
			slog.Error("cycle aborted session", "error", err)
			return err
		}
		cycles++

		if err := s.clock.Sleep(ctx, s.pollInterval); err != nil {
			slog.Info("session stopped", "cycles", cycles)
			return nil
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context, runErr error) error {
	flattenCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flattenBudget)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := s.cycler.Flatten(flattenCtx); err != nil {
		slog.Error("flatten failed", "error", err)
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		slog.Error("disconnect failed", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
