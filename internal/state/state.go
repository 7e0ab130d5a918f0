// Package state tracks the bot's single option position through its lifecycle.
//
// PositionState is a value. Every transition returns the next state and leaves
// its input untouched, so a failed step can simply keep using the old value.
package state

import (
	"errors"
	"fmt"

	"optionsbot/internal/contract"
)

type Direction string

const (
	None  Direction = "NONE"
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

type Phase string

const (
	Flat        Phase = "FLAT"
	Open        Phase = "OPEN"
	PendingExit Phase = "PENDING_EXIT"
)

var ErrInvalidTransition = errors.New("invalid position transition")

type PositionState struct {
	phase     Phase
	direction Direction
	contract  *contract.Spec
	orderID   string
}

// NewPositionState returns the flat state a session starts from.
func NewPositionState() PositionState {
	return PositionState{phase: Flat, direction: None}
}

func (s PositionState) Phase() Phase {
	if s.phase == "" {
		return Flat
	}
	return s.phase
}

func (s PositionState) Direction() Direction {
	if s.direction == "" {
		return None
	}
	return s.direction
}

// IsOpen reports whether a bracket is live, including one that is being exited.
func (s PositionState) IsOpen() bool {
	return s.Phase() != Flat
}

func (s PositionState) Contract() (contract.Spec, bool) {
	if s.contract == nil {
		return contract.Spec{}, false
	}
	return *s.contract, true
}

func (s PositionState) OrderID() string {
	return s.orderID
}

func (s PositionState) String() string {
	switch s.Phase() {
	case Flat:
		return string(Flat)
	case PendingExit:
		return fmt.Sprintf("%s(%s)", PendingExit, s.Direction())
	default:
		return string(s.Direction())
	}
}

// OpenPosition records a successful entry. Only a flat tracker can open.
func OpenPosition(s PositionState, dir Direction, spec contract.Spec, orderID string) (PositionState, error) {
	if s.Phase() != Flat {
		return s, fmt.Errorf("%w: open %s from %s", ErrInvalidTransition, dir, s)
	}
	if dir != Long && dir != Short {
		return s, fmt.Errorf("%w: open with direction %s", ErrInvalidTransition, dir)
	}
	if orderID == "" {
		return s, fmt.Errorf("%w: open without order id", ErrInvalidTransition)
	}
	c := spec
	return PositionState{phase: Open, direction: dir, contract: &c, orderID: orderID}, nil
}

// BeginExit marks an open position as being closed out.
func BeginExit(s PositionState) (PositionState, error) {
	if s.Phase() != Open {
		return s, fmt.Errorf("%w: begin exit from %s", ErrInvalidTransition, s)
	}
	next := s
	next.phase = PendingExit
	return next, nil
}

// CompleteExit returns to flat, clearing the contract and order id together.
func CompleteExit(s PositionState) (PositionState, error) {
	if s.Phase() != PendingExit {
		return s, fmt.Errorf("%w: complete exit from %s", ErrInvalidTransition, s)
	}
	return NewPositionState(), nil
}

// AbortExit puts a pending exit back to open after a failed cancel.
func AbortExit(s PositionState) (PositionState, error) {
	if s.Phase() != PendingExit {
		return s, fmt.Errorf("%w: abort exit from %s", ErrInvalidTransition, s)
	}
	next := s
	next.phase = Open
	return next, nil
}

// Reset drops whatever the tracker holds. Used when the session ends.
func Reset() PositionState {
	return NewPositionState()
}
