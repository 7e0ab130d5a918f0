package engine

import (
	"context"
	"errors"
	"log"

	"optionsbot/internal/broker"
	"optionsbot/internal/state"
)

// reconcileOnce checks the open bracket against the broker before a new bar
// is evaluated. A bracket whose legs never appeared is cancelled as a whole,
// and a bracket with nothing left working means the broker closed us out.
func (e *Engine) reconcileOnce(ctx context.Context) error {
	if e.position.Phase() != state.Open {
		return nil
	}

	group, err := e.gateway.OrderGroup(ctx, e.group.ParentID)
	if err != nil {
		if errors.Is(err, broker.ErrConnectivity) {
			return err
		}
		log.Printf("reconcile order_id=%s failed: %v", e.group.ParentID, err)
		return nil
	}
	e.group = group

	switch {
	case !group.Complete():
		log.Printf("reconcile order_id=%s legs=%d incomplete, cancelling bracket", group.ParentID, len(group.ChildIDs))
		if err := e.gateway.CancelOrder(ctx, group); err != nil {
			log.Printf("reconcile cancel order_id=%s failed: %v", group.ParentID, err)
			if errors.Is(err, broker.ErrConnectivity) {
				return err
			}
			return nil
		}
		e.closeOut("incomplete_bracket")
	case !group.Working:
		e.closeOut("bracket_closed_" + group.Status)
	}
	return nil
}

func (e *Engine) closeOut(reason string) {
	pending, err := state.BeginExit(e.position)
	if err != nil {
		log.Printf("reconcile close out: %v", err)
		return
	}
	flat, err := state.CompleteExit(pending)
	if err != nil {
		log.Printf("reconcile close out: %v", err)
		return
	}
	orderID := e.group.ParentID
	e.position = flat
	e.group = broker.OrderGroup{}
	e.decisions.Append(Decision{
		Timestamp: e.now().UTC(),
		Symbol:    e.cfg.Symbol,
		Position:  flat.String(),
		Result:    "reconciled",
		Reason:    reason,
		OrderID:   orderID,
	})
	log.Printf("reconciled symbol=%s order_id=%s reason=%s", e.cfg.Symbol, orderID, reason)
}
