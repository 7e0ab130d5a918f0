package broker

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"optionsbot/internal/contract"
	"optionsbot/internal/order"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrading struct {
	orders    map[string]*alpaca.Order
	placed    []alpaca.PlaceOrderRequest
	cancelled []string
	rejects   map[alpaca.OrderType]error
	seq       int
}

func newFakeTrading() *fakeTrading {
	return &fakeTrading{orders: map[string]*alpaca.Order{}, rejects: map[alpaca.OrderType]error{}}
}

func (f *fakeTrading) GetClock() (*alpaca.Clock, error) {
	return &alpaca.Clock{}, nil
}

func (f *fakeTrading) GetOptionContracts(req alpaca.GetOptionContractsRequest) ([]alpaca.OptionContract, error) {
	return nil, nil
}

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if err := f.rejects[req.Type]; err != nil {
		return nil, err
	}
	f.placed = append(f.placed, req)
	f.seq++
	o := &alpaca.Order{ID: fmt.Sprintf("order-%d", f.seq), ClientOrderID: req.ClientOrderID, Status: "new"}
	f.orders[o.ID] = o
	copied := *o
	return &copied, nil
}

func (f *fakeTrading) CancelOrder(orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	o, ok := f.orders[orderID]
	if !ok || o.Status == "filled" || o.Status == "canceled" {
		return &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "order is not cancelable"}
	}
	o.Status = "canceled"
	return nil
}

func (f *fakeTrading) GetOrder(orderID string) (*alpaca.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	copied := *o
	return &copied, nil
}

func (f *fakeTrading) fill(orderID string) {
	f.orders[orderID].Status = "filled"
}

func newTestClient(trading *fakeTrading) *Client {
	return &Client{trading: trading, exits: map[string]*exitPlan{}}
}

var callContract = contract.Resolved{Symbol: "TSLA240308C00100000"}

func buyBracket() order.Bracket {
	return order.Bracket{Side: order.Buy, Qty: 1, EntryLimit: d("4.10"), TakeProfit: d("6.30"), StopLoss: d("3.15")}
}

func TestSubmitBracketPlacesSimpleLimitEntry(t *testing.T) {
	trading := newFakeTrading()
	client := newTestClient(trading)

	group, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	require.NoError(t, err)

	require.Len(t, trading.placed, 1)
	entry := trading.placed[0]
	assert.Equal(t, alpaca.Limit, entry.Type)
	assert.Equal(t, alpaca.Buy, entry.Side)
	assert.Empty(t, entry.OrderClass)
	assert.Nil(t, entry.TakeProfit)
	assert.Nil(t, entry.StopLoss)
	assert.True(t, entry.LimitPrice.Equal(d("4.10")))
	assert.Equal(t, "run-1", entry.ClientOrderID)

	assert.Equal(t, "order-1", group.ParentID)
	assert.False(t, group.Filled)
	assert.True(t, group.Working)
	assert.True(t, group.Complete())
}

func TestOrderGroupAttachesExitsAfterFill(t *testing.T) {
	trading := newFakeTrading()
	client := newTestClient(trading)
	group, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	require.NoError(t, err)

	group, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)
	assert.Len(t, trading.placed, 1, "no exits before the entry fills")

	trading.fill("order-1")
	group, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)

	require.Len(t, trading.placed, 3)
	takeProfit, stopLoss := trading.placed[1], trading.placed[2]
	assert.Equal(t, alpaca.Limit, takeProfit.Type)
	assert.Equal(t, alpaca.Sell, takeProfit.Side)
	assert.True(t, takeProfit.LimitPrice.Equal(d("6.30")))
	assert.Equal(t, alpaca.Stop, stopLoss.Type)
	assert.Equal(t, alpaca.Sell, stopLoss.Side)
	assert.True(t, stopLoss.StopPrice.Equal(d("3.15")))

	assert.True(t, group.Filled)
	assert.True(t, group.Working)
	assert.True(t, group.Complete())
	assert.Equal(t, []string{"order-2", "order-3"}, group.ChildIDs)

	_, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)
	assert.Len(t, trading.placed, 3, "exits are attached once")
}

func TestOrderGroupCancelsSiblingWhenExitFills(t *testing.T) {
	trading := newFakeTrading()
	client := newTestClient(trading)
	group, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	require.NoError(t, err)
	trading.fill("order-1")
	_, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)

	trading.fill("order-3")
	group, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)

	assert.False(t, group.Working)
	assert.Equal(t, "stop_loss_filled", group.Status)
	assert.Equal(t, []string{"order-2"}, trading.cancelled)
	assert.Equal(t, "canceled", trading.orders["order-2"].Status)
}

func TestOrderGroupReportsRejectedExitAsIncomplete(t *testing.T) {
	trading := newFakeTrading()
	trading.rejects[alpaca.Stop] = &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient qty available"}
	client := newTestClient(trading)
	group, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	require.NoError(t, err)
	trading.fill("order-1")

	group, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)
	assert.False(t, group.Complete())
	assert.Equal(t, []string{"order-2"}, group.ChildIDs)

	require.NoError(t, client.CancelOrder(context.Background(), group))
	assert.Equal(t, []string{"order-1", "order-2"}, trading.cancelled)
	assert.Equal(t, "canceled", trading.orders["order-2"].Status)
}

func TestCancelOrderCancelsEntryAndAttachedExits(t *testing.T) {
	trading := newFakeTrading()
	client := newTestClient(trading)
	group, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	require.NoError(t, err)
	trading.fill("order-1")
	_, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)

	// The engine may hold the group from before the exits were attached.
	require.NoError(t, client.CancelOrder(context.Background(), group))

	assert.Equal(t, []string{"order-1", "order-2", "order-3"}, trading.cancelled)
	assert.Equal(t, "canceled", trading.orders["order-2"].Status)
	assert.Equal(t, "canceled", trading.orders["order-3"].Status)
	assert.Empty(t, client.exits)
}

func TestSubmitBracketSellSideClosesWithBuy(t *testing.T) {
	trading := newFakeTrading()
	client := newTestClient(trading)
	b := order.Bracket{Side: order.Sell, Qty: 1, EntryLimit: d("4.30"), TakeProfit: d("2.10"), StopLoss: d("5.25")}
	group, err := client.SubmitBracket(context.Background(), callContract, b, "run-2")
	require.NoError(t, err)
	trading.fill(group.ParentID)

	_, err = client.OrderGroup(context.Background(), group.ParentID)
	require.NoError(t, err)

	require.Len(t, trading.placed, 3)
	assert.Equal(t, alpaca.Sell, trading.placed[0].Side)
	assert.Equal(t, alpaca.Buy, trading.placed[1].Side)
	assert.Equal(t, alpaca.Buy, trading.placed[2].Side)
}

func TestSubmitBracketRejectedEntry(t *testing.T) {
	trading := newFakeTrading()
	trading.rejects[alpaca.Limit] = &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"}
	client := newTestClient(trading)

	_, err := client.SubmitBracket(context.Background(), callContract, buyBracket(), "run-1")
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Empty(t, client.exits)
}
