// Package sim provides a deterministic paper exchange for running the
// reconciliation loop without venue credentials. Limit orders rest, fill
// half way through the configured delay, and complete at the end of it.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-recon/internal/core"
	"order-recon/internal/driver"
)

type paperOrder struct {
	req         driver.OrderRequest
	exchangeID  string
	submittedAt time.Time
	cancelledAt *time.Time
	forgotten   bool
}

// PaperExchange implements driver.ExchangeClient against in-memory state.
type PaperExchange struct {
	mu        sync.Mutex
	now       func() time.Time
	fillDelay time.Duration
	feeRate   decimal.Decimal
	orderSeq  int
	orders    map[string]*paperOrder // by client order id
}

func NewPaperExchange(fillDelay time.Duration, feeRate decimal.Decimal) *PaperExchange {
	if fillDelay <= 0 {
		fillDelay = 10 * time.Second
	}
	return &PaperExchange{
		now:       func() time.Time { return time.Now().UTC() },
		fillDelay: fillDelay,
		feeRate:   feeRate,
		orders:    make(map[string]*paperOrder),
	}
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, req driver.OrderRequest) (core.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.ClientOrderID == "" {
		return core.OrderUpdate{}, fmt.Errorf("client order id required")
	}
	if _, ok := p.orders[req.ClientOrderID]; ok {
		return core.OrderUpdate{}, fmt.Errorf("sim: %w: %s", core.ErrDuplicateOrder, req.ClientOrderID)
	}
	if req.Amount.Cmp(decimal.Zero) <= 0 || req.Price.Cmp(decimal.Zero) <= 0 {
		return core.OrderUpdate{}, fmt.Errorf("sim: invalid order size or price")
	}
	p.orderSeq++
	ord := &paperOrder{
		req:         req,
		exchangeID:  fmt.Sprintf("sim-%d", p.orderSeq),
		submittedAt: p.now(),
	}
	p.orders[req.ClientOrderID] = ord
	return core.OrderUpdate{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: ord.exchangeID,
		TradingPair:     req.TradingPair,
		NewState:        core.StateOpen,
		UpdateTimestamp: ord.submittedAt,
	}, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) (core.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, err := p.lookupLocked(clientOrderID)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	now := p.now()
	if ord.cancelledAt == nil && p.fillFractionLocked(ord, now) < 2 {
		ord.cancelledAt = &now
	}
	return p.statusLocked(ord, now), nil
}

func (p *PaperExchange) OrderStatus(ctx context.Context, clientOrderID, exchangeOrderID string) (core.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, err := p.lookupLocked(clientOrderID)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	return p.statusLocked(ord, p.now()), nil
}

func (p *PaperExchange) Fills(ctx context.Context, clientOrderID, exchangeOrderID string, since time.Time) ([]core.TradeUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("sim: %w: %s", core.ErrUnknownOrder, clientOrderID)
	}
	now := p.now()
	half := ord.req.Amount.Div(decimal.NewFromInt(2))
	var fills []core.TradeUpdate
	for i := 0; i < p.fillFractionLocked(ord, now); i++ {
		amount := half
		if i == 1 {
			amount = ord.req.Amount.Sub(half)
		}
		quote := amount.Mul(ord.req.Price)
		fills = append(fills, core.TradeUpdate{
			TradeID:         fmt.Sprintf("%s-%d", ord.exchangeID, i+1),
			ClientOrderID:   ord.req.ClientOrderID,
			ExchangeOrderID: ord.exchangeID,
			TradingPair:     ord.req.TradingPair,
			FillBaseAmount:  amount,
			FillQuoteAmount: quote,
			FillPrice:       ord.req.Price,
			Fee: core.Fee{
				Type:    core.FeeTypeFor(ord.req.TradeType),
				Percent: p.feeRate,
			},
			FillTimestamp: ord.submittedAt.Add(p.fillDelay / 2 * time.Duration(i+1)),
		})
	}
	return fills, nil
}

// Forget makes the exchange deny all knowledge of an order, simulating the
// venue losing it. Subsequent status and cancel calls report unknown-order.
func (p *PaperExchange) Forget(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ord, ok := p.orders[clientOrderID]; ok {
		ord.forgotten = true
	}
}

func (p *PaperExchange) lookupLocked(clientOrderID string) (*paperOrder, error) {
	ord, ok := p.orders[clientOrderID]
	if !ok || ord.forgotten {
		return nil, fmt.Errorf("sim: %w: %s", core.ErrUnknownOrder, clientOrderID)
	}
	return ord, nil
}

// fillFractionLocked reports how many of the two fill chunks have executed
// by now: 0, 1, or 2. Cancellation freezes the clock.
func (p *PaperExchange) fillFractionLocked(ord *paperOrder, now time.Time) int {
	asOf := now
	if ord.cancelledAt != nil && ord.cancelledAt.Before(asOf) {
		asOf = *ord.cancelledAt
	}
	elapsed := asOf.Sub(ord.submittedAt)
	switch {
	case elapsed >= p.fillDelay:
		return 2
	case elapsed >= p.fillDelay/2:
		return 1
	default:
		return 0
	}
}

func (p *PaperExchange) statusLocked(ord *paperOrder, now time.Time) core.OrderUpdate {
	fraction := p.fillFractionLocked(ord, now)
	state := core.StateOpen
	ts := ord.submittedAt
	switch {
	case fraction == 2:
		state = core.StateFilled
		ts = ord.submittedAt.Add(p.fillDelay)
	case ord.cancelledAt != nil:
		state = core.StateCancelled
		ts = *ord.cancelledAt
	case fraction == 1:
		state = core.StatePartiallyFilled
		ts = ord.submittedAt.Add(p.fillDelay / 2)
	default:
		ts = now
	}
	return core.OrderUpdate{
		ClientOrderID:   ord.req.ClientOrderID,
		ExchangeOrderID: ord.exchangeID,
		TradingPair:     ord.req.TradingPair,
		NewState:        state,
		UpdateTimestamp: ts,
	}
}
