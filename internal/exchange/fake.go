package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Fake is an in-process scripted venue used by tests and dry runs. It
// enforces client-id dedup the way a real venue with native idempotency
// does, and exposes fault-injection knobs for transient failures, lost
// echo reads, and externally induced drift.
type Fake struct {
	mu        sync.Mutex
	orders    map[string]*OrderStatus
	positions map[string]*PositionInfo // keyed symbol/side
	fills     []Fill
	equity    decimal.Decimal
	seq       int

	// fault injection
	failSubmits   int  // next N submits fail with a 503
	rejectSubmits bool // submissions fail with a terminal rejection
	hideOrders    int  // next N FetchOrderByClientID return not-found
	unreachable   bool // every call fails with a 503
}

// NewFake builds an empty fake venue with the given account equity.
func NewFake(equity decimal.Decimal) *Fake {
	return &Fake{
		orders:    make(map[string]*OrderStatus),
		positions: make(map[string]*PositionInfo),
		equity:    equity,
	}
}

// FailNextSubmits makes the next n submissions fail with a transient 503.
func (f *Fake) FailNextSubmits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubmits = n
}

// RejectSubmits makes submissions fail with a terminal validation rejection.
func (f *Fake) RejectSubmits(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSubmits = reject
}

// HideNextFetches makes the next n order fetches return not-found, simulating
// an acknowledgment the venue has not yet made readable (echo-check failure).
func (f *Fake) HideNextFetches(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hideOrders = n
}

// SetUnreachable toggles total venue unavailability.
func (f *Fake) SetUnreachable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = down
}

// SubmitOrder registers the order, deduplicating on client id.
func (f *Fake) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return OrderHandle{}, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	if f.rejectSubmits {
		return OrderHandle{}, &RejectionError{Reason: "scripted rejection"}
	}
	if f.failSubmits > 0 {
		f.failSubmits--
		return OrderHandle{}, &VenueError{StatusCode: 503, Message: "scripted transient failure"}
	}
	if existing, ok := f.orders[spec.ClientOrderID]; ok {
		return OrderHandle{ExchangeOrderID: existing.ExchangeOrderID, Status: existing.Status}, ErrDuplicateClientID
	}
	f.seq++
	status := &OrderStatus{
		ClientOrderID:   spec.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("EX-%06d", f.seq),
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Type:            spec.Type,
		Status:          StateOpen,
		Quantity:        spec.Quantity,
		StopPrice:       spec.StopPrice,
		ReduceOnly:      spec.ReduceOnly,
		UpdatedAt:       time.Now().UTC(),
	}
	f.orders[spec.ClientOrderID] = status
	return OrderHandle{ExchangeOrderID: status.ExchangeOrderID, Status: status.Status}, nil
}

// FetchOrderByClientID returns the venue's view of the order.
func (f *Fake) FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return OrderStatus{}, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	if f.hideOrders > 0 {
		f.hideOrders--
		return OrderStatus{}, ErrOrderNotFound
	}
	status, ok := f.orders[clientOrderID]
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return *status, nil
}

// CancelOrder cancels a resident open order.
func (f *Fake) CancelOrder(ctx context.Context, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	status, ok := f.orders[clientOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if status.Active() {
		status.Status = StateCancelled
		status.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// FetchOpenOrders lists resident active orders.
func (f *Fake) FetchOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	var open []OrderStatus
	for _, status := range f.orders {
		if status.Active() {
			open = append(open, *status)
		}
	}
	return open, nil
}

// FetchOpenPositions lists venue-side open positions.
func (f *Fake) FetchOpenPositions(ctx context.Context) ([]PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	var positions []PositionInfo
	for _, p := range f.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// FetchFills lists executions since the given time.
func (f *Fake) FetchFills(ctx context.Context, since time.Time) ([]Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	var out []Fill
	for _, fill := range f.fills {
		if !fill.ExecutedAt.Before(since) {
			out = append(out, fill)
		}
	}
	return out, nil
}

// FetchAccountEquity returns the scripted account equity.
func (f *Fake) FetchAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return decimal.Zero, &VenueError{StatusCode: 503, Message: "venue unreachable"}
	}
	return f.equity, nil
}

// SetEquity scripts the account equity.
func (f *Fake) SetEquity(equity decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equity = equity
}

// Execute simulates a (partial) fill of a resident order, appending an
// execution and updating the venue-side position.
func (f *Fake) Execute(clientOrderID string, qty, price decimal.Decimal) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orders[clientOrderID]
	if !ok {
		return Fill{}, ErrOrderNotFound
	}
	status.FilledQuantity = status.FilledQuantity.Add(qty)
	status.AvgFillPrice = price
	if status.FilledQuantity.GreaterThanOrEqual(status.Quantity) {
		status.Status = StateFilled
	} else {
		status.Status = StatePartiallyFilled
	}
	status.UpdatedAt = time.Now().UTC()

	f.seq++
	fill := Fill{
		ExecID:        fmt.Sprintf("FILL-%06d", f.seq),
		ClientOrderID: clientOrderID,
		Quantity:      qty,
		Price:         price,
		ExecutedAt:    time.Now().UTC(),
	}
	f.fills = append(f.fills, fill)

	f.applyToPosition(status, qty, price)
	return fill, nil
}

func (f *Fake) applyToPosition(status *OrderStatus, qty, price decimal.Decimal) {
	side := "LONG"
	if status.Side == "SELL" {
		side = "SHORT"
	}
	if status.ReduceOnly {
		// reduce the opposite exposure
		if side == "LONG" {
			side = "SHORT"
		} else {
			side = "LONG"
		}
		key := status.Symbol + "/" + side
		if p, ok := f.positions[key]; ok {
			p.Quantity = p.Quantity.Sub(qty)
			if p.Quantity.LessThanOrEqual(decimal.Zero) {
				delete(f.positions, key)
			}
		}
		return
	}
	key := status.Symbol + "/" + side
	if p, ok := f.positions[key]; ok {
		p.Quantity = p.Quantity.Add(qty)
		return
	}
	f.positions[key] = &PositionInfo{
		Symbol:     status.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: price,
	}
}

// DeleteOrder removes an order from the venue entirely, simulating an
// externally cancelled or expired stop (drift injection).
func (f *Fake) DeleteOrder(clientOrderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, clientOrderID)
}

// InjectPosition places a venue-side position with no local counterpart
// (orphan injection).
func (f *Fake) InjectPosition(symbol, side string, qty, entryPrice decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol+"/"+side] = &PositionInfo{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entryPrice,
	}
}

// RemovePosition deletes a venue-side position, simulating a close the local
// system never observed (ghost injection).
func (f *Fake) RemovePosition(symbol, side string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, symbol+"/"+side)
}

// OrderCount reports how many orders the venue holds, for idempotency tests.
func (f *Fake) OrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}
