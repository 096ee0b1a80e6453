package broker

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/pkg/types"
)

// OrderEvent is one lifecycle log entry (submitted, activated, fill,
// cancel_submitted, cancelled). Extra carries event-type-specific
// fields, matching the source's dict-spread `{"event":..., **extra}`.
type OrderEvent struct {
	Event   string
	OrderID string
	Seq     int64
	TsRecv  float64
	Extra   map[string]any
}

// ErrOrderNotFound is returned by CancelOrder when order_id is unknown.
var ErrOrderNotFound = fmt.Errorf("order not found")

// ErrOrderTerminal is returned by CancelOrder when the order is already
// in a terminal state.
var ErrOrderTerminal = fmt.Errorf("order is already terminal")

// Broker is a minimal simulated broker for a single replay session.
// Not thread-safe; designed for single-threaded replay (§5).
//
// Ported from sim_broker.py.
type Broker struct {
	latency     LatencyConfig
	orders      map[string]*Order
	orderOrder  []string // insertion order, for deterministic Step iteration
	fills       []FillRecord
	orderEvents []OrderEvent
}

// New creates a broker with the given latency model. Pass ZeroLatency
// for on-demand sessions per §4.L.
func New(latency LatencyConfig) *Broker {
	return &Broker{
		latency: latency,
		orders:  make(map[string]*Order),
	}
}

// SubmitOrder creates a new order in pending status and returns its
// order_id. If orderID is empty, a short uuid-derived id is generated.
func (br *Broker) SubmitOrder(assetID string, side Side, limitPrice, size decimal.Decimal, submitSeq int64, submitTs float64, orderID string) string {
	if orderID == "" {
		orderID = uuid.New().String()[:8]
	}
	effSeq := br.latency.EffectiveSeq(submitSeq)
	order := &Order{
		OrderID:      orderID,
		AssetID:      assetID,
		Side:         side,
		LimitPrice:   limitPrice,
		Size:         size,
		SubmitSeq:    submitSeq,
		EffectiveSeq: effSeq,
		Status:       StatusPending,
		FilledSize:   zero,
	}
	br.orders[orderID] = order
	br.orderOrder = append(br.orderOrder, orderID)
	br.appendEvent("submitted", orderID, submitSeq, submitTs, map[string]any{
		"asset_id":      assetID,
		"side":          string(side),
		"limit_price":   limitPrice.String(),
		"size":          size.String(),
		"effective_seq": effSeq,
	})
	return orderID
}

// CancelOrder requests cancellation of an open order. The cancel takes
// effect at cancelSeq + cancel_ticks; a fill that fires at the same seq
// still goes through (§4.G "no perfect cancels").
func (br *Broker) CancelOrder(orderID string, cancelSeq int64, cancelTs float64) error {
	order, ok := br.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if types.IsTerminal(order.Status) {
		return fmt.Errorf("%w: %s (status=%s)", ErrOrderTerminal, orderID, order.Status)
	}
	effCancel := br.latency.CancelEffectiveSeq(cancelSeq)
	order.CancelEffectiveSeq = &effCancel
	br.appendEvent("cancel_submitted", orderID, cancelSeq, cancelTs, map[string]any{
		"cancel_effective_seq": effCancel,
	})
	return nil
}

// Step processes one tape event against all managed orders. Must be
// called after book.Apply (or ApplySingleDelta) for this event so fill
// decisions see the updated book.
//
// Processing order (the source of the "no perfect cancels" guarantee):
//
//  1. Activate pending orders whose effective_seq <= event seq.
//  2. Attempt fills on active/partial orders, book-affecting events only,
//     optionally restricted to fillAssetID.
//  3. Apply cancels whose cancel_effective_seq <= event seq.
//
// fillAssetID, when non-empty, restricts step 2 to orders on that asset;
// activation and cancellation are never filtered — they fire for every
// order whenever any event advances the seq (matches sim_broker.py's
// fill_asset_id semantics exactly).
func (br *Broker) Step(event types.Event, b *book.Book, fillAssetID string) []FillRecord {
	seq := event.Seq()
	tsRecv := event.TsRecv()
	isBookEvent := types.BookAffecting(event.EventType())

	var newFills []FillRecord

	for _, id := range br.orderOrder {
		order := br.orders[id]
		if order == nil || types.IsTerminal(order.Status) {
			continue
		}

		// 1. Activate.
		if order.Status == StatusPending && seq >= order.EffectiveSeq {
			order.Status = StatusActive
			br.appendEvent("activated", order.OrderID, seq, tsRecv, map[string]any{
				"asset_id": order.AssetID,
			})
		}

		// 2. Fill.
		fillAllowed := fillAssetID == "" || order.AssetID == fillAssetID
		if isBookEvent && order.IsActive() && fillAllowed {
			fill := TryFill(order, b, seq, tsRecv)
			if fill.FillSize.IsPositive() {
				order.FilledSize = order.FilledSize.Add(fill.FillSize)
				if fill.FillStatus == "full" {
					order.Status = StatusFilled
				} else {
					order.Status = StatusPartial
				}
				br.fills = append(br.fills, fill)
				newFills = append(newFills, fill)
				br.appendEvent("fill", order.OrderID, seq, tsRecv, map[string]any{
					"asset_id":    order.AssetID,
					"side":        string(order.Side),
					"fill_price":  fill.FillPrice.String(),
					"fill_size":   fill.FillSize.String(),
					"remaining":   fill.Remaining.String(),
					"fill_status": fill.FillStatus,
					"because":     fill.Because,
				})
			}
		}

		// 3. Cancel.
		if order.CancelEffectiveSeq != nil && seq >= *order.CancelEffectiveSeq &&
			(order.Status == StatusActive || order.Status == StatusPartial || order.Status == StatusPending) {
			order.Status = StatusCancelled
			br.appendEvent("cancelled", order.OrderID, seq, tsRecv, map[string]any{
				"remaining": order.Remaining().String(),
			})
		}
	}

	return newFills
}

// Fills returns all fill records produced so far.
func (br *Broker) Fills() []FillRecord {
	out := make([]FillRecord, len(br.fills))
	copy(out, br.fills)
	return out
}

// OrderEvents returns the full lifecycle log produced so far.
func (br *Broker) OrderEvents() []OrderEvent {
	out := make([]OrderEvent, len(br.orderEvents))
	copy(out, br.orderEvents)
	return out
}

// GetOrder returns the order for orderID, or nil if not found.
func (br *Broker) GetOrder(orderID string) *Order {
	return br.orders[orderID]
}

// Orders returns a snapshot of every order currently tracked, in
// submission order.
func (br *Broker) Orders() []*Order {
	out := make([]*Order, 0, len(br.orderOrder))
	for _, id := range br.orderOrder {
		out = append(out, br.orders[id])
	}
	return out
}

func (br *Broker) appendEvent(event, orderID string, seq int64, tsRecv float64, extra map[string]any) {
	br.orderEvents = append(br.orderEvents, OrderEvent{
		Event:   event,
		OrderID: orderID,
		Seq:     seq,
		TsRecv:  tsRecv,
		Extra:   extra,
	})
}
