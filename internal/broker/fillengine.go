package broker

import (
	"github.com/shopspring/decimal"

	"simtrader/internal/book"
)

// TryFill attempts to fill order against the current book state (§4.E).
//
// Design invariants, all enforced here:
//
//  1. No fill at prices not present in the book at evalSeq — levels are
//     read directly from the book; nothing is invented.
//  2. Walk-the-book math is correct: a BUY walks ask levels cheapest-up
//     to the limit price; a SELL walks bid levels highest-down to the
//     limit. The fill price is the size-weighted average across every
//     level consumed.
//  3. Conservative default: an uninitialized book or no competitive
//     levels produces a rejected record, never invented liquidity.
//
// Must be called after the book has been updated for the current event.
func TryFill(order *Order, b *book.Book, evalSeq int64, tsRecv float64) FillRecord {
	reject := func(reason string) FillRecord {
		return FillRecord{
			OrderID:      order.OrderID,
			AssetID:      order.AssetID,
			Seq:          evalSeq,
			TsRecv:       tsRecv,
			Side:         order.Side,
			FillPrice:    zero,
			FillSize:     zero,
			Remaining:    order.Remaining(),
			FillStatus:   "rejected",
			RejectReason: reason,
			Because: map[string]any{
				"eval_seq":        evalSeq,
				"book_best_bid":   decimalPtrOrNil(b.BestBid()),
				"book_best_ask":   decimalPtrOrNil(b.BestAsk()),
				"levels_consumed": []map[string]string{},
			},
		}
	}

	if !b.Initialized() {
		return reject("book_not_initialized")
	}

	var levels []book.Level
	switch order.Side {
	case BUY:
		levels = b.AsksAtOrBelow(order.LimitPrice)
	case SELL:
		levels = b.BidsAtOrAbove(order.LimitPrice)
	default:
		return reject("unknown_side")
	}

	if len(levels) == 0 {
		return reject("no_competitive_levels")
	}

	remaining := order.Remaining()
	totalFilled := zero
	totalNotional := zero
	consumed := make([]map[string]string, 0, len(levels))

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(zero) {
			break
		}
		consume := decimal.Min(lvl.Size, remaining)
		totalFilled = totalFilled.Add(consume)
		totalNotional = totalNotional.Add(consume.Mul(lvl.Price))
		consumed = append(consumed, map[string]string{
			"price": lvl.Price.String(),
			"size":  consume.String(),
		})
		remaining = remaining.Sub(consume)
	}

	if totalFilled.IsZero() {
		return reject("no_competitive_levels")
	}

	avgPrice := totalNotional.Div(totalFilled)
	newRemaining := order.Remaining().Sub(totalFilled)
	fillStatus := "partial"
	if newRemaining.IsZero() {
		fillStatus = "full"
	}

	return FillRecord{
		OrderID:    order.OrderID,
		AssetID:    order.AssetID,
		Seq:        evalSeq,
		TsRecv:     tsRecv,
		Side:       order.Side,
		FillPrice:  avgPrice,
		FillSize:   totalFilled,
		Remaining:  newRemaining,
		FillStatus: fillStatus,
		Because: map[string]any{
			"eval_seq":        evalSeq,
			"book_best_bid":   decimalPtrOrNil(b.BestBid()),
			"book_best_ask":   decimalPtrOrNil(b.BestAsk()),
			"levels_consumed": consumed,
		},
	}
}

func decimalPtrOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
