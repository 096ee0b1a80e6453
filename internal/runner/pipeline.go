// Package runner drives a Strategy against a tape of normalized events,
// shared between the replay runner (one full tape, once) and the shadow
// runner (a live, possibly-unbounded WS stream). Both feed events through
// the same per-event pipeline so they can never semantically diverge.
package runner

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/strategy"
	"simtrader/pkg/types"
)

// Decision is one logged strategy action: a submit or a cancel, alongside
// the book context it was made against (§4.I decisions.jsonl).
type Decision struct {
	Seq        int64          `json:"seq"`
	TsRecv     float64        `json:"ts_recv"`
	Action     string         `json:"action"`
	OrderID    string         `json:"order_id,omitempty"`
	AssetID    string         `json:"asset_id,omitempty"`
	Side       string         `json:"side,omitempty"`
	LimitPrice string         `json:"limit_price,omitempty"`
	Size       string         `json:"size,omitempty"`
	BestBid    *string        `json:"best_bid,omitempty"`
	BestAsk    *string        `json:"best_ask,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Pipeline holds the mutable state threaded through one normalized event
// at a time: per-asset books, the broker, open-order tracking, and the
// accumulated timeline/decisions logs. Shared by the replay and shadow
// runners; not safe for concurrent use.
type Pipeline struct {
	Strategy       strategy.Strategy
	Books          map[string]*book.Book
	Broker         *broker.Broker
	PrimaryAssetID string
	Logger         *slog.Logger

	OpenOrders map[string]types.OpenOrderView
	Timeline   []types.TimelineRow
	Decisions  []Decision

	// Warnings accumulates one entry per malformed or rejected intent
	// (strategy_malformed_intent) and one per price_change that a lenient
	// book skipped because it arrived before the book's first snapshot,
	// counted toward run_quality the same way a loader or book-error
	// warning is.
	Warnings []string

	lastFillIdx       int
	lastOrderEventIdx int
}

// NewPipeline builds a pipeline. books must already contain one *book.Book
// per asset the run cares about, including primaryAssetID.
func NewPipeline(strat strategy.Strategy, books map[string]*book.Book, br *broker.Broker, primaryAssetID string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Strategy:       strat,
		Books:          books,
		Broker:         br,
		PrimaryAssetID: primaryAssetID,
		Logger:         logger,
		OpenOrders:     make(map[string]types.OpenOrderView),
	}
}

// ProcessEvent applies one normalized event through books, the strategy,
// and the broker, in the 8 steps described below. Returns a non-empty
// warning string if a book error occurred while applying the event.
//
//  1. Update books (batched price_changes[] or legacy single-asset form).
//  2. Build the strategy's event context from the primary book's BBO.
//  3. Ask the strategy for intents.
//  4. Execute each intent against the broker.
//  5. Step the broker once per asset touched this event.
//  6. Dispatch OnFill for every fill with non-zero size.
//  7. Resync open-order tracking from new broker lifecycle events.
//  8. Emit a timeline row for primary-asset book-affecting events.
func (p *Pipeline) ProcessEvent(event types.Event) string {
	seq := event.Seq()
	tsRecv := event.TsRecv()
	eventType := event.EventType()

	primary := p.Books[p.PrimaryAssetID]
	activeAssets := make(map[string]bool)

	// 1. Update books.
	if entries, ok := batchedPriceChanges(event); ok {
		for _, entry := range entries {
			aid, _ := entry["asset_id"].(string)
			b, exists := p.Books[aid]
			if aid == "" || !exists {
				continue
			}
			side, _ := entry["side"].(string)
			price, _ := entry["price"].(string)
			size, _ := entry["size"].(string)
			changed, err := b.ApplySingleDelta(types.PriceChange{AssetID: aid, Side: side, Price: price, Size: size})
			if err != nil {
				msg := "seq=" + seqStr(seq) + " asset=" + aid + ": " + err.Error()
				p.Logger.Warn("book error applying batched delta", "seq", seq, "asset_id", aid, "error", err)
				return msg
			}
			if !changed {
				p.Logger.Warn("price_change before book snapshot; skipped", "seq", seq, "asset_id", aid)
				p.Warnings = append(p.Warnings, "seq="+seqStr(seq)+" asset="+aid+": price_change before book snapshot; skipped")
			}
			activeAssets[aid] = true
		}
	} else if aid := event.AssetID(); aid != "" {
		if b, ok := p.Books[aid]; ok {
			changed, err := b.Apply(event)
			if err != nil {
				msg := "seq=" + seqStr(seq) + ": " + err.Error()
				p.Logger.Warn("book error applying event", "seq", seq, "asset_id", aid, "error", err)
				return msg
			}
			if !changed && eventType == types.EventPriceChange {
				p.Logger.Warn("price_change before book snapshot; skipped", "seq", seq, "asset_id", aid)
				p.Warnings = append(p.Warnings, "seq="+seqStr(seq)+" asset="+aid+": price_change before book snapshot; skipped")
			}
			activeAssets[aid] = true
		}
	}

	// 2. Build event context.
	ctx := strategy.EventContext{
		Event:      event,
		Seq:        seq,
		TsRecv:     tsRecv,
		BestBid:    bestBidOf(primary),
		BestAsk:    bestAskOf(primary),
		OpenOrders: copyOpenOrders(p.OpenOrders),
	}

	// 3. Ask the strategy for intents.
	intents := p.Strategy.OnEvent(ctx)

	// 4. Execute intents.
	for _, intent := range intents {
		p.executeIntent(intent, seq, tsRecv)
	}

	// 5. Step the broker for each asset this event touched.
	for assetID := range activeAssets {
		p.Broker.Step(event, p.Books[assetID], assetID)
	}

	// 6. Dispatch OnFill for new fills.
	fills := p.Broker.Fills()
	for _, fill := range fills[p.lastFillIdx:] {
		if fill.FillSize.IsPositive() {
			p.Strategy.OnFill(strategy.FillContext{
				OrderID:    fill.OrderID,
				AssetID:    fill.AssetID,
				Side:       fill.Side,
				FillPrice:  fill.FillPrice,
				FillSize:   fill.FillSize,
				FillStatus: fill.FillStatus,
				Seq:        fill.Seq,
				TsRecv:     fill.TsRecv,
			})
		}
	}
	p.lastFillIdx = len(fills)

	// 7. Resync open-order tracking from new lifecycle events.
	orderEvents := p.Broker.OrderEvents()
	for _, oe := range orderEvents[p.lastOrderEventIdx:] {
		p.syncOpenOrder(oe.OrderID)
	}
	p.lastOrderEventIdx = len(orderEvents)

	// 8. Emit a timeline row for primary-asset book-affecting events.
	if activeAssets[p.PrimaryAssetID] && types.BookAffecting(eventType) {
		p.Timeline = append(p.Timeline, types.TimelineRow{
			Seq:       seq,
			TsRecv:    tsRecv,
			AssetID:   p.PrimaryAssetID,
			EventType: eventType,
			BestBid:   decimalStringPtr(bestBidOf(primary)),
			BestAsk:   decimalStringPtr(bestAskOf(primary)),
		})
	}

	return ""
}

func (p *Pipeline) executeIntent(intent strategy.OrderIntent, seq int64, tsRecv float64) {
	switch intent.Action {
	case "submit":
		if reason, ok := validateSubmitIntent(intent); !ok {
			msg := fmt.Sprintf("seq=%d: OrderIntent(submit) %s; skipping", seq, reason)
			p.Logger.Warn("malformed order intent", "seq", seq, "action", "submit", "reason", reason)
			p.Warnings = append(p.Warnings, msg)
			return
		}

		assetID := intent.AssetID
		if assetID == "" {
			assetID = p.PrimaryAssetID
		}
		orderID := p.Broker.SubmitOrder(assetID, intent.Side, intent.LimitPrice, intent.Size, seq, tsRecv, intent.OrderID)
		p.OpenOrders[orderID] = types.OpenOrderView{
			OrderID:    orderID,
			Side:       string(intent.Side),
			AssetID:    assetID,
			LimitPrice: intent.LimitPrice.String(),
			Size:       intent.Size.String(),
			Status:     string(types.StatusPending),
			FilledSize: "0",
		}
		logBook := p.Books[assetID]
		if logBook == nil {
			logBook = p.Books[p.PrimaryAssetID]
		}
		p.Decisions = append(p.Decisions, Decision{
			Seq:        seq,
			TsRecv:     tsRecv,
			Action:     "submit",
			OrderID:    orderID,
			AssetID:    assetID,
			Side:       string(intent.Side),
			LimitPrice: intent.LimitPrice.String(),
			Size:       intent.Size.String(),
			BestBid:    decimalStringPtr(bestBidOf(logBook)),
			BestAsk:    decimalStringPtr(bestAskOf(logBook)),
			Reason:     intent.Reason,
			Meta:       intent.Meta,
		})

	case "cancel":
		if intent.OrderID == "" {
			msg := fmt.Sprintf("seq=%d: OrderIntent(cancel) missing order_id; skipping", seq)
			p.Logger.Warn("cancel intent missing order_id", "seq", seq)
			p.Warnings = append(p.Warnings, msg)
			return
		}
		if err := p.Broker.CancelOrder(intent.OrderID, seq, tsRecv); err != nil {
			msg := fmt.Sprintf("seq=%d: cancel failed for order_id=%s: %v", seq, intent.OrderID, err)
			p.Logger.Warn("cancel failed", "seq", seq, "order_id", intent.OrderID, "error", err)
			p.Warnings = append(p.Warnings, msg)
			return
		}
		p.Decisions = append(p.Decisions, Decision{
			Seq:     seq,
			TsRecv:  tsRecv,
			Action:  "cancel",
			OrderID: intent.OrderID,
			Reason:  intent.Reason,
			Meta:    intent.Meta,
		})

	default:
		msg := fmt.Sprintf("seq=%d: unknown OrderIntent action %q; skipping", seq, intent.Action)
		p.Logger.Warn("unknown order intent action", "seq", seq, "action", intent.Action)
		p.Warnings = append(p.Warnings, msg)
	}
}

// validateSubmitIntent checks the fields a submit intent must carry
// before it reaches the broker: a known side, a positive size, and a
// limit price in (0, 1] — the same range the on-demand session enforces
// on its SubmitOrder entry point.
func validateSubmitIntent(intent strategy.OrderIntent) (reason string, ok bool) {
	if intent.Side == "" {
		return "missing side", false
	}
	if !intent.Size.IsPositive() {
		return "size must be positive", false
	}
	if intent.LimitPrice.LessThanOrEqual(decimal.Zero) || intent.LimitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Sprintf("limit_price %s out of range (0,1]", intent.LimitPrice.String()), false
	}
	return "", true
}

// syncOpenOrder refreshes OpenOrders[orderID] from the broker's
// authoritative order state, removing the entry once the order reaches a
// terminal status.
func (p *Pipeline) syncOpenOrder(orderID string) {
	order := p.Broker.GetOrder(orderID)
	if order == nil {
		return
	}
	if types.IsTerminal(order.Status) {
		delete(p.OpenOrders, orderID)
		return
	}
	p.OpenOrders[orderID] = types.OpenOrderView{
		OrderID:    order.OrderID,
		Side:       string(order.Side),
		AssetID:    order.AssetID,
		LimitPrice: order.LimitPrice.String(),
		Size:       order.Size.String(),
		Status:     string(order.Status),
		FilledSize: order.FilledSize.String(),
	}
}

// batchedPriceChanges returns event's price_changes[] array as a slice of
// maps, and true, when event is the modern batched price_change form.
func batchedPriceChanges(event types.Event) ([]map[string]any, bool) {
	if event.EventType() != types.EventPriceChange {
		return nil, false
	}
	raw, ok := event["price_changes"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, true
}

func copyOpenOrders(src map[string]types.OpenOrderView) map[string]types.OpenOrderView {
	out := make(map[string]types.OpenOrderView, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func bestBidOf(b *book.Book) *decimal.Decimal {
	if b == nil {
		return nil
	}
	return b.BestBid()
}

func bestAskOf(b *book.Book) *decimal.Decimal {
	if b == nil {
		return nil
	}
	return b.BestAsk()
}

func decimalStringPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func seqStr(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
