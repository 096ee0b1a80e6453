// Package book implements the L2 order book state machine described in
// SPEC_FULL.md §4.B. It applies "book" snapshots and "price_change"
// deltas (legacy and batched) to a per-asset two-sided book, keeping
// sizes as exact decimals so repeated delta accumulation never drifts.
//
// Ported from the source's L2Book (orderbook/l2book.py): prices are kept
// as canonical string keys into the bid/ask maps, sizes as
// decimal.Decimal, and strict/lenient modes govern whether a delta
// received before the first snapshot is a hard error or a logged no-op.
package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// Error is raised for invalid state transitions in strict mode — most
// commonly a price_change arriving before the first book snapshot.
type Error struct {
	AssetID string
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("l2book[%s]: %s", e.AssetID, e.Msg)
}

// Level is a single price/size pair, as returned by TopBids/TopAsks.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book is a level-2 order book driven by normalized tape events.
//
// Not safe for concurrent use; a run owns its books exclusively and the
// strategy only ever sees immutable BBO snapshots (§5 shared-resource
// policy).
type Book struct {
	AssetID     string
	Strict      bool
	initialized bool
	bids        map[string]decimal.Decimal // price string -> size
	asks        map[string]decimal.Decimal
}

// New creates a book for assetID. In strict mode, a price_change before
// the first snapshot returns an *Error; in lenient mode it is logged by
// the caller (Apply returns false with no error) and skipped.
func New(assetID string, strict bool) *Book {
	return &Book{
		AssetID: assetID,
		Strict:  strict,
		bids:    make(map[string]decimal.Decimal),
		asks:    make(map[string]decimal.Decimal),
	}
}

// Initialized reports whether the book has received its first snapshot.
func (b *Book) Initialized() bool {
	return b.initialized
}

// BestBid returns the highest bid price, or nil if the bid side is empty.
func (b *Book) BestBid() *decimal.Decimal {
	return maxPrice(b.bids)
}

// BestAsk returns the lowest ask price, or nil if the ask side is empty.
func (b *Book) BestAsk() *decimal.Decimal {
	return minPrice(b.asks)
}

// TopBids returns the top n bid levels, highest price first.
func (b *Book) TopBids(n int) []Level {
	return topLevels(b.bids, n, true)
}

// TopAsks returns the top n ask levels, lowest price first.
func (b *Book) TopAsks(n int) []Level {
	return topLevels(b.asks, n, false)
}

// AsksAtOrBelow returns ask levels priced at or below limit, sorted
// cheapest-first. Used by the fill engine to walk the book for a BUY
// order; only genuinely present (positive-size) levels are returned.
func (b *Book) AsksAtOrBelow(limit decimal.Decimal) []Level {
	return filteredLevels(b.asks, func(p decimal.Decimal) bool { return p.LessThanOrEqual(limit) }, false)
}

// BidsAtOrAbove returns bid levels priced at or above limit, sorted
// highest-first. Used by the fill engine to walk the book for a SELL
// order; only genuinely present (positive-size) levels are returned.
func (b *Book) BidsAtOrAbove(limit decimal.Decimal) []Level {
	return filteredLevels(b.bids, func(p decimal.Decimal) bool { return p.GreaterThanOrEqual(limit) }, true)
}

// Apply applies a normalized tape event to the book. It returns true
// when the event modified or initialized book state; false when the
// event was skipped (a non-book event type, or — in lenient mode — a
// price_change received before initialization).
//
// Only EventBook and EventPriceChange affect the book; every other
// event type returns (false, nil) with no side effects.
func (b *Book) Apply(event types.Event) (bool, error) {
	switch event.EventType() {
	case types.EventBook:
		b.applySnapshot(event)
		return true, nil

	case types.EventPriceChange:
		if !b.initialized {
			msg := fmt.Sprintf("price_change received before book snapshot (seq=%d)", event.Seq())
			if b.Strict {
				return false, &Error{AssetID: b.AssetID, Msg: msg}
			}
			return false, nil
		}
		b.applyPriceChange(event)
		return true, nil

	default:
		return false, nil
	}
}

// ApplySingleDelta applies one entry from a batched price_changes[]
// array. Same initialization rules as Apply's price_change branch.
func (b *Book) ApplySingleDelta(change types.PriceChange) (bool, error) {
	if !b.initialized {
		msg := fmt.Sprintf("price_changes[] entry received before book snapshot (asset_id=%s)", b.AssetID)
		if b.Strict {
			return false, &Error{AssetID: b.AssetID, Msg: msg}
		}
		return false, nil
	}
	b.applySingleChange(change)
	return true, nil
}

func (b *Book) applySnapshot(event types.Event) {
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)

	for _, lvl := range extractLevels(event["bids"]) {
		if lvl.Size.IsPositive() {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range extractLevels(event["asks"]) {
		if lvl.Size.IsPositive() {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.initialized = true
}

func (b *Book) applyPriceChange(event types.Event) {
	for _, change := range extractPriceChanges(event["changes"]) {
		b.applySingleChange(change)
	}
}

func (b *Book) applySingleChange(change types.PriceChange) {
	price := change.Price
	if price == "" {
		return
	}
	size, err := decimal.NewFromString(change.Size)
	if err != nil {
		return
	}

	var side map[string]decimal.Decimal
	switch change.Side {
	case string(types.BUY):
		side = b.bids
	case string(types.SELL):
		side = b.asks
	default:
		return
	}

	if size.IsZero() {
		delete(side, price)
	} else {
		side[price] = size
	}
}

func maxPrice(side map[string]decimal.Decimal) *decimal.Decimal {
	if len(side) == 0 {
		return nil
	}
	var best decimal.Decimal
	first := true
	for p := range side {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if first || d.GreaterThan(best) {
			best = d
			first = false
		}
	}
	if first {
		return nil
	}
	return &best
}

func minPrice(side map[string]decimal.Decimal) *decimal.Decimal {
	if len(side) == 0 {
		return nil
	}
	var best decimal.Decimal
	first := true
	for p := range side {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if first || d.LessThan(best) {
			best = d
			first = false
		}
	}
	if first {
		return nil
	}
	return &best
}

func filteredLevels(side map[string]decimal.Decimal, keep func(decimal.Decimal) bool, descending bool) []Level {
	levels := make([]Level, 0, len(side))
	for p, s := range side {
		if !s.IsPositive() {
			continue // defensive; shouldn't occur given the size>0 invariant
		}
		d, err := decimal.NewFromString(p)
		if err != nil || !keep(d) {
			continue
		}
		levels = append(levels, Level{Price: d, Size: s})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

func topLevels(side map[string]decimal.Decimal, n int, descending bool) []Level {
	if len(side) == 0 {
		return nil
	}
	levels := make([]Level, 0, len(side))
	for p, s := range side {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		levels = append(levels, Level{Price: d, Size: s})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if n < len(levels) {
		levels = levels[:n]
	}
	return levels
}

// extractLevels converts a raw JSON-decoded field (from Event, a
// map[string]any) into typed Levels. The field arrives as []any from the
// outer event decode; each item is read directly from its decoded form
// (a price/p + size/s map or a [price, size] list), without re-marshaling.
func extractLevels(raw any) []types.Level {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.Level, 0, len(items))
	for _, item := range items {
		lvl, ok := parseLevel(item)
		if ok {
			out = append(out, lvl)
		}
	}
	return out
}

func parseLevel(item any) (types.Level, bool) {
	switch v := item.(type) {
	case map[string]any:
		price, priceOK := stringField(v, "price", "p")
		sizeStr, sizeOK := stringField(v, "size", "s")
		if !priceOK {
			return types.Level{}, false
		}
		if !sizeOK {
			sizeStr = "0"
		}
		size, err := decimal.NewFromString(sizeStr)
		if err != nil {
			return types.Level{}, false
		}
		return types.Level{Price: price, Size: size}, true
	case []any:
		if len(v) < 2 {
			return types.Level{}, false
		}
		price := fmt.Sprintf("%v", v[0])
		size, err := decimal.NewFromString(fmt.Sprintf("%v", v[1]))
		if err != nil {
			return types.Level{}, false
		}
		return types.Level{Price: price, Size: size}, true
	default:
		return types.Level{}, false
	}
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// extractPriceChanges converts a raw "changes" or "price_changes" field
// into typed PriceChange entries.
func extractPriceChanges(raw any) []types.PriceChange {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.PriceChange, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pc := types.PriceChange{
			Side:  fmt.Sprintf("%v", m["side"]),
			Price: fmt.Sprintf("%v", m["price"]),
			Size:  fmt.Sprintf("%v", m["size"]),
		}
		if aid, ok := m["asset_id"].(string); ok {
			pc.AssetID = aid
		}
		out = append(out, pc)
	}
	return out
}
