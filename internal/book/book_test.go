package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

func snapshotEvent(seq int64, bids, asks [][2]string) types.Event {
	toLevels := func(in [][2]string) []any {
		out := make([]any, 0, len(in))
		for _, lv := range in {
			out = append(out, map[string]any{"price": lv[0], "size": lv[1]})
		}
		return out
	}
	return types.Event{
		"event_type": types.EventBook,
		"seq":        seq,
		"ts_recv":    float64(seq),
		"bids":       toLevels(bids),
		"asks":       toLevels(asks),
	}
}

func priceChangeEvent(seq int64, side, price, size string) types.Event {
	return types.Event{
		"event_type": types.EventPriceChange,
		"seq":        seq,
		"ts_recv":    float64(seq),
		"changes": []any{
			map[string]any{"side": side, "price": price, "size": size},
		},
	}
}

func mustPrice(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}

func TestApplySnapshotInitializesBook(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	if b.Initialized() {
		t.Fatal("book should not be initialized before any event")
	}

	changed, err := b.Apply(snapshotEvent(1, [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "50"}}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !changed {
		t.Fatal("expected snapshot to report a change")
	}
	if !b.Initialized() {
		t.Fatal("book should be initialized after a snapshot")
	}

	bid := b.BestBid()
	if bid == nil || !bid.Equal(mustPrice(t, "0.40")) {
		t.Errorf("best bid = %v, want 0.40", bid)
	}
	ask := b.BestAsk()
	if ask == nil || !ask.Equal(mustPrice(t, "0.42")) {
		t.Errorf("best ask = %v, want 0.42", ask)
	}
}

func TestPriceChangeBeforeSnapshotIsErrorInStrictMode(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	_, err := b.Apply(priceChangeEvent(1, "BUY", "0.40", "10"))
	if err == nil {
		t.Fatal("expected an error for a price_change before the first snapshot in strict mode")
	}
}

func TestPriceChangeBeforeSnapshotIsSkippedInLenientMode(t *testing.T) {
	t.Parallel()
	b := New("tok1", false)
	changed, err := b.Apply(priceChangeEvent(1, "BUY", "0.40", "10"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if changed {
		t.Fatal("expected a pre-snapshot price_change to be a no-op in lenient mode")
	}
	if b.Initialized() {
		t.Fatal("book should remain uninitialized")
	}
}

func TestZeroSizeDeltaRemovesLevel(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	if _, err := b.Apply(snapshotEvent(1, [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "50"}})); err != nil {
		t.Fatalf("snapshot Apply: %v", err)
	}

	if _, err := b.Apply(priceChangeEvent(2, "BUY", "0.40", "0")); err != nil {
		t.Fatalf("delta Apply: %v", err)
	}
	if bid := b.BestBid(); bid != nil {
		t.Errorf("best bid = %v, want nil after zero-size delta removes the only level", bid)
	}
}

func TestTopBidsAndAsksAreSortedAndTruncated(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	if _, err := b.Apply(snapshotEvent(1,
		[][2]string{{"0.38", "10"}, {"0.40", "20"}, {"0.39", "30"}},
		[][2]string{{"0.44", "10"}, {"0.42", "20"}, {"0.43", "30"}},
	)); err != nil {
		t.Fatalf("snapshot Apply: %v", err)
	}

	bids := b.TopBids(2)
	if len(bids) != 2 {
		t.Fatalf("len(TopBids(2)) = %d, want 2", len(bids))
	}
	if !bids[0].Price.Equal(mustPrice(t, "0.40")) || !bids[1].Price.Equal(mustPrice(t, "0.39")) {
		t.Errorf("TopBids(2) = %v, want [0.40, 0.39] descending", bids)
	}

	asks := b.TopAsks(2)
	if len(asks) != 2 {
		t.Fatalf("len(TopAsks(2)) = %d, want 2", len(asks))
	}
	if !asks[0].Price.Equal(mustPrice(t, "0.42")) || !asks[1].Price.Equal(mustPrice(t, "0.43")) {
		t.Errorf("TopAsks(2) = %v, want [0.42, 0.43] ascending", asks)
	}
}

func TestAsksAtOrBelowIncludesExactLimit(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	if _, err := b.Apply(snapshotEvent(1, nil, [][2]string{{"0.42", "10"}, {"0.43", "20"}, {"0.44", "30"}})); err != nil {
		t.Fatalf("snapshot Apply: %v", err)
	}

	levels := b.AsksAtOrBelow(mustPrice(t, "0.43"))
	if len(levels) != 2 {
		t.Fatalf("len(AsksAtOrBelow(0.43)) = %d, want 2 (inclusive of the limit level)", len(levels))
	}
	if !levels[0].Price.Equal(mustPrice(t, "0.42")) || !levels[1].Price.Equal(mustPrice(t, "0.43")) {
		t.Errorf("AsksAtOrBelow(0.43) = %v, want [0.42, 0.43]", levels)
	}
}

func TestApplySingleDeltaRespectsStrictMode(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	_, err := b.ApplySingleDelta(types.PriceChange{Side: "SELL", Price: "0.42", Size: "10"})
	if err == nil {
		t.Fatal("expected an error for a batched delta before the first snapshot in strict mode")
	}

	if _, err := b.Apply(snapshotEvent(1, nil, [][2]string{{"0.42", "10"}})); err != nil {
		t.Fatalf("snapshot Apply: %v", err)
	}
	changed, err := b.ApplySingleDelta(types.PriceChange{Side: "SELL", Price: "0.42", Size: "25"})
	if err != nil {
		t.Fatalf("ApplySingleDelta: %v", err)
	}
	if !changed {
		t.Fatal("expected the delta to report a change")
	}
	ask := b.BestAsk()
	if ask == nil || !ask.Equal(mustPrice(t, "0.42")) {
		t.Errorf("best ask = %v, want 0.42", ask)
	}
}

func TestNonBookEventIsNoOp(t *testing.T) {
	t.Parallel()
	b := New("tok1", true)
	changed, err := b.Apply(types.Event{"event_type": "last_trade_price", "seq": int64(1), "ts_recv": 1.0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if changed {
		t.Fatal("expected a non-book event to be a no-op")
	}
}
