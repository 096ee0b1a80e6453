package runner

import (
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/strategy"
	"simtrader/pkg/types"
)

// fakeStrategy is a deterministic, scripted Strategy used to exercise
// the pipeline without depending on a real market-making implementation.
type fakeStrategy struct {
	onEvent  func(ctx strategy.EventContext) []strategy.OrderIntent
	fills    []strategy.FillContext
	finished bool
}

func (f *fakeStrategy) OnStart(string, decimal.Decimal) {}
func (f *fakeStrategy) OnEvent(ctx strategy.EventContext) []strategy.OrderIntent {
	if f.onEvent == nil {
		return nil
	}
	return f.onEvent(ctx)
}
func (f *fakeStrategy) OnFill(fill strategy.FillContext) { f.fills = append(f.fills, fill) }
func (f *fakeStrategy) OnFinish()                        { f.finished = true }

func snapshotEvent(seq int64, assetID string, bids, asks [][2]string) types.Event {
	toLevels := func(in [][2]string) []any {
		out := make([]any, 0, len(in))
		for _, lv := range in {
			out = append(out, map[string]any{"price": lv[0], "size": lv[1]})
		}
		return out
	}
	return types.Event{
		"event_type": types.EventBook,
		"asset_id":   assetID,
		"seq":        seq,
		"ts_recv":    float64(seq),
		"bids":       toLevels(bids),
		"asks":       toLevels(asks),
	}
}

func priceChangeEvent(seq int64, assetID, side, price, size string) types.Event {
	return types.Event{
		"event_type": types.EventPriceChange,
		"asset_id":   assetID,
		"seq":        seq,
		"ts_recv":    float64(seq),
		"changes":    []any{map[string]any{"side": side, "price": price, "size": size}},
	}
}

func batchedPriceChangeEvent(seq int64, entries ...map[string]any) types.Event {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	return types.Event{
		"event_type":    types.EventPriceChange,
		"seq":           seq,
		"ts_recv":       float64(seq),
		"price_changes": list,
	}
}

func newTestPipeline(strat strategy.Strategy, primaryAssetID string, assetIDs ...string) *Pipeline {
	books := make(map[string]*book.Book, len(assetIDs))
	for _, aid := range assetIDs {
		books[aid] = book.New(aid, false)
	}
	return NewPipeline(strat, books, broker.New(broker.ZeroLatency), primaryAssetID, nil)
}

func TestProcessEventUpdatesBookAndTimeline(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(&fakeStrategy{}, "tok1", "tok1")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))

	if len(p.Timeline) != 1 {
		t.Fatalf("timeline rows = %d, want 1", len(p.Timeline))
	}
	if p.Timeline[0].BestBid == nil || *p.Timeline[0].BestBid != "0.4" {
		t.Errorf("timeline best_bid = %v, want 0.4", p.Timeline[0].BestBid)
	}
}

func TestProcessEventExecutesSubmitIntentAndTracksOpenOrder(t *testing.T) {
	t.Parallel()
	submitted := false
	strat := &fakeStrategy{
		onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
			if submitted {
				return nil
			}
			submitted = true
			return []strategy.OrderIntent{{
				Action:     "submit",
				AssetID:    "tok1",
				Side:       types.BUY,
				LimitPrice: decimal.NewFromFloat(0.30),
				Size:       decimal.NewFromInt(10),
				Reason:     "test",
			}}
		},
	}
	p := newTestPipeline(strat, "tok1", "tok1")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))

	if len(p.OpenOrders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(p.OpenOrders))
	}
	if len(p.Decisions) != 1 || p.Decisions[0].Action != "submit" {
		t.Fatalf("decisions = %+v, want one submit decision", p.Decisions)
	}
}

func TestProcessEventDispatchesOnFillAndClearsOpenOrder(t *testing.T) {
	t.Parallel()
	submitted := false
	strat := &fakeStrategy{
		onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
			if submitted {
				return nil
			}
			submitted = true
			return []strategy.OrderIntent{{
				Action:     "submit",
				AssetID:    "tok1",
				Side:       types.BUY,
				LimitPrice: decimal.NewFromFloat(0.42),
				Size:       decimal.NewFromInt(10),
			}}
		},
	}
	p := newTestPipeline(strat, "tok1", "tok1")

	// First event establishes the book and submits the resting buy.
	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.43", "100"}}))
	if len(p.OpenOrders) != 1 {
		t.Fatalf("open orders after submit = %d, want 1", len(p.OpenOrders))
	}

	// Second event re-evaluates the book; the resting buy should fill
	// against the 0.42 ask and clear from open-order tracking.
	p.ProcessEvent(priceChangeEvent(2, "tok1", "SELL", "0.42", "100"))

	if len(p.OpenOrders) != 0 {
		t.Fatalf("open orders after fill = %d, want 0", len(p.OpenOrders))
	}
	if len(strat.fills) != 1 {
		t.Fatalf("fills dispatched = %d, want 1", len(strat.fills))
	}
	if strat.fills[0].FillSize.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Errorf("fill size = %s, want 10", strat.fills[0].FillSize)
	}
}

func TestProcessEventCancelIntentRemovesOpenOrder(t *testing.T) {
	t.Parallel()
	step := 0
	var pendingOrderID string
	strat := &fakeStrategy{
		onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
			step++
			switch step {
			case 1:
				return []strategy.OrderIntent{{
					Action:     "submit",
					AssetID:    "tok1",
					Side:       types.BUY,
					LimitPrice: decimal.NewFromFloat(0.10),
					Size:       decimal.NewFromInt(10),
				}}
			case 2:
				for oid := range ctx.OpenOrders {
					pendingOrderID = oid
				}
				return []strategy.OrderIntent{{Action: "cancel", OrderID: pendingOrderID}}
			default:
				return nil
			}
		},
	}
	p := newTestPipeline(strat, "tok1", "tok1")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))
	if len(p.OpenOrders) != 1 {
		t.Fatalf("open orders after submit = %d, want 1", len(p.OpenOrders))
	}

	p.ProcessEvent(snapshotEvent(2, "tok1", [][2]string{{"0.41", "100"}}, [][2]string{{"0.43", "100"}}))
	if len(p.OpenOrders) != 0 {
		t.Fatalf("open orders after cancel = %d, want 0", len(p.OpenOrders))
	}
}

func TestExecuteIntentRejectsOutOfRangeLimitPrice(t *testing.T) {
	t.Parallel()
	strat := &fakeStrategy{
		onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
			return []strategy.OrderIntent{{
				Action:     "submit",
				AssetID:    "tok1",
				Side:       types.BUY,
				LimitPrice: decimal.NewFromFloat(1.5),
				Size:       decimal.NewFromInt(10),
			}}
		},
	}
	p := newTestPipeline(strat, "tok1", "tok1")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))

	if len(p.OpenOrders) != 0 {
		t.Fatalf("open orders = %d, want 0 (limit_price out of range)", len(p.OpenOrders))
	}
	if len(p.Warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(p.Warnings))
	}
}

func TestExecuteIntentRejectsMalformedSubmitIntent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		intent strategy.OrderIntent
	}{
		{
			name: "missing side",
			intent: strategy.OrderIntent{
				Action:     "submit",
				AssetID:    "tok1",
				LimitPrice: decimal.NewFromFloat(0.30),
				Size:       decimal.NewFromInt(10),
			},
		},
		{
			name: "non-positive size",
			intent: strategy.OrderIntent{
				Action:     "submit",
				AssetID:    "tok1",
				Side:       types.BUY,
				LimitPrice: decimal.NewFromFloat(0.30),
				Size:       decimal.Zero,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			delivered := false
			strat := &fakeStrategy{
				onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
					if delivered {
						return nil
					}
					delivered = true
					return []strategy.OrderIntent{tc.intent}
				},
			}
			p := newTestPipeline(strat, "tok1", "tok1")
			p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))

			if len(p.OpenOrders) != 0 {
				t.Fatalf("open orders = %d, want 0", len(p.OpenOrders))
			}
			if len(p.Warnings) != 1 {
				t.Fatalf("warnings = %d, want 1", len(p.Warnings))
			}
		})
	}
}

func TestExecuteIntentWarnsOnMissingCancelOrderIDAndUnknownAction(t *testing.T) {
	t.Parallel()
	step := 0
	strat := &fakeStrategy{
		onEvent: func(ctx strategy.EventContext) []strategy.OrderIntent {
			step++
			switch step {
			case 1:
				return []strategy.OrderIntent{{Action: "cancel"}}
			case 2:
				return []strategy.OrderIntent{{Action: "nonsense"}}
			default:
				return nil
			}
		},
	}
	p := newTestPipeline(strat, "tok1", "tok1")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))
	p.ProcessEvent(snapshotEvent(2, "tok1", [][2]string{{"0.41", "100"}}, [][2]string{{"0.43", "100"}}))

	if len(p.Warnings) != 2 {
		t.Fatalf("warnings = %d, want 2", len(p.Warnings))
	}
}

func TestProcessEventHandlesBatchedPriceChangesAcrossAssets(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(&fakeStrategy{}, "tok1", "tok1", "tok2")

	p.ProcessEvent(snapshotEvent(1, "tok1", [][2]string{{"0.40", "100"}}, [][2]string{{"0.42", "100"}}))
	p.ProcessEvent(snapshotEvent(2, "tok2", [][2]string{{"0.55", "100"}}, [][2]string{{"0.57", "100"}}))

	p.ProcessEvent(batchedPriceChangeEvent(3,
		map[string]any{"asset_id": "tok1", "side": "BUY", "price": "0.41", "size": "50"},
		map[string]any{"asset_id": "tok2", "side": "SELL", "price": "0.56", "size": "50"},
	))

	if got := p.Books["tok1"].BestBid(); got == nil || got.String() != "0.41" {
		t.Errorf("tok1 best_bid = %v, want 0.41", got)
	}
	if got := p.Books["tok2"].BestAsk(); got == nil || got.String() != "0.56" {
		t.Errorf("tok2 best_ask = %v, want 0.56", got)
	}
	// The primary asset's timeline only grows for events that actually
	// touch it; the batched event above affects both assets, so tok1's
	// timeline row count should still increase by exactly 1.
	if len(p.Timeline) != 2 {
		t.Fatalf("timeline rows = %d, want 2 (one per tok1-touching event)", len(p.Timeline))
	}
}
