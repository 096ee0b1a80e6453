package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

func testMakerConfig() MakerConfig {
	cfg := DefaultMakerConfig()
	cfg.RefreshEveryNEvents = 1
	return cfg
}

func bestOf(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func bookEvent(seq int64, assetID string) types.Event {
	return types.Event{
		"seq":        seq,
		"ts_recv":    float64(seq),
		"event_type": types.EventBook,
		"asset_id":   assetID,
	}
}

func TestMaker_QuotesBothSidesAroundMid(t *testing.T) {
	t.Parallel()
	m := NewMaker(testMakerConfig())
	m.OnStart("asset1", decimal.NewFromInt(1000))

	ctx := EventContext{
		Event:      bookEvent(1, "asset1"),
		Seq:        1,
		BestBid:    bestOf("0.49"),
		BestAsk:    bestOf("0.51"),
		OpenOrders: map[string]types.OpenOrderView{},
	}
	intents := m.OnEvent(ctx)

	var sawBid, sawAsk bool
	for _, in := range intents {
		if in.Action != "submit" {
			t.Fatalf("unexpected action %q on first quote", in.Action)
		}
		switch in.Side {
		case types.BUY:
			sawBid = true
			if in.LimitPrice.GreaterThanOrEqual(decimal.NewFromFloat(0.50)) {
				t.Errorf("bid %s should sit below mid 0.50", in.LimitPrice)
			}
		case types.SELL:
			sawAsk = true
			if in.LimitPrice.LessThanOrEqual(decimal.NewFromFloat(0.50)) {
				t.Errorf("ask %s should sit above mid 0.50", in.LimitPrice)
			}
		}
	}
	if !sawBid || !sawAsk {
		t.Fatalf("expected both a bid and an ask intent, got %+v", intents)
	}
}

func TestMaker_SkipsNonBookAffectingEvents(t *testing.T) {
	t.Parallel()
	m := NewMaker(testMakerConfig())
	m.OnStart("asset1", decimal.NewFromInt(1000))

	ctx := EventContext{
		Event:      types.Event{"seq": int64(1), "event_type": types.EventTickSizeChange, "asset_id": "asset1"},
		Seq:        1,
		BestBid:    bestOf("0.49"),
		BestAsk:    bestOf("0.51"),
		OpenOrders: map[string]types.OpenOrderView{},
	}
	if intents := m.OnEvent(ctx); intents != nil {
		t.Errorf("expected no intents for a non-book-affecting event, got %+v", intents)
	}
}

func TestMaker_DoesNotRequoteWithinTolerance(t *testing.T) {
	t.Parallel()
	m := NewMaker(testMakerConfig())
	m.OnStart("asset1", decimal.NewFromInt(1000))

	ctx := EventContext{
		Event:      bookEvent(1, "asset1"),
		Seq:        1,
		BestBid:    bestOf("0.49"),
		BestAsk:    bestOf("0.51"),
		OpenOrders: map[string]types.OpenOrderView{},
	}
	first := m.OnEvent(ctx)
	if len(first) == 0 {
		t.Fatal("expected initial quotes")
	}

	open := map[string]types.OpenOrderView{}
	for _, in := range first {
		key := string(in.Side)
		open[key] = types.OpenOrderView{
			OrderID:    "o-" + key,
			Side:       key,
			AssetID:    in.AssetID,
			LimitPrice: in.LimitPrice.String(),
			Status:     string(types.StatusActive),
		}
	}

	ctx2 := ctx
	ctx2.Seq = 2
	ctx2.Event = bookEvent(2, "asset1")
	ctx2.OpenOrders = open
	second := m.OnEvent(ctx2)
	if len(second) != 0 {
		t.Errorf("expected no requote when the book hasn't moved, got %+v", second)
	}
}

func TestMaker_InventorySkewPullsQuotesDown(t *testing.T) {
	t.Parallel()
	cfg := testMakerConfig()
	cfg.Gamma = 0.5
	cfg.Sigma = 0.2
	cfg.TimeHorizon = 1.0
	cfg.LiquidityK = 10
	cfg.MaxPositionShares = 500
	m := NewMaker(cfg)
	m.OnStart("asset1", decimal.NewFromInt(1000))

	neutralBid, _, _ := m.computeQuotes(0.50, 1)

	// fill to exactly the max tracked position, so inventory skew q=1
	m.OnFill(FillContext{
		AssetID:   "asset1",
		Side:      types.BUY,
		FillPrice: decimal.NewFromFloat(0.50),
		FillSize:  decimal.NewFromFloat(500),
		Seq:       1,
	})
	longBid, _, _ := m.computeQuotes(0.50, 2)

	if longBid >= neutralBid {
		t.Errorf("reservation price should drop below neutral once fully long: neutral=%f long=%f", neutralBid, longBid)
	}
}
