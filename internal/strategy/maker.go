package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// MakerConfig parametrizes an Avellaneda-Stoikov quoting strategy for a
// single binary-outcome asset. Gamma/Sigma/LiquidityK follow the usual
// market-making notation: risk aversion, volatility, and order book
// liquidity density.
type MakerConfig struct {
	Gamma       float64 // risk aversion
	Sigma       float64 // volatility estimate of the mid price
	TimeHorizon float64 // T, remaining fraction of the session in [0,1]
	LiquidityK  float64 // k, book liquidity density

	TickSize            float64
	MinSpread           float64
	BaseSize            decimal.Decimal
	MaxPositionShares   float64
	RefreshEveryNEvents int // quote recompute cadence, in tape events not wall time

	ToxicityWindowTicks   int64
	ToxicityThreshold     float64
	ToxicityCooldownTicks int64
	MaxSpreadMultiple     float64
}

// DefaultMakerConfig returns reasonable defaults for a Polymarket binary
// market quoted in [0.01, 0.99].
func DefaultMakerConfig() MakerConfig {
	return MakerConfig{
		Gamma:                 0.1,
		Sigma:                 0.02,
		TimeHorizon:           1.0,
		LiquidityK:            1.5,
		TickSize:              0.01,
		MinSpread:             0.02,
		BaseSize:              decimal.NewFromInt(50),
		MaxPositionShares:     500,
		RefreshEveryNEvents:   1,
		ToxicityWindowTicks:   200,
		ToxicityThreshold:     0.6,
		ToxicityCooldownTicks: 400,
		MaxSpreadMultiple:     3.0,
	}
}

// Maker is a two-sided Avellaneda-Stoikov market maker for a single
// primary asset. Inventory skew pulls quotes away from mid to bleed
// off position; a FlowTracker widens spreads when recent fills look
// adversarially selected.
type Maker struct {
	cfg            MakerConfig
	primaryAssetID string

	netShares float64 // signed position in the primary asset
	avgEntry  float64

	flow             *FlowTracker
	eventsSinceQuote int
}

// NewMaker builds a Maker with the given configuration.
func NewMaker(cfg MakerConfig) *Maker {
	return &Maker{cfg: cfg}
}

func (m *Maker) OnStart(primaryAssetID string, startingCash decimal.Decimal) {
	m.primaryAssetID = primaryAssetID
	m.flow = NewFlowTracker(m.cfg.ToxicityWindowTicks, m.cfg.ToxicityThreshold, m.cfg.ToxicityCooldownTicks, m.cfg.MaxSpreadMultiple)
}

func (m *Maker) OnEvent(ctx EventContext) []OrderIntent {
	if !types.BookAffecting(ctx.Event.EventType()) {
		return nil
	}
	if assetID := ctx.Event.AssetID(); assetID != "" && assetID != m.primaryAssetID {
		return nil
	}

	m.eventsSinceQuote++
	if m.cfg.RefreshEveryNEvents > 0 && m.eventsSinceQuote < m.cfg.RefreshEveryNEvents {
		return nil
	}
	m.eventsSinceQuote = 0

	if ctx.BestBid == nil || ctx.BestAsk == nil {
		return nil
	}
	bestBid, _ := ctx.BestBid.Float64()
	bestAsk, _ := ctx.BestAsk.Float64()
	if bestAsk <= bestBid {
		return nil
	}
	mid := (bestBid + bestAsk) / 2.0

	bidPx, askPx, size := m.computeQuotes(mid, ctx.Seq)
	if size <= 0 {
		return nil
	}
	sizeDec := decimal.NewFromFloat(size).Round(2)

	liveBid, liveAsk := m.findLiveQuotes(ctx.OpenOrders)

	var intents []OrderIntent
	if liveBid != nil {
		cur, _ := decimal.NewFromString(liveBid.LimitPrice)
		curF, _ := cur.Float64()
		if !withinTolerance(curF, bidPx, m.cfg.TickSize) {
			intents = append(intents, OrderIntent{Action: "cancel", OrderID: liveBid.OrderID, Reason: "requote"})
			intents = append(intents, m.submitIntent(types.BUY, bidPx, sizeDec))
		}
	} else {
		intents = append(intents, m.submitIntent(types.BUY, bidPx, sizeDec))
	}

	if liveAsk != nil {
		cur, _ := decimal.NewFromString(liveAsk.LimitPrice)
		curF, _ := cur.Float64()
		if !withinTolerance(curF, askPx, m.cfg.TickSize) {
			intents = append(intents, OrderIntent{Action: "cancel", OrderID: liveAsk.OrderID, Reason: "requote"})
			intents = append(intents, m.submitIntent(types.SELL, askPx, sizeDec))
		}
	} else {
		intents = append(intents, m.submitIntent(types.SELL, askPx, sizeDec))
	}

	return intents
}

func (m *Maker) submitIntent(side types.Side, price float64, size decimal.Decimal) OrderIntent {
	return OrderIntent{
		Action:     "submit",
		AssetID:    m.primaryAssetID,
		Side:       side,
		LimitPrice: decimal.NewFromFloat(price).Round(4),
		Size:       size,
		Reason:     "quote",
	}
}

func (m *Maker) findLiveQuotes(open map[string]types.OpenOrderView) (bid, ask *types.OpenOrderView) {
	for _, ov := range open {
		if ov.AssetID != m.primaryAssetID {
			continue
		}
		switch ov.Side {
		case string(types.BUY):
			if bid == nil {
				v := ov
				bid = &v
			}
		case string(types.SELL):
			if ask == nil {
				v := ov
				ask = &v
			}
		}
	}
	return bid, ask
}

// computeQuotes derives bid/ask/size from the Avellaneda-Stoikov
// reservation-price and optimal-spread formulas, adjusted for
// inventory skew and flow toxicity, then clamped and rounded to tick.
func (m *Maker) computeQuotes(mid float64, seq int64) (bidPx, askPx, size float64) {
	q := clamp(m.netShares/m.cfg.MaxPositionShares, -1, 1)

	toxicMult := 1.0
	if m.flow != nil {
		toxicMult = m.flow.GetSpreadMultiplier(seq)
	}

	gamma, sigma, T, k := m.cfg.Gamma, m.cfg.Sigma, m.cfg.TimeHorizon, m.cfg.LiquidityK

	reservation := mid - q*gamma*sigma*sigma*T
	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)
	optSpread *= toxicMult
	if optSpread < m.cfg.MinSpread {
		optSpread = m.cfg.MinSpread
	}

	tick := m.cfg.TickSize
	rawBid := clamp(reservation-optSpread/2.0, tick, 1-tick)
	rawAsk := clamp(reservation+optSpread/2.0, tick, 1-tick)

	bidPx = roundDownToTick(rawBid, tick)
	askPx = roundUpToTick(rawAsk, tick)
	if askPx <= bidPx {
		askPx = bidPx + tick
	}

	sizeFactor := 1.0 - 0.5*math.Abs(q)
	base, _ := m.cfg.BaseSize.Float64()
	size = base * sizeFactor
	if size < 0 {
		size = 0
	}
	return bidPx, askPx, size
}

func (m *Maker) OnFill(fill FillContext) {
	if fill.AssetID != m.primaryAssetID {
		return
	}
	size, _ := fill.FillSize.Float64()
	price, _ := fill.FillPrice.Float64()
	signed := size
	if fill.Side == types.SELL {
		signed = -size
	}

	sameDirection := m.netShares == 0 || (m.netShares > 0) == (signed > 0)
	if sameDirection {
		totalCost := m.avgEntry*math.Abs(m.netShares) + price*math.Abs(signed)
		m.netShares += signed
		if m.netShares != 0 {
			m.avgEntry = totalCost / math.Abs(m.netShares)
		}
	} else {
		newNet := m.netShares + signed
		if (m.netShares > 0 && newNet < 0) || (m.netShares < 0 && newNet > 0) {
			m.avgEntry = price
		}
		m.netShares = newNet
	}

	if m.flow != nil {
		m.flow.AddFill(fill.Seq, fill.Side)
	}
}

func (m *Maker) OnFinish() {}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDownToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Floor(v/tick+1e-9) * tick
}

func roundUpToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Ceil(v/tick-1e-9) * tick
}

func withinTolerance(cur, target, tick float64) bool {
	return math.Abs(cur-target) <= tick+1e-9
}
