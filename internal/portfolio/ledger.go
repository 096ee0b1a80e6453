// Package portfolio implements the FIFO-lot cash ledger described in
// SPEC_FULL.md §4.H: it consumes the broker's order lifecycle log and the
// primary-asset timeline, realizes PnL on fills via FIFO lot matching, and
// marks open positions to market between fills.
//
// Ported from the FIFO matching in pnl.py's FifoInventory, generalized
// from that file's cross-bucket analytics down to the single-run ledger
// the simulator needs: one cash balance, one lot book per asset, replayed
// event-by-event instead of bucketed by wall-clock time.
package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"

	"simtrader/internal/broker"
	"simtrader/pkg/types"
)

// MarkMethod selects how open positions are valued between fills.
type MarkMethod string

const (
	// MarkBid values long positions at best_bid and shorts at best_ask —
	// the conservative default.
	MarkBid MarkMethod = "bid"
	// MarkMidpoint values every position at (best_bid+best_ask)/2.
	MarkMidpoint MarkMethod = "midpoint"
)

// DefaultFeeBps is the flat taker fee applied to every fill's notional
// when Config.FeeBps is nil.
const DefaultFeeBps = 200

// Config controls ledger behavior.
type Config struct {
	StartingCash decimal.Decimal
	FeeBps       *decimal.Decimal // nil means DefaultFeeBps; pass a pointer to a zero decimal for a fee-free run
	MarkMethod   MarkMethod       // "" means MarkBid
}

// lot is one FIFO inventory lot. Positive Shares is long, negative short.
type lot struct {
	Shares decimal.Decimal
	Price  decimal.Decimal
}

// LedgerEvent is a ledger snapshot computed after one broker lifecycle
// event (§3 Ledger event).
type LedgerEvent struct {
	Event       string
	OrderID     string
	Seq         int64
	TsRecv      float64
	Cash        decimal.Decimal
	RealizedPnL decimal.Decimal
	Positions   map[string]decimal.Decimal
	MarkValue   decimal.Decimal
	Equity      decimal.Decimal
	FeesTotal   decimal.Decimal
}

// ToDict renders a LedgerEvent for JSONL artifact output, decimals as
// strings per the shared serialization convention.
func (le LedgerEvent) ToDict() map[string]any {
	positions := make(map[string]string, len(le.Positions))
	for asset, shares := range le.Positions {
		positions[asset] = shares.String()
	}
	d := map[string]any{
		"event":        le.Event,
		"seq":          le.Seq,
		"ts_recv":      le.TsRecv,
		"cash":         le.Cash.String(),
		"realized_pnl": le.RealizedPnL.String(),
		"positions":    positions,
		"mark_value":   le.MarkValue.String(),
		"equity":       le.Equity.String(),
		"fees_total":   le.FeesTotal.String(),
	}
	if le.OrderID != "" {
		d["order_id"] = le.OrderID
	}
	return d
}

// Summary is the run-level PnL rollup returned by Ledger.Summary.
type Summary struct {
	RunID          string
	StartingCash   decimal.Decimal
	FinalCash      decimal.Decimal
	FinalEquity    decimal.Decimal
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	TotalFees      decimal.Decimal
	NetProfit      decimal.Decimal
	MarkMethod     MarkMethod
	PricingSource  string
}

// Ledger is the FIFO-lot cash ledger for one replay or shadow run.
//
// Not safe for concurrent use; owned exclusively by the run that drives
// it one lifecycle event at a time.
type Ledger struct {
	cfg Config

	feeBps      decimal.Decimal
	cash        decimal.Decimal
	lots        map[string][]lot
	realizedPnL decimal.Decimal
	feesTotal   decimal.Decimal

	timeline    []types.TimelineRow
	cursor      int
	lastByAsset map[string]types.TimelineRow

	events []LedgerEvent
}

// New creates a ledger with the given starting cash and config. A nil
// cfg.FeeBps and an empty cfg.MarkMethod fall back to the documented
// defaults (200bps flat fee, bid-side conservative marking).
func New(cfg Config) *Ledger {
	feeBps := decimal.NewFromInt(DefaultFeeBps)
	if cfg.FeeBps != nil {
		feeBps = *cfg.FeeBps
	}
	if cfg.MarkMethod == "" {
		cfg.MarkMethod = MarkBid
	}
	return &Ledger{
		cfg:         cfg,
		feeBps:      feeBps,
		cash:        cfg.StartingCash,
		lots:        make(map[string][]lot),
		lastByAsset: make(map[string]types.TimelineRow),
	}
}

// Process walks the broker's lifecycle log and the primary-asset
// timeline, producing one LedgerEvent per lifecycle entry plus the
// guaranteed `initial`/`final` rows. orderEvents must already be in
// chronological (seq) order, which Broker.OrderEvents guarantees.
func (l *Ledger) Process(orderEvents []broker.OrderEvent, timeline []types.TimelineRow) ([]LedgerEvent, error) {
	l.timeline = timeline

	startSeq, startTs := int64(0), 0.0
	if len(orderEvents) > 0 {
		startSeq, startTs = orderEvents[0].Seq, orderEvents[0].TsRecv
	} else if len(timeline) > 0 {
		startSeq, startTs = timeline[0].Seq, timeline[0].TsRecv
	}
	l.emit("initial", "", startSeq, startTs)

	for _, oe := range orderEvents {
		l.advanceTimeline(oe.Seq)

		if oe.Event == "fill" {
			if err := l.applyFill(oe); err != nil {
				return nil, err
			}
		}
		l.emit(oe.Event, oe.OrderID, oe.Seq, oe.TsRecv)
	}

	finalSeq, finalTs := startSeq, startTs
	if len(orderEvents) > 0 {
		last := orderEvents[len(orderEvents)-1]
		finalSeq, finalTs = last.Seq, last.TsRecv
	} else if len(timeline) > 0 {
		last := timeline[len(timeline)-1]
		finalSeq, finalTs = last.Seq, last.TsRecv
		l.advanceTimeline(finalSeq)
	}
	l.emit("final", "", finalSeq, finalTs)

	return l.events, nil
}

func (l *Ledger) applyFill(oe broker.OrderEvent) error {
	assetID, _ := oe.Extra["asset_id"].(string)
	sideStr, _ := oe.Extra["side"].(string)
	priceStr, _ := oe.Extra["fill_price"].(string)
	sizeStr, _ := oe.Extra["fill_size"].(string)

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return fmt.Errorf("ledger: fill event missing valid fill_price: %w", err)
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return fmt.Errorf("ledger: fill event missing valid fill_size: %w", err)
	}

	notional := price.Mul(size)
	fee := notional.Mul(l.feeBps).Div(decimal.NewFromInt(10_000))
	l.feesTotal = l.feesTotal.Add(fee)

	var realized decimal.Decimal
	switch types.Side(sideStr) {
	case types.BUY:
		realized = l.applyBuy(assetID, size, price)
		l.cash = l.cash.Sub(notional).Sub(fee)
	case types.SELL:
		realized = l.applySell(assetID, size, price)
		l.cash = l.cash.Add(notional).Sub(fee)
	default:
		return fmt.Errorf("ledger: fill event has unknown side %q", sideStr)
	}
	l.realizedPnL = l.realizedPnL.Add(realized)
	return nil
}

// applyBuy closes short lots first (oldest-first), realizing
// (open_price - buy_price) * closed_size, then opens a new long lot with
// whatever remains.
func (l *Ledger) applyBuy(assetID string, size, price decimal.Decimal) decimal.Decimal {
	lots := l.lots[assetID]
	realized := decimal.Zero
	remaining := size

	for remaining.IsPositive() && len(lots) > 0 && lots[0].Shares.IsNegative() {
		head := &lots[0]
		matchSize := decimal.Min(remaining, head.Shares.Abs())
		realized = realized.Add(head.Price.Sub(price).Mul(matchSize))
		head.Shares = head.Shares.Add(matchSize)
		remaining = remaining.Sub(matchSize)
		if head.Shares.Abs().LessThanOrEqual(decimal.Zero) {
			lots = lots[1:]
		}
	}
	if remaining.IsPositive() {
		lots = append(lots, lot{Shares: remaining, Price: price})
	}
	l.lots[assetID] = lots
	return realized
}

// applySell is the mirror of applyBuy: closes long lots first, realizing
// (sell_price - open_price) * closed_size, then opens a new short lot.
func (l *Ledger) applySell(assetID string, size, price decimal.Decimal) decimal.Decimal {
	lots := l.lots[assetID]
	realized := decimal.Zero
	remaining := size

	for remaining.IsPositive() && len(lots) > 0 && lots[0].Shares.IsPositive() {
		head := &lots[0]
		matchSize := decimal.Min(remaining, head.Shares)
		realized = realized.Add(price.Sub(head.Price).Mul(matchSize))
		head.Shares = head.Shares.Sub(matchSize)
		remaining = remaining.Sub(matchSize)
		if head.Shares.LessThanOrEqual(decimal.Zero) {
			lots = lots[1:]
		}
	}
	if remaining.IsPositive() {
		lots = append(lots, lot{Shares: remaining.Neg(), Price: price})
	}
	l.lots[assetID] = lots
	return realized
}

// advanceTimeline moves the timeline cursor up to upToSeq, remembering
// the most recent row seen per asset for mark-to-market.
func (l *Ledger) advanceTimeline(upToSeq int64) {
	for l.cursor < len(l.timeline) && l.timeline[l.cursor].Seq <= upToSeq {
		row := l.timeline[l.cursor]
		l.lastByAsset[row.AssetID] = row
		l.cursor++
	}
}

// markValue returns the current mark-to-market value of every open
// position, using the most recently seen timeline row per asset.
func (l *Ledger) markValue() decimal.Decimal {
	total := decimal.Zero
	for assetID, lots := range l.lots {
		shares := netShares(lots)
		if shares.IsZero() {
			continue
		}
		row, ok := l.lastByAsset[assetID]
		if !ok {
			continue
		}
		price := l.markPrice(row, shares)
		if price == nil {
			continue
		}
		total = total.Add(shares.Mul(*price))
	}
	return total
}

func (l *Ledger) markPrice(row types.TimelineRow, shares decimal.Decimal) *decimal.Decimal {
	if row.BestBid == nil || row.BestAsk == nil {
		if row.BestBid == nil && row.BestAsk == nil {
			return nil
		}
		if row.BestBid != nil {
			return parsePtr(*row.BestBid)
		}
		return parsePtr(*row.BestAsk)
	}
	bid := parsePtr(*row.BestBid)
	ask := parsePtr(*row.BestAsk)
	if bid == nil || ask == nil {
		return nil
	}
	if l.cfg.MarkMethod == MarkMidpoint {
		mid := bid.Add(*ask).Div(decimal.NewFromInt(2))
		return &mid
	}
	if shares.IsPositive() {
		return bid
	}
	return ask
}

func parsePtr(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func netShares(lots []lot) decimal.Decimal {
	total := decimal.Zero
	for _, lt := range lots {
		total = total.Add(lt.Shares)
	}
	return total
}

func (l *Ledger) positions() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for assetID, lots := range l.lots {
		shares := netShares(lots)
		if !shares.IsZero() {
			out[assetID] = shares
		}
	}
	return out
}

func (l *Ledger) emit(event, orderID string, seq int64, tsRecv float64) {
	markValue := l.markValue()
	l.events = append(l.events, LedgerEvent{
		Event:       event,
		OrderID:     orderID,
		Seq:         seq,
		TsRecv:      tsRecv,
		Cash:        l.cash,
		RealizedPnL: l.realizedPnL,
		Positions:   l.positions(),
		MarkValue:   markValue,
		Equity:      l.cash.Add(markValue),
		FeesTotal:   l.feesTotal,
	})
}

// Summary computes the run-level PnL rollup. finalBid/finalAsk let a
// caller price remaining open positions one last time when the timeline
// didn't cover the run's very last tick (e.g. an on-demand session ended
// mid-event); pass nil to rely solely on the timeline's last-seen marks.
func (l *Ledger) Summary(runID string, finalBid, finalAsk *string) Summary {
	if finalBid != nil || finalAsk != nil {
		for assetID := range l.lots {
			row := l.lastByAsset[assetID]
			row.AssetID = assetID
			if finalBid != nil {
				row.BestBid = finalBid
			}
			if finalAsk != nil {
				row.BestAsk = finalAsk
			}
			l.lastByAsset[assetID] = row
		}
	}

	markValue := l.markValue()
	equity := l.cash.Add(markValue)
	unrealized := markValue

	for _, lots := range l.lots {
		shares := netShares(lots)
		if shares.IsZero() {
			continue
		}
		costBasis := decimal.Zero
		for _, lt := range lots {
			costBasis = costBasis.Add(lt.Shares.Mul(lt.Price))
		}
		unrealized = unrealized.Sub(costBasis)
	}

	netProfit := equity.Sub(l.cfg.StartingCash)

	return Summary{
		RunID:         runID,
		StartingCash:  l.cfg.StartingCash,
		FinalCash:     l.cash,
		FinalEquity:   equity,
		RealizedPnL:   l.realizedPnL,
		UnrealizedPnL: unrealized,
		TotalFees:     l.feesTotal,
		NetProfit:     netProfit,
		MarkMethod:    l.cfg.MarkMethod,
		PricingSource: "timeline_best_bid_ask",
	}
}
