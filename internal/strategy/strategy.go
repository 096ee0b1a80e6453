// Package strategy defines the pluggable strategy capability set driven
// by both the replay runner and the shadow runner (SPEC_FULL.md §4.I).
package strategy

import (
	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// OrderIntent is re-exported from pkg/types so strategy implementations
// don't need a separate import for the tagged submit/cancel variant.
type OrderIntent = types.OrderIntent

// EventContext is what on_event receives: the normalized event plus the
// primary asset's current BBO and a snapshot of non-terminal orders.
type EventContext struct {
	Event      types.Event
	Seq        int64
	TsRecv     float64
	BestBid    *decimal.Decimal
	BestAsk    *decimal.Decimal
	OpenOrders map[string]types.OpenOrderView
}

// FillContext is what on_fill receives for every fill with non-zero size.
type FillContext struct {
	OrderID    string
	AssetID    string
	Side       types.Side
	FillPrice  decimal.Decimal
	FillSize   decimal.Decimal
	FillStatus string
	Seq        int64
	TsRecv     float64
}

// Strategy is the interface every SimTrader strategy implements. A
// strategy must be pure with respect to external state: given the same
// tape and the same config, every call must produce byte-identical
// output (§4.I determinism requirement).
type Strategy interface {
	// OnStart is called once, before the event loop, with the primary
	// asset and the starting cash balance.
	OnStart(primaryAssetID string, startingCash decimal.Decimal)

	// OnEvent is called once per normalized event, after books have been
	// updated for that event. It returns the intents to execute, in order.
	OnEvent(ctx EventContext) []OrderIntent

	// OnFill is called once per fill with non-zero fill size.
	OnFill(fill FillContext)

	// OnFinish is called once, after the last event in the run.
	OnFinish()
}

// Diagnostics is an optional extension a Strategy may also implement to
// have the runner harvest diagnostic rows at the end of a run (§4.I).
type Diagnostics interface {
	// Opportunities returns diagnostic rows written to opportunities.jsonl.
	Opportunities() []map[string]any
	// ModeledArbSummary returns a summary dict embedded in the run manifest.
	ModeledArbSummary() map[string]any
	// RejectionCounts returns per-reason intent-rejection counters.
	RejectionCounts() map[string]int
}
