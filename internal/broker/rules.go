// Package broker implements the simulated order broker described in
// SPEC_FULL.md §4.E–§4.G: the latency model, the walk-the-book fill
// engine, and the stateful SimBroker that drives orders through their
// lifecycle one tape event at a time.
//
// Ported from broker/rules.py, broker/latency.py, broker/fill_engine.py,
// and broker/sim_broker.py.
package broker

import (
	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// Order and FillRecord live in pkg/types so the book, portfolio, and
// strategy packages can reference them without importing broker.
type Order = types.Order
type FillRecord = types.FillRecord
type Side = types.Side

const (
	BUY  = types.BUY
	SELL = types.SELL
)

const (
	StatusPending   = types.StatusPending
	StatusActive    = types.StatusActive
	StatusPartial   = types.StatusPartial
	StatusFilled    = types.StatusFilled
	StatusCancelled = types.StatusCancelled
	StatusRejected  = types.StatusRejected
)

var zero = decimal.Zero
