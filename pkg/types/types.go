// Package types holds the vocabulary shared across every SimTrader
// component: the normalized event envelope, order/fill records, and the
// strategy-facing intent type. Keeping these in one leaf package avoids
// import cycles between book, broker, portfolio, strategy, and runner.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book an order or fill belongs to.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the order lifecycle state (§4.G).
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusActive    OrderStatus = "active"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether status is a terminal order state.
func IsTerminal(status OrderStatus) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Event types recognized in the normalized tape (§4.A, tape/schema.py).
const (
	EventBook            = "book"
	EventPriceChange     = "price_change"
	EventLastTradePrice  = "last_trade_price"
	EventTickSizeChange  = "tick_size_change"
	ParserVersion    int = 1
)

// KnownEventTypes is the set of event_type values the normalizer accepts;
// anything outside this set is dropped silently per §4.A.
var KnownEventTypes = map[string]bool{
	EventBook:           true,
	EventPriceChange:    true,
	EventLastTradePrice: true,
	EventTickSizeChange: true,
}

// BookAffecting reports whether an event_type mutates the L2 book.
func BookAffecting(eventType string) bool {
	return eventType == EventBook || eventType == EventPriceChange
}

// Event is one line of a normalized tape: the envelope fields
// (parser_version, seq, ts_recv, event_type) merged with whatever
// original fields the source WS frame carried (bids/asks, changes,
// price_changes, price, ...). A map mirrors the source's dict-based
// event shape, which varies by event_type and must tolerate unknown
// extra fields without a type explosion per event variant.
type Event map[string]any

// NewEnvelope builds a normalized event: the schema envelope merged
// over the original frame fields. Where a key exists in both, the
// envelope value (parser_version, seq, ts_recv) overwrites the original
// one, since the envelope fields are authoritative.
func NewEnvelope(seq int64, tsRecv float64, original map[string]any) Event {
	e := make(Event, len(original)+4)
	for k, v := range original {
		e[k] = v
	}
	e["parser_version"] = ParserVersion
	e["seq"] = seq
	e["ts_recv"] = tsRecv
	return e
}

// Seq returns the event's monotonic sequence number.
func (e Event) Seq() int64 {
	switch v := e["seq"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// TsRecv returns the wall-clock receipt timestamp, in seconds.
func (e Event) TsRecv() float64 {
	switch v := e["ts_recv"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// EventType returns the event's type discriminator, supporting the
// "type" alias some WS frames use instead of "event_type".
func (e Event) EventType() string {
	if v, ok := e["event_type"].(string); ok && v != "" {
		return v
	}
	if v, ok := e["type"].(string); ok {
		return v
	}
	return ""
}

// AssetID returns the event's top-level asset_id, empty for batched
// events that carry per-entry asset IDs instead.
func (e Event) AssetID() string {
	if v, ok := e["asset_id"].(string); ok {
		return v
	}
	return ""
}

// Level is one book level: a price string key paired with a decimal
// size. UnmarshalJSON accepts the standard {"price","size"} shape, the
// compact {"p","s"} shape, and the [price, size] list shape — all three
// appear in retrieved snapshot payloads (§5 of SPEC_FULL.md).
type Level struct {
	Price string
	Size  decimal.Decimal
}

// UnmarshalJSON implements the tolerant level parsing described above.
func (l *Level) UnmarshalJSON(data []byte) error {
	var asList []json.RawMessage
	if err := json.Unmarshal(data, &asList); err == nil && len(asList) >= 2 {
		var price string
		if err := json.Unmarshal(asList[0], &price); err != nil {
			var n json.Number
			if err := json.Unmarshal(asList[0], &n); err != nil {
				return fmt.Errorf("level price: %w", err)
			}
			price = n.String()
		}
		size, err := parseDecimalField(asList[1])
		if err != nil {
			return err
		}
		l.Price = price
		l.Size = size
		return nil
	}

	var asDict struct {
		Price json.RawMessage `json:"price"`
		P     json.RawMessage `json:"p"`
		Size  json.RawMessage `json:"size"`
		S     json.RawMessage `json:"s"`
	}
	if err := json.Unmarshal(data, &asDict); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	priceRaw := asDict.Price
	if priceRaw == nil {
		priceRaw = asDict.P
	}
	sizeRaw := asDict.Size
	if sizeRaw == nil {
		sizeRaw = asDict.S
	}
	var price string
	if priceRaw != nil {
		if err := json.Unmarshal(priceRaw, &price); err != nil {
			var n json.Number
			if err := json.Unmarshal(priceRaw, &n); err != nil {
				return fmt.Errorf("level price: %w", err)
			}
			price = n.String()
		}
	}
	l.Price = price
	if sizeRaw != nil {
		size, err := parseDecimalField(sizeRaw)
		if err != nil {
			return err
		}
		l.Size = size
	}
	return nil
}

func parseDecimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, fmt.Errorf("level size: %w", err)
	}
	return decimal.NewFromString(n.String())
}

// PriceChange is one delta entry, used both in legacy `changes[]` and
// modern `price_changes[]` arrays. AssetID is empty in the legacy form
// (the parent event carries it at the top level).
type PriceChange struct {
	AssetID string `json:"asset_id,omitempty"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
}

// Order is a single simulated order tracked by the broker (§3 Order).
type Order struct {
	OrderID            string
	AssetID            string
	Side               Side
	LimitPrice         decimal.Decimal
	Size               decimal.Decimal
	SubmitSeq          int64
	EffectiveSeq       int64
	CancelEffectiveSeq *int64
	Status             OrderStatus
	FilledSize         decimal.Decimal
}

// Remaining returns the size still to be filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// IsActive reports whether the order can currently receive fills.
func (o *Order) IsActive() bool {
	return o.Status == StatusActive || o.Status == StatusPartial
}

// FillRecord is the result of one fill evaluation against the book
// (§3 FillRecord, broker/rules.py).
type FillRecord struct {
	OrderID      string
	AssetID      string
	Seq          int64
	TsRecv       float64
	Side         Side
	FillPrice    decimal.Decimal
	FillSize     decimal.Decimal
	Remaining    decimal.Decimal
	FillStatus   string // "full" | "partial" | "rejected"
	RejectReason string
	Because      map[string]any
}

// ToDict returns a JSON-safe representation with decimals as strings,
// matching FillRecord.to_dict() in the source.
func (f FillRecord) ToDict() map[string]any {
	d := map[string]any{
		"order_id":    f.OrderID,
		"asset_id":    f.AssetID,
		"seq":         f.Seq,
		"ts_recv":     f.TsRecv,
		"side":        string(f.Side),
		"fill_price":  f.FillPrice.String(),
		"fill_size":   f.FillSize.String(),
		"remaining":   f.Remaining.String(),
		"fill_status": f.FillStatus,
		"because":     f.Because,
	}
	if f.RejectReason != "" {
		d["reject_reason"] = f.RejectReason
	} else {
		d["reject_reason"] = nil
	}
	return d
}

// OrderIntent is the tagged variant a strategy returns from OnEvent
// (§4.I): either a submit or a cancel request.
type OrderIntent struct {
	Action     string // "submit" | "cancel"
	AssetID    string
	Side       Side
	LimitPrice decimal.Decimal
	Size       decimal.Decimal
	OrderID    string
	Reason     string
	Meta       map[string]any
}

// TimelineRow is one primary-asset BBO snapshot (§3 Timeline row).
type TimelineRow struct {
	Seq       int64   `json:"seq"`
	TsRecv    float64 `json:"ts_recv"`
	AssetID   string  `json:"asset_id"`
	EventType string  `json:"event_type"`
	BestBid   *string `json:"best_bid"`
	BestAsk   *string `json:"best_ask"`
}

// OpenOrderView is the snapshot of one non-terminal order handed to
// strategies and to on-demand session state (§4.I on_event, §4.L
// get_state). Fields are string-serialized to keep the strategy
// boundary decimal-free, matching the source's dict literal.
type OpenOrderView struct {
	OrderID    string `json:"order_id"`
	Side       string `json:"side"`
	AssetID    string `json:"asset_id"`
	LimitPrice string `json:"limit_price"`
	Size       string `json:"size"`
	Status     string `json:"status"`
	FilledSize string `json:"filled_size"`
}
