// Package ondemand implements the interactive tape-playback session used
// by SimTrader Studio: a cursor-stepped replay that accepts manual order
// submission at the current tape position and exposes a live portfolio
// snapshot on every state read.
//
// Ported from studio/ondemand.py. A PortfolioLedger is re-instantiated on
// every GetState call to compute the live snapshot — O(events) per call,
// acceptable for an interactive session driven by a human operator rather
// than a tight replay loop.
package ondemand

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"simtrader/internal/artifacts"
	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/portfolio"
	"simtrader/internal/tape"
	"simtrader/pkg/types"
)

// UserAction is one entry in the session's wall-clock action log,
// written to user_actions.jsonl.
type UserAction struct {
	TsWall string         `json:"ts_wall"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// BBO is one asset's best-bid/best-ask snapshot.
type BBO struct {
	BestBid *string `json:"best_bid"`
	BestAsk *string `json:"best_ask"`
}

// DepthLevel is one price/size pair in a depth snapshot.
type DepthLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Depth is the top-of-book depth snapshot for one asset.
type Depth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// State is the full session snapshot returned by Step, SubmitOrder,
// CancelOrder, and GetState.
type State struct {
	SessionID         string                `json:"session_id"`
	Cursor            int                   `json:"cursor"`
	TotalEvents       int                   `json:"total_events"`
	Done              bool                  `json:"done"`
	Seq               *int64                `json:"seq"`
	TsRecv            *float64              `json:"ts_recv"`
	BBO               map[string]BBO        `json:"bbo"`
	Depth             map[string]Depth      `json:"depth"`
	LastTradePrice    *float64              `json:"last_trade_price"`
	OpenOrders        []types.OpenOrderView `json:"open_orders"`
	PortfolioSnapshot portfolio.Summary     `json:"portfolio_snapshot"`
}

// Session is a deterministic tape-playback session with manual order
// submission. Not safe for concurrent use; callers serialize access to
// a session themselves.
type Session struct {
	sessionID string
	startedAt string
	tapePath  string

	events   []types.Event
	assetIDs []string
	books    map[string]*book.Book

	br *broker.Broker

	startingCash decimal.Decimal
	feeBps       *decimal.Decimal
	markMethod   portfolio.MarkMethod

	cursor         int
	lastTradePrice *float64
	timeline       []types.TimelineRow
	userActions    []UserAction
}

// NewSession loads tapeDir/events.jsonl and constructs a fresh session
// positioned at the start of the tape, with a zero-latency broker so
// manually submitted orders are eligible for fills on the very next Step.
func NewSession(tapeDir string, startingCash decimal.Decimal, feeBps *decimal.Decimal, markMethod portfolio.MarkMethod) (*Session, error) {
	result, err := tape.LoadEvents(filepath.Join(tapeDir, "events.jsonl"), nil)
	if err != nil {
		return nil, fmt.Errorf("ondemand: load tape: %w", err)
	}

	assetIDs := detectAssetIDs(result.Events)
	books := make(map[string]*book.Book, len(assetIDs))
	for _, aid := range assetIDs {
		books[aid] = book.New(aid, false)
	}

	if markMethod == "" {
		markMethod = portfolio.MarkBid
	}

	return &Session{
		sessionID:    uuid.New().String()[:12],
		startedAt:    nowISO(),
		tapePath:     tapeDir,
		events:       result.Events,
		assetIDs:     assetIDs,
		books:        books,
		br:           broker.New(broker.ZeroLatency),
		startingCash: startingCash,
		feeBps:       feeBps,
		markMethod:   markMethod,
	}, nil
}

// SessionID returns the session identifier: the first 12 characters of a
// random UUID string (eight hex digits, a hyphen, three hex digits).
func (s *Session) SessionID() string {
	return s.sessionID
}

// detectAssetIDs walks the tape once collecting every asset_id seen,
// either at an event's top level or nested in a batched price_changes[]
// array, preserving first-seen order.
func detectAssetIDs(events []types.Event) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(aid string) {
		if aid != "" && !seen[aid] {
			seen[aid] = true
			ids = append(ids, aid)
		}
	}
	for _, evt := range events {
		add(evt.AssetID())
		for _, entry := range asAnySlice(evt["price_changes"]) {
			if m, ok := entry.(map[string]any); ok {
				if aid, ok := m["asset_id"].(string); ok {
					add(aid)
				}
			}
		}
	}
	return ids
}

func asAnySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// primaryBook returns the book for the first (primary) asset, or nil if
// the tape carried no recognizable asset IDs.
func (s *Session) primaryBook() *book.Book {
	if len(s.assetIDs) == 0 {
		return nil
	}
	return s.books[s.assetIDs[0]]
}

// currentSeqTs returns the (seq, ts_recv) of the most recently processed
// event, or (0, 0) before the cursor has advanced.
func (s *Session) currentSeqTs() (int64, float64) {
	if s.cursor > 0 {
		evt := s.events[s.cursor-1]
		return evt.Seq(), evt.TsRecv()
	}
	return 0, 0.0
}

// Step advances the tape cursor by n events (or until the tape ends),
// applying book updates and broker steps for each one, and returns the
// resulting state.
func (s *Session) Step(n int) State {
	end := s.cursor + n
	if end > len(s.events) {
		end = len(s.events)
	}
	primary := s.primaryBook()

	for i := s.cursor; i < end; i++ {
		evt := s.events[i]
		eventType := evt.EventType()

		if types.BookAffecting(eventType) {
			if aid := evt.AssetID(); aid != "" {
				if b, ok := s.books[aid]; ok {
					b.Apply(evt)
				}
			}
		}
		for _, entry := range asAnySlice(evt["price_changes"]) {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			aid, _ := m["asset_id"].(string)
			b, ok := s.books[aid]
			if !ok {
				continue
			}
			side, _ := m["side"].(string)
			price, _ := m["price"].(string)
			size, _ := m["size"].(string)
			b.ApplySingleDelta(types.PriceChange{AssetID: aid, Side: side, Price: price, Size: size})
		}

		s.br.Step(evt, primary, "")

		if eventType == types.EventLastTradePrice {
			if ltp, ok := parseFloat(evt["price"]); ok {
				s.lastTradePrice = &ltp
			}
		}

		if types.BookAffecting(eventType) {
			s.timeline = append(s.timeline, types.TimelineRow{
				Seq:     evt.Seq(),
				TsRecv:  evt.TsRecv(),
				BestBid: decimalStringPtr(bestBidOf(primary)),
				BestAsk: decimalStringPtr(bestAskOf(primary)),
			})
		}
	}

	s.cursor = end
	return s.GetState()
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

func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := decimal.NewFromString(t)
		if err != nil {
			return 0, false
		}
		out, _ := f.Float64()
		return out, true
	default:
		return 0, false
	}
}

// ErrInvalidLimitPrice is returned when a submitted limit price falls
// outside (0, 1] — the valid range for a binary prediction-market price.
var ErrInvalidLimitPrice = fmt.Errorf("ondemand: limit price must be in (0, 1]")

// ErrInvalidSize is returned when a submitted order size is not positive.
var ErrInvalidSize = fmt.Errorf("ondemand: size must be positive")

// SubmitOrder submits a limit order at the session's current tape
// position. With the zero-latency broker the order is eligible for
// fills on the very next Step.
func (s *Session) SubmitOrder(assetID string, side types.Side, limitPrice, size decimal.Decimal) (string, State, error) {
	if limitPrice.LessThanOrEqual(decimal.Zero) || limitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return "", State{}, ErrInvalidLimitPrice
	}
	if !size.IsPositive() {
		return "", State{}, ErrInvalidSize
	}

	seq, ts := s.currentSeqTs()
	orderID := s.br.SubmitOrder(assetID, side, limitPrice, size, seq, ts, "")

	s.userActions = append(s.userActions, UserAction{
		TsWall: nowISO(),
		Action: "submit_order",
		Params: map[string]any{
			"asset_id":    assetID,
			"side":        string(side),
			"limit_price": limitPrice.String(),
			"size":        size.String(),
			"order_id":    orderID,
		},
	})
	return orderID, s.GetState(), nil
}

// CancelOrder cancels an open order. Returns broker.ErrOrderNotFound or
// broker.ErrOrderTerminal unchanged on failure.
func (s *Session) CancelOrder(orderID string) (State, error) {
	seq, ts := s.currentSeqTs()
	if err := s.br.CancelOrder(orderID, seq, ts); err != nil {
		return State{}, err
	}
	s.userActions = append(s.userActions, UserAction{
		TsWall: nowISO(),
		Action: "cancel_order",
		Params: map[string]any{"order_id": orderID},
	})
	return s.GetState(), nil
}

// GetState returns a complete snapshot of the current session state,
// including a freshly computed portfolio snapshot.
func (s *Session) GetState() State {
	var curSeq *int64
	var curTs *float64
	if s.cursor > 0 {
		evt := s.events[s.cursor-1]
		seq := evt.Seq()
		ts := evt.TsRecv()
		curSeq, curTs = &seq, &ts
	}

	bbo := make(map[string]BBO, len(s.assetIDs))
	depth := make(map[string]Depth, len(s.assetIDs))
	for _, aid := range s.assetIDs {
		b := s.books[aid]
		bbo[aid] = BBO{
			BestBid: decimalStringPtr(b.BestBid()),
			BestAsk: decimalStringPtr(b.BestAsk()),
		}
		depth[aid] = Depth{
			Bids: levelsToDepth(b.TopBids(5)),
			Asks: levelsToDepth(b.TopAsks(5)),
		}
	}

	var openOrders []types.OpenOrderView
	for _, o := range s.br.Orders() {
		if types.IsTerminal(o.Status) {
			continue
		}
		openOrders = append(openOrders, types.OpenOrderView{
			OrderID:    o.OrderID,
			Side:       string(o.Side),
			AssetID:    o.AssetID,
			LimitPrice: o.LimitPrice.String(),
			Size:       o.Size.String(),
			Status:     string(o.Status),
			FilledSize: o.FilledSize.String(),
		})
	}

	return State{
		SessionID:         s.sessionID,
		Cursor:            s.cursor,
		TotalEvents:       len(s.events),
		Done:              s.cursor >= len(s.events),
		Seq:               curSeq,
		TsRecv:            curTs,
		BBO:               bbo,
		Depth:             depth,
		LastTradePrice:    s.lastTradePrice,
		OpenOrders:        openOrders,
		PortfolioSnapshot: s.portfolioSnapshot(),
	}
}

func levelsToDepth(levels []book.Level) []DepthLevel {
	out := make([]DepthLevel, len(levels))
	for i, lvl := range levels {
		out[i] = DepthLevel{Price: lvl.Price.String(), Size: lvl.Size.String()}
	}
	return out
}

// portfolioSnapshot replays the broker's lifecycle log through a fresh
// ledger to produce a live cash/PnL/equity view.
func (s *Session) portfolioSnapshot() portfolio.Summary {
	ledger := portfolio.New(portfolio.Config{
		StartingCash: s.startingCash,
		FeeBps:       s.feeBps,
		MarkMethod:   s.markMethod,
	})
	ledger.Process(s.br.OrderEvents(), s.timeline)

	finalBid := decimalStringPtr(bestBidOf(s.primaryBook()))
	finalAsk := decimalStringPtr(bestAskOf(s.primaryBook()))
	return ledger.Summary("live", finalBid, finalAsk)
}

// SaveArtifacts writes the session's 6 artifact files into sessionDir:
// user_actions.jsonl, orders.jsonl, fills.jsonl, ledger.jsonl,
// equity_curve.jsonl, and run_manifest.json.
func (s *Session) SaveArtifacts(sessionDir string) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("ondemand: create session dir: %w", err)
	}

	if err := writeJSONLRows(filepath.Join(sessionDir, "user_actions.jsonl"), len(s.userActions), func(i int) any {
		return s.userActions[i]
	}); err != nil {
		return err
	}

	orderEvents := s.br.OrderEvents()
	if err := writeJSONLRows(filepath.Join(sessionDir, "orders.jsonl"), len(orderEvents), func(i int) any {
		return orderEventDict(orderEvents[i])
	}); err != nil {
		return err
	}

	fills := s.br.Fills()
	if err := writeJSONLRows(filepath.Join(sessionDir, "fills.jsonl"), len(fills), func(i int) any {
		return fills[i].ToDict()
	}); err != nil {
		return err
	}

	ledger := portfolio.New(portfolio.Config{
		StartingCash: s.startingCash,
		FeeBps:       s.feeBps,
		MarkMethod:   s.markMethod,
	})
	ledgerRows, err := ledger.Process(orderEvents, s.timeline)
	if err != nil {
		return fmt.Errorf("ondemand: replay ledger for artifacts: %w", err)
	}

	if err := writeJSONLRows(filepath.Join(sessionDir, "ledger.jsonl"), len(ledgerRows), func(i int) any {
		return ledgerRows[i].ToDict()
	}); err != nil {
		return err
	}
	if err := writeJSONLRows(filepath.Join(sessionDir, "equity_curve.jsonl"), len(ledgerRows), func(i int) any {
		row := ledgerRows[i]
		return map[string]any{
			"seq":     row.Seq,
			"ts_recv": row.TsRecv,
			"equity":  row.Equity.String(),
		}
	}); err != nil {
		return err
	}

	finalBid := decimalStringPtr(bestBidOf(s.primaryBook()))
	finalAsk := decimalStringPtr(bestAskOf(s.primaryBook()))
	summary := ledger.Summary(s.sessionID, finalBid, finalAsk)

	manifest := map[string]any{
		"session_id":   s.sessionID,
		"tape_path":    s.tapePath,
		"started_at":   s.startedAt,
		"ended_at":     nowISO(),
		"total_events": len(s.events),
		"cursor":       s.cursor,
		"summary":      summary,
	}
	return artifacts.WriteJSONAtomic(filepath.Join(sessionDir, "run_manifest.json"), manifest)
}

func writeJSONLRows(path string, n int, at func(i int) any) error {
	w, err := artifacts.NewJSONLWriter(path)
	if err != nil {
		return fmt.Errorf("ondemand: open %s: %w", path, err)
	}
	defer w.Close()
	for i := 0; i < n; i++ {
		if err := w.Write(at(i)); err != nil {
			return fmt.Errorf("ondemand: write %s: %w", path, err)
		}
	}
	return nil
}

func orderEventDict(oe broker.OrderEvent) map[string]any {
	d := make(map[string]any, len(oe.Extra)+4)
	for k, v := range oe.Extra {
		d[k] = v
	}
	d["event"] = oe.Event
	d["order_id"] = oe.OrderID
	d["seq"] = oe.Seq
	d["ts_recv"] = oe.TsRecv
	return d
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
