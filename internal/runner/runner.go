// Package runner: replay driver. Run loads a recorded tape once,
// drives it through a Pipeline in seq order, and persists the full
// artifact set to a run directory.
//
// Grounded on shadow/runner.py's orchestration, adapted to the
// single-pass tape instead of a live stream; replay/runner.py itself
// only ever extracts a BBO timeline and has no strategy/broker/ledger.
package runner

import (
	"fmt"
	"path/filepath"

	"github.com/shopspring/decimal"

	"simtrader/internal/artifacts"
	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/portfolio"
	"simtrader/internal/strategy"
	"simtrader/internal/tape"
	"simtrader/pkg/types"
)

// Config bundles the inputs a replay run needs, independent of how the
// caller assembled them (file-based config.Config, or a test harness).
type Config struct {
	RunDir         string
	TapeDir        string
	PrimaryAssetID string
	StartingCash   decimal.Decimal
	FeeBps         *decimal.Decimal
	MarkMethod     portfolio.MarkMethod
	Latency        broker.LatencyConfig

	// OutputFormat selects how best_bid_ask is written: "jsonl" (default)
	// or "csv", matching replay/runner.py's output_format option.
	OutputFormat string
}

// Result is what a completed replay run produces, for callers that want
// the in-memory numbers without re-reading the artifacts off disk.
type Result struct {
	Summary    portfolio.Summary
	RunQuality string
	Warnings   []string
}

// Run executes one full replay: load tape, build books, drive strat
// through every event, run the ledger, and persist artifacts to
// cfg.RunDir.
func Run(cfg Config, strat strategy.Strategy) (Result, error) {
	loaded, err := tape.LoadEvents(filepath.Join(cfg.TapeDir, "events.jsonl"), nil)
	if err != nil {
		return Result{}, fmt.Errorf("runner: load tape: %w", err)
	}

	books := make(map[string]*book.Book)
	for _, evt := range loaded.Events {
		for _, aid := range eventAssetIDs(evt) {
			if _, ok := books[aid]; !ok {
				books[aid] = book.New(aid, false)
			}
		}
	}
	if _, ok := books[cfg.PrimaryAssetID]; !ok {
		books[cfg.PrimaryAssetID] = book.New(cfg.PrimaryAssetID, false)
	}

	br := broker.New(cfg.Latency)
	p := NewPipeline(strat, books, br, cfg.PrimaryAssetID, nil)

	strat.OnStart(cfg.PrimaryAssetID, cfg.StartingCash)

	var bookWarnings []string
	for _, evt := range loaded.Events {
		if w := p.ProcessEvent(evt); w != "" {
			bookWarnings = append(bookWarnings, w)
		}
	}

	strat.OnFinish()

	ledger := portfolio.New(portfolio.Config{
		StartingCash: cfg.StartingCash,
		FeeBps:       cfg.FeeBps,
		MarkMethod:   cfg.MarkMethod,
	})
	ledgerRows, err := ledger.Process(br.OrderEvents(), p.Timeline)
	if err != nil {
		return Result{}, fmt.Errorf("runner: ledger process: %w", err)
	}

	primary := books[cfg.PrimaryAssetID]
	finalBid := decimalStringPtr(bestBidOf(primary))
	finalAsk := decimalStringPtr(bestAskOf(primary))
	summary := ledger.Summary(filepath.Base(cfg.RunDir), finalBid, finalAsk)

	allWarnings := append(append([]string{}, loaded.Warnings...), bookWarnings...)
	allWarnings = append(allWarnings, p.Warnings...)
	runQuality := "ok"
	if len(allWarnings) > 0 {
		runQuality = "warnings"
	}

	if err := persistArtifacts(cfg, p, br, ledgerRows, summary, loaded, allWarnings, runQuality); err != nil {
		return Result{}, err
	}

	return Result{Summary: summary, RunQuality: runQuality, Warnings: allWarnings}, nil
}

func persistArtifacts(cfg Config, p *Pipeline, br *broker.Broker, ledgerRows []portfolio.LedgerEvent, summary portfolio.Summary, loaded tape.LoadResult, warnings []string, runQuality string) error {
	dir := cfg.RunDir

	if err := writeTimeline(dir, cfg.OutputFormat, p.Timeline); err != nil {
		return err
	}

	orderEvents := br.OrderEvents()
	if err := writeRows(filepath.Join(dir, "orders.jsonl"), len(orderEvents), func(i int) any {
		return orderEventDict(orderEvents[i])
	}); err != nil {
		return err
	}

	fills := br.Fills()
	if err := writeRows(filepath.Join(dir, "fills.jsonl"), len(fills), func(i int) any {
		return fills[i].ToDict()
	}); err != nil {
		return err
	}

	if err := writeRows(filepath.Join(dir, "decisions.jsonl"), len(p.Decisions), func(i int) any {
		return p.Decisions[i]
	}); err != nil {
		return err
	}

	if err := writeRows(filepath.Join(dir, "ledger.jsonl"), len(ledgerRows), func(i int) any {
		return ledgerRows[i].ToDict()
	}); err != nil {
		return err
	}

	if err := writeRows(filepath.Join(dir, "equity_curve.jsonl"), len(ledgerRows), func(i int) any {
		row := ledgerRows[i]
		return map[string]any{"seq": row.Seq, "ts_recv": row.TsRecv, "equity": row.Equity.String()}
	}); err != nil {
		return err
	}

	var modeledArbSummary map[string]any
	var rejectionCounts map[string]int
	if diag, ok := p.Strategy.(strategy.Diagnostics); ok {
		opps := diag.Opportunities()
		if err := writeRows(filepath.Join(dir, "opportunities.jsonl"), len(opps), func(i int) any {
			return opps[i]
		}); err != nil {
			return err
		}
		modeledArbSummary = diag.ModeledArbSummary()
		rejectionCounts = diag.RejectionCounts()
	}

	if err := artifacts.WriteJSONAtomic(filepath.Join(dir, "summary.json"), summaryDict(summary)); err != nil {
		return err
	}

	manifest := map[string]any{
		"mode":             "replay",
		"run_dir":          dir,
		"tape_dir":         cfg.TapeDir,
		"primary_asset_id": cfg.PrimaryAssetID,
		"counts": map[string]any{
			"events":    len(loaded.Events),
			"orders":    len(orderEvents),
			"fills":     len(fills),
			"decisions": len(p.Decisions),
			"timeline":  len(p.Timeline),
			"warnings":  len(warnings),
		},
		"run_quality": runQuality,
	}
	if modeledArbSummary != nil {
		manifest["modeled_arb_summary"] = modeledArbSummary
	}
	if rejectionCounts != nil {
		manifest["rejection_counts"] = rejectionCounts
	}
	if err := artifacts.WriteJSONAtomic(filepath.Join(dir, "run_manifest.json"), manifest); err != nil {
		return err
	}

	meta := map[string]any{
		"warnings":    warnings,
		"event_count": len(loaded.Events),
		"asset_ids":   assetIDsOf(p.Books),
	}
	return artifacts.WriteJSONAtomic(filepath.Join(dir, "meta.json"), meta)
}

func summaryDict(s portfolio.Summary) map[string]any {
	return map[string]any{
		"run_id":         s.RunID,
		"starting_cash":  s.StartingCash.String(),
		"final_cash":     s.FinalCash.String(),
		"final_equity":   s.FinalEquity.String(),
		"realized_pnl":   s.RealizedPnL.String(),
		"unrealized_pnl": s.UnrealizedPnL.String(),
		"total_fees":     s.TotalFees.String(),
		"net_profit":     s.NetProfit.String(),
		"mark_method":    string(s.MarkMethod),
		"pricing_source": s.PricingSource,
	}
}

// writeTimeline persists the best-bid/ask timeline as either JSONL
// (default) or CSV, per cfg.OutputFormat.
func writeTimeline(dir, outputFormat string, rows []types.TimelineRow) error {
	if outputFormat == "csv" {
		header := []string{"seq", "ts_recv", "asset_id", "event_type", "best_bid", "best_ask"}
		csvRows := make([][]string, len(rows))
		for i, row := range rows {
			csvRows[i] = []string{
				fmt.Sprintf("%d", row.Seq),
				fmt.Sprintf("%g", row.TsRecv),
				row.AssetID,
				row.EventType,
				stringOrEmpty(row.BestBid),
				stringOrEmpty(row.BestAsk),
			}
		}
		return artifacts.WriteCSV(filepath.Join(dir, "best_bid_ask.csv"), header, csvRows)
	}
	return writeRows(filepath.Join(dir, "best_bid_ask.jsonl"), len(rows), func(i int) any {
		return rows[i]
	})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeRows(path string, n int, at func(i int) any) error {
	w, err := artifacts.NewJSONLWriter(path)
	if err != nil {
		return fmt.Errorf("runner: open %s: %w", path, err)
	}
	defer w.Close()
	for i := 0; i < n; i++ {
		if err := w.Write(at(i)); err != nil {
			return fmt.Errorf("runner: write %s: %w", path, err)
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

func eventAssetIDs(evt types.Event) []string {
	var ids []string
	if aid := evt.AssetID(); aid != "" {
		ids = append(ids, aid)
	}
	if list, ok := evt["price_changes"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				if aid, ok := m["asset_id"].(string); ok && aid != "" {
					ids = append(ids, aid)
				}
			}
		}
	}
	return ids
}

func assetIDsOf(books map[string]*book.Book) []string {
	ids := make([]string, 0, len(books))
	for aid := range books {
		ids = append(ids, aid)
	}
	return ids
}
