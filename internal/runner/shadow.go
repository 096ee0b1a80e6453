package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"simtrader/internal/artifacts"
	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/metrics"
	"simtrader/internal/portfolio"
	"simtrader/internal/strategy"
	"simtrader/pkg/types"
)

const (
	shadowRecvPollInterval  = 5 * time.Second
	shadowReconnectSleep    = 2 * time.Second
	shadowMaxReconnectSleep = 30 * time.Second
)

// RunMetrics mirrors the live-run counters the source's shadow runner
// surfaces in run_manifest.json["run_metrics"].
type RunMetrics struct {
	WSReconnects         int
	WSTimeouts           int
	EventsReceived       int
	BatchedPriceChanges  int
	PerAssetUpdateCounts map[string]int

	reconnectWarnings []string
	frameCount        int
}

func newRunMetrics() *RunMetrics {
	return &RunMetrics{PerAssetUpdateCounts: make(map[string]int)}
}

// ToDict renders the public counters for run_manifest.json.
func (m *RunMetrics) ToDict() map[string]any {
	return map[string]any{
		"ws_reconnects":           m.WSReconnects,
		"ws_timeouts":             m.WSTimeouts,
		"events_received":         m.EventsReceived,
		"batched_price_changes":   m.BatchedPriceChanges,
		"per_asset_update_counts": m.PerAssetUpdateCounts,
	}
}

func (m *RunMetrics) incrementAsset(assetID string) {
	m.PerAssetUpdateCounts[assetID] = m.PerAssetUpdateCounts[assetID] + 1
}

// ShadowConfig bundles the inputs a live shadow run needs.
type ShadowConfig struct {
	RunDir            string
	WSURL             string
	AssetIDs          []string
	PrimaryAssetID    string
	ExtraBookAssetIDs []string
	DurationSeconds   float64
	MaxWSStallSeconds float64
	TapeDir           string // non-empty enables concurrent tape recording
	ShadowContext     map[string]any

	StartingCash decimal.Decimal
	FeeBps       *decimal.Decimal
	MarkMethod   portfolio.MarkMethod
	Latency      broker.LatencyConfig

	Logger  *slog.Logger
	Metrics *metrics.ShadowMetrics

	// EventSource lets tests (and any offline driver) inject already
	// normalized events instead of dialing a live WS connection.
	// Matches the source's `_event_source` test hook. A closed channel
	// ends the run the same way the tape running out would.
	EventSource <-chan types.Event

	// StallAfterNEvents simulates a WS stall after this many events have
	// been consumed from EventSource, for exercising the stall exit path
	// without a live connection. Zero disables it.
	StallAfterNEvents int
}

// ShadowResult is what a completed (or stall-exited) shadow run produces.
type ShadowResult struct {
	Summary    portfolio.Summary
	RunQuality string
	ExitReason string // non-empty only on stall exit
	Metrics    RunMetrics
}

// RunShadow drives strat against a live WS market feed (or, in tests,
// cfg.EventSource) until ctx is cancelled, the duration budget elapses,
// or the stall kill-switch fires, then runs the ledger and persists the
// same artifact set as Run, plus shadow-specific manifest fields.
func RunShadow(ctx context.Context, cfg ShadowConfig, strat strategy.Strategy) (ShadowResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.DurationSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.DurationSeconds*float64(time.Second)))
		defer cancel()
	}

	books := make(map[string]*book.Book)
	books[cfg.PrimaryAssetID] = book.New(cfg.PrimaryAssetID, false)
	for _, aid := range cfg.ExtraBookAssetIDs {
		if _, ok := books[aid]; !ok {
			books[aid] = book.New(aid, false)
		}
	}

	br := broker.New(cfg.Latency)
	p := NewPipeline(strat, books, br, cfg.PrimaryAssetID, logger)
	rm := newRunMetrics()

	var eventsWriter *artifacts.JSONLWriter
	var rawWriter *artifacts.JSONLWriter
	if cfg.TapeDir != "" {
		var err error
		eventsWriter, err = artifacts.NewJSONLWriter(filepath.Join(cfg.TapeDir, "events.jsonl"))
		if err != nil {
			return ShadowResult{}, fmt.Errorf("shadow: open tape events file: %w", err)
		}
		defer eventsWriter.Close()
		if cfg.EventSource == nil {
			rawWriter, err = artifacts.NewJSONLWriter(filepath.Join(cfg.TapeDir, "raw_ws.jsonl"))
			if err != nil {
				return ShadowResult{}, fmt.Errorf("shadow: open tape raw file: %w", err)
			}
			defer rawWriter.Close()
		}
	}

	startedAt := nowISO()
	var allEvents []types.Event
	var warnings []string
	strat.OnStart(cfg.PrimaryAssetID, cfg.StartingCash)

	var exitReason string
	if cfg.EventSource != nil {
		exitReason = consumeSource(ctx, cfg.EventSource, cfg.StallAfterNEvents, cfg.MaxWSStallSeconds, p, rm, cfg.Metrics, eventsWriter, &allEvents, &warnings)
	} else {
		exitReason = wsLoop(ctx, cfg, p, rm, logger, rawWriter, eventsWriter, &allEvents, &warnings)
	}
	endedAt := nowISO()

	strat.OnFinish()

	ledger := portfolio.New(portfolio.Config{
		StartingCash: cfg.StartingCash,
		FeeBps:       cfg.FeeBps,
		MarkMethod:   cfg.MarkMethod,
	})
	ledgerRows, err := ledger.Process(br.OrderEvents(), p.Timeline)
	if err != nil {
		return ShadowResult{}, fmt.Errorf("shadow: ledger process: %w", err)
	}

	primary := books[cfg.PrimaryAssetID]
	finalBid := decimalStringPtr(bestBidOf(primary))
	finalAsk := decimalStringPtr(bestAskOf(primary))
	summary := ledger.Summary(filepath.Base(cfg.RunDir), finalBid, finalAsk)

	warnings = append(warnings, p.Warnings...)
	runQuality := "ok"
	if len(warnings) > 0 {
		runQuality = "warnings"
	}

	if err := persistShadowArtifacts(cfg, p, br, ledgerRows, summary, shadowMeta{
		startedAt:  startedAt,
		endedAt:    endedAt,
		events:     allEvents,
		warnings:   warnings,
		runQuality: runQuality,
		metrics:    rm,
		exitReason: exitReason,
	}); err != nil {
		return ShadowResult{}, err
	}

	return ShadowResult{Summary: summary, RunQuality: runQuality, ExitReason: exitReason, Metrics: *rm}, nil
}

// consumeSource drains an injected event channel (the offline/test path),
// returning a stall-style exit reason when ctx is cancelled or, if
// stallAfterN is set, once that many events have been consumed —
// simulating the live stall kill-switch without a real WS connection.
func consumeSource(ctx context.Context, source <-chan types.Event, stallAfterN int, maxWSStallSeconds float64, p *Pipeline, rm *RunMetrics, pm *metrics.ShadowMetrics, eventsWriter *artifacts.JSONLWriter, allEvents *[]types.Event, warnings *[]string) string {
	consumed := 0
	for {
		if stallAfterN > 0 && consumed >= stallAfterN {
			return fmt.Sprintf("ws_stall: no events received for %.0fs (simulated after %d events)", maxWSStallSeconds, consumed)
		}
		select {
		case <-ctx.Done():
			return fmt.Sprintf("ws_stall: context cancelled (%s)", ctx.Err())
		case evt, ok := <-source:
			if !ok {
				return ""
			}
			processAndRecord(evt, p, rm, pm, eventsWriter, allEvents, warnings)
			consumed++
		}
	}
}

// wsLoop connects to cfg.WSURL, subscribes to cfg.AssetIDs, and feeds
// normalized events into the pipeline until ctx ends or the stall
// kill-switch fires. Reconnects with bounded exponential backoff on
// disconnect; a read-deadline timeout is not itself fatal: it is
// counted, triggers the stall check, and sends a keepalive ping.
func wsLoop(ctx context.Context, cfg ShadowConfig, p *Pipeline, rm *RunMetrics, logger *slog.Logger, rawWriter, eventsWriter *artifacts.JSONLWriter, allEvents *[]types.Event, warnings *[]string) string {
	subscribeMsg := map[string]any{
		"assets_ids":             cfg.AssetIDs,
		"type":                   "market",
		"custom_feature_enabled": true,
		"initial_dump":           true,
	}

	dialBreaker := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "shadow-ws-dial",
		MaxRequests: 1,
		Interval:    shadowMaxReconnectSleep,
		Timeout:     shadowMaxReconnectSleep,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("shadow ws dial breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	var nextSeq int64
	lastFrameAt := time.Now()
	backoff := shadowReconnectSleep
	reconnect := false

	for {
		if ctx.Err() != nil {
			return ""
		}

		conn, err := dialBreaker.Execute(func() (*websocket.Conn, error) {
			c, _, dialErr := websocket.DefaultDialer.DialContext(ctx, cfg.WSURL, nil)
			return c, dialErr
		})
		if err != nil {
			logger.Warn("shadow ws connect failed", "error", err)
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > shadowMaxReconnectSleep {
				backoff = shadowMaxReconnectSleep
			}
			continue
		}
		if err := conn.WriteJSON(subscribeMsg); err != nil {
			conn.Close()
			logger.Warn("shadow ws subscribe failed", "error", err)
			continue
		}
		if reconnect {
			rm.WSReconnects++
			if cfg.Metrics != nil {
				cfg.Metrics.WSReconnects.Inc()
			}
			msg := fmt.Sprintf("shadow ws reconnect #%d: connected and resubscribed", rm.WSReconnects)
			rm.reconnectWarnings = append(rm.reconnectWarnings, msg)
			logger.Warn(msg)
		} else {
			logger.Info("shadow ws connected", "ws_url", cfg.WSURL)
		}
		backoff = shadowReconnectSleep

		exitReason, disconnected := readFrames(ctx, conn, cfg, p, rm, logger, rawWriter, eventsWriter, allEvents, warnings, &nextSeq, &lastFrameAt)
		conn.Close()
		if exitReason != "" {
			return exitReason
		}
		if !disconnected {
			return ""
		}
		reconnect = true
	}
}

// readFrames reads frames off conn until ctx ends, the stall threshold
// fires, or the connection drops. Returns (exitReason, disconnected):
// disconnected is true only when the caller should reconnect.
func readFrames(ctx context.Context, conn *websocket.Conn, cfg ShadowConfig, p *Pipeline, rm *RunMetrics, logger *slog.Logger, rawWriter, eventsWriter *artifacts.JSONLWriter, allEvents *[]types.Event, warnings *[]string, nextSeq *int64, lastFrameAt *time.Time) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "", false
		}

		conn.SetReadDeadline(time.Now().Add(shadowRecvPollInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				rm.WSTimeouts++
				if cfg.Metrics != nil {
					cfg.Metrics.WSTimeouts.Inc()
				}
				if cfg.MaxWSStallSeconds > 0 {
					elapsed := time.Since(*lastFrameAt)
					if elapsed.Seconds() >= cfg.MaxWSStallSeconds {
						reason := fmt.Sprintf("ws_stall: no events received for %.1fs (threshold=%.0fs)", elapsed.Seconds(), cfg.MaxWSStallSeconds)
						logger.Warn("shadow mode stalled, exiting gracefully", "reason", reason)
						return reason, false
					}
				}
				if pingErr := conn.WriteMessage(websocket.PingMessage, []byte("shadow-keepalive")); pingErr != nil {
					logger.Warn("shadow keepalive ping failed", "error", pingErr)
					return "", true
				}
				continue
			}
			logger.Warn("shadow ws disconnected", "error", err)
			rm.reconnectWarnings = append(rm.reconnectWarnings, fmt.Sprintf("shadow ws disconnected: %v", err))
			return "", true
		}

		*lastFrameAt = time.Now()
		tsRecv := float64(time.Now().UnixNano()) / 1e9

		if rawWriter != nil {
			rm.frameCount++
			if err := rawWriter.Write(map[string]any{
				"frame_seq": rm.frameCount,
				"ts_recv":   tsRecv,
				"raw":       string(raw),
			}); err != nil {
				logger.Error("shadow write raw frame", "error", err)
			}
		}

		objs, err := parseShadowFrame(raw)
		if err != nil {
			msg := fmt.Sprintf("shadow: failed to parse frame: %v", err)
			logger.Warn(msg)
			*warnings = append(*warnings, msg)
			continue
		}
		for _, obj := range objs {
			*nextSeq++
			evt := normalizeShadowEvent(obj, tsRecv, *nextSeq)
			if evt == nil {
				continue
			}
			processAndRecord(evt, p, rm, cfg.Metrics, eventsWriter, allEvents, warnings)
		}
	}
}

func processAndRecord(evt types.Event, p *Pipeline, rm *RunMetrics, pm *metrics.ShadowMetrics, eventsWriter *artifacts.JSONLWriter, allEvents *[]types.Event, warnings *[]string) {
	if eventsWriter != nil {
		eventsWriter.Write(map[string]any(evt))
	}
	*allEvents = append(*allEvents, evt)
	rm.EventsReceived++
	if pm != nil {
		pm.EventsReceived.Inc()
	}

	if list, ok := evt["price_changes"].([]any); ok {
		rm.BatchedPriceChanges += len(list)
		if pm != nil {
			pm.BatchedPriceChanges.Add(float64(len(list)))
		}
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				if aid, ok := m["asset_id"].(string); ok && aid != "" {
					rm.incrementAsset(aid)
					if pm != nil {
						pm.RecordAssetUpdate(aid)
					}
				}
			}
		}
	} else if aid := evt.AssetID(); aid != "" {
		rm.incrementAsset(aid)
		if pm != nil {
			pm.RecordAssetUpdate(aid)
		}
	}

	if w := p.ProcessEvent(evt); w != "" {
		*warnings = append(*warnings, w)
	}
}

func normalizeShadowEvent(obj map[string]any, tsRecv float64, seq int64) types.Event {
	eventType, _ := obj["event_type"].(string)
	if eventType == "" {
		eventType, _ = obj["type"].(string)
	}
	if !types.KnownEventTypes[eventType] {
		return nil
	}
	obj["event_type"] = eventType
	return types.NewEnvelope(seq, tsRecv, obj)
}

func parseShadowFrame(raw []byte) ([]map[string]any, error) {
	var asArray []map[string]any
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, err
	}
	return []map[string]any{asObject}, nil
}

type shadowMeta struct {
	startedAt  string
	endedAt    string
	events     []types.Event
	warnings   []string
	runQuality string
	metrics    *RunMetrics
	exitReason string
}

func persistShadowArtifacts(cfg ShadowConfig, p *Pipeline, br *broker.Broker, ledgerRows []portfolio.LedgerEvent, summary portfolio.Summary, sm shadowMeta) error {
	dir := cfg.RunDir

	if err := writeRows(filepath.Join(dir, "best_bid_ask.jsonl"), len(p.Timeline), func(i int) any {
		return p.Timeline[i]
	}); err != nil {
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
		"mode":             "shadow",
		"run_dir":          dir,
		"primary_asset_id": cfg.PrimaryAssetID,
		"asset_ids":        cfg.AssetIDs,
		"shadow_context":   cfg.ShadowContext,
		"run_metrics":      sm.metrics.ToDict(),
		"run_quality":      sm.runQuality,
		"started_at":       sm.startedAt,
		"ended_at":         sm.endedAt,
	}
	if sm.exitReason != "" {
		manifest["exit_reason"] = sm.exitReason
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
		"warnings":    sm.warnings,
		"event_count": len(sm.events),
		"asset_ids":   cfg.AssetIDs,
	}
	if sm.exitReason != "" {
		meta["exit_reason"] = sm.exitReason
	}
	if err := artifacts.WriteJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return err
	}

	if cfg.TapeDir != "" {
		tapeMeta := map[string]any{
			"ws_url":          cfg.WSURL,
			"asset_ids":       cfg.AssetIDs,
			"source":          tapeSourceLabel(cfg),
			"started_at":      sm.startedAt,
			"ended_at":        sm.endedAt,
			"event_count":     len(sm.events),
			"frame_count":     sm.metrics.frameCount,
			"reconnect_count": sm.metrics.WSReconnects,
			"warnings":        sm.metrics.reconnectWarnings,
		}
		if err := artifacts.WriteJSONAtomic(filepath.Join(cfg.TapeDir, "meta.json"), tapeMeta); err != nil {
			return err
		}
	}

	return nil
}

func tapeSourceLabel(cfg ShadowConfig) string {
	if cfg.EventSource != nil {
		return "injected"
	}
	return "websocket"
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
