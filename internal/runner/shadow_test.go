package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"simtrader/internal/broker"
	"simtrader/internal/portfolio"
	"simtrader/pkg/types"
)

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
	return out
}

func TestRunShadowConsumesInjectedEventSourceUntilClosed(t *testing.T) {
	t.Parallel()
	runDir := filepath.Join(t.TempDir(), "shadow1")

	source := make(chan types.Event, 2)
	source <- types.Event{"seq": int64(1), "ts_recv": 1.0, "event_type": types.EventBook, "asset_id": "tok1",
		"bids": []any{map[string]any{"price": "0.40", "size": "100"}},
		"asks": []any{map[string]any{"price": "0.42", "size": "100"}}}
	source <- types.Event{"seq": int64(2), "ts_recv": 2.0, "event_type": types.EventPriceChange, "asset_id": "tok1",
		"changes": []any{map[string]any{"side": "SELL", "price": "0.41", "size": "50"}}}
	close(source)

	strat := &fakeStrategy{}
	result, err := RunShadow(context.Background(), ShadowConfig{
		RunDir:         runDir,
		PrimaryAssetID: "tok1",
		StartingCash:   decimal.NewFromInt(1000),
		MarkMethod:     portfolio.MarkBid,
		Latency:        broker.ZeroLatency,
		EventSource:    source,
	}, strat)
	if err != nil {
		t.Fatalf("RunShadow: %v", err)
	}
	if result.ExitReason != "" {
		t.Errorf("exit_reason = %q, want empty (clean channel close)", result.ExitReason)
	}
	if result.Metrics.EventsReceived != 2 {
		t.Errorf("events_received = %d, want 2", result.Metrics.EventsReceived)
	}
	if !strat.finished {
		t.Error("expected OnFinish to have been called")
	}

	for _, name := range []string{"best_bid_ask.jsonl", "orders.jsonl", "run_manifest.json", "meta.json"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
	}
}

func TestRunShadowSimulatesStallAfterNEvents(t *testing.T) {
	t.Parallel()
	runDir := filepath.Join(t.TempDir(), "shadow-stall")

	source := make(chan types.Event, 2)
	source <- types.Event{"seq": int64(1), "ts_recv": 1.0, "event_type": types.EventBook, "asset_id": "tok1",
		"bids": []any{map[string]any{"price": "0.40", "size": "100"}},
		"asks": []any{map[string]any{"price": "0.42", "size": "100"}}}
	source <- types.Event{"seq": int64(2), "ts_recv": 2.0, "event_type": types.EventPriceChange, "asset_id": "tok1",
		"changes": []any{map[string]any{"side": "SELL", "price": "0.41", "size": "50"}}}

	strat := &fakeStrategy{}
	result, err := RunShadow(context.Background(), ShadowConfig{
		RunDir:            runDir,
		PrimaryAssetID:    "tok1",
		StartingCash:      decimal.NewFromInt(1000),
		MarkMethod:        portfolio.MarkBid,
		Latency:           broker.ZeroLatency,
		MaxWSStallSeconds: 30,
		EventSource:       source,
		StallAfterNEvents: 2,
	}, strat)
	if err != nil {
		t.Fatalf("RunShadow: %v", err)
	}
	if !strings.HasPrefix(result.ExitReason, "ws_stall:") {
		t.Errorf("exit_reason = %q, want ws_stall: prefix", result.ExitReason)
	}
	if result.Metrics.EventsReceived != 2 {
		t.Errorf("events_received = %d, want 2", result.Metrics.EventsReceived)
	}

	manifest := readJSON(t, filepath.Join(runDir, "run_manifest.json"))
	if manifest["exit_reason"] != result.ExitReason {
		t.Errorf("run_manifest.json exit_reason = %v, want %q", manifest["exit_reason"], result.ExitReason)
	}
	meta := readJSON(t, filepath.Join(runDir, "meta.json"))
	if meta["exit_reason"] != result.ExitReason {
		t.Errorf("meta.json exit_reason = %v, want %q", meta["exit_reason"], result.ExitReason)
	}
}

func TestRunShadowExitsOnContextCancellation(t *testing.T) {
	t.Parallel()
	runDir := filepath.Join(t.TempDir(), "shadow2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	source := make(chan types.Event) // never closed, never sent to — forces the ctx branch

	strat := &fakeStrategy{}
	result, err := RunShadow(ctx, ShadowConfig{
		RunDir:         runDir,
		PrimaryAssetID: "tok1",
		StartingCash:   decimal.NewFromInt(1000),
		MarkMethod:     portfolio.MarkBid,
		Latency:        broker.ZeroLatency,
		EventSource:    source,
	}, strat)
	if err != nil {
		t.Fatalf("RunShadow: %v", err)
	}
	if result.ExitReason == "" {
		t.Error("expected a non-empty exit reason after context cancellation")
	}
}

func TestRunShadowRecordsTapeWhenTapeDirSet(t *testing.T) {
	t.Parallel()
	runDir := filepath.Join(t.TempDir(), "shadow3")
	tapeDir := filepath.Join(t.TempDir(), "tape3")

	source := make(chan types.Event, 1)
	source <- types.Event{"seq": int64(1), "ts_recv": 1.0, "event_type": types.EventBook, "asset_id": "tok1",
		"bids": []any{map[string]any{"price": "0.40", "size": "100"}},
		"asks": []any{map[string]any{"price": "0.42", "size": "100"}}}
	close(source)

	strat := &fakeStrategy{}
	_, err := RunShadow(context.Background(), ShadowConfig{
		RunDir:         runDir,
		PrimaryAssetID: "tok1",
		StartingCash:   decimal.NewFromInt(1000),
		MarkMethod:     portfolio.MarkBid,
		Latency:        broker.ZeroLatency,
		TapeDir:        tapeDir,
		EventSource:    source,
	}, strat)
	if err != nil {
		t.Fatalf("RunShadow: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tapeDir, "events.jsonl")); err != nil {
		t.Fatalf("stat tape events.jsonl: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tapeDir, "meta.json")); err != nil {
		t.Fatalf("stat tape meta.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tapeDir, "raw_ws.jsonl")); err == nil {
		t.Error("raw_ws.jsonl should not be written in injected-source mode")
	}
}
