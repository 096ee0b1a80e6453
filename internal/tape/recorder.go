package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"simtrader/internal/artifacts"
	"simtrader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Meta is the recording summary written to meta.json at the end of a run.
type Meta struct {
	WSURL              string   `json:"ws_url"`
	AssetIDs           []string `json:"asset_ids"`
	Source             string   `json:"source"`
	StartedAt          string   `json:"started_at"`
	EndedAt            string   `json:"ended_at"`
	RecvTimeoutSeconds float64  `json:"recv_timeout_seconds"`
	ReconnectCount     int      `json:"reconnect_count"`
	FrameCount         int      `json:"frame_count"`
	EventCount         int      `json:"event_count"`
	Warnings           []string `json:"warnings"`
}

// Recorder subscribes to the market-data channel for a set of asset IDs
// and writes raw_ws.jsonl + events.jsonl + meta.json (§4.C). A single
// Recorder instance is for one recording session; it is not reusable.
type Recorder struct {
	wsURL           string
	assetIDs        []string
	durationSeconds float64
	logger          *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	seqMu      sync.Mutex
	nextSeq    int64
	frameSeq   int64
	frameCount int
	eventCount int
	warnings   []string
	reconnects int
}

// NewRecorder builds a recorder for wsURL/assetIDs. durationSeconds <= 0
// means run until ctx is cancelled.
func NewRecorder(wsURL string, assetIDs []string, durationSeconds float64, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		wsURL:           wsURL,
		assetIDs:        assetIDs,
		durationSeconds: durationSeconds,
		logger:          logger.With("component", "tape_recorder"),
	}
}

// Run connects, subscribes, and records until duration elapses or ctx is
// cancelled, writing rawPath/eventsPath as it goes and metaPath at the end.
func (r *Recorder) Run(ctx context.Context, rawPath, eventsPath, metaPath string) error {
	rawWriter, err := artifacts.NewJSONLWriter(rawPath)
	if err != nil {
		return fmt.Errorf("open raw tape: %w", err)
	}
	defer rawWriter.Close()

	eventsWriter, err := artifacts.NewJSONLWriter(eventsPath)
	if err != nil {
		return fmt.Errorf("open events tape: %w", err)
	}
	defer eventsWriter.Close()

	startedAt := time.Now().UTC()
	runCtx := ctx
	var cancel context.CancelFunc
	if r.durationSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.durationSeconds*float64(time.Second)))
		defer cancel()
	}

	backoff := time.Second
	for {
		err := r.connectAndRead(runCtx, rawWriter, eventsWriter)
		if runCtx.Err() != nil {
			break
		}
		r.reconnects++
		r.logger.Warn("tape recorder websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-runCtx.Done():
			goto done
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
done:

	meta := Meta{
		WSURL:              r.wsURL,
		AssetIDs:           r.assetIDs,
		Source:             "live",
		StartedAt:          startedAt.Format(time.RFC3339),
		EndedAt:            time.Now().UTC().Format(time.RFC3339),
		RecvTimeoutSeconds: readTimeout.Seconds(),
		ReconnectCount:     r.reconnects,
		FrameCount:         r.frameCount,
		EventCount:         r.eventCount,
		Warnings:           r.warnings,
	}
	return artifacts.WriteJSONAtomic(metaPath, meta)
}

func (r *Recorder) connectAndRead(ctx context.Context, rawWriter, eventsWriter *artifacts.JSONLWriter) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	defer func() {
		r.connMu.Lock()
		conn.Close()
		r.conn = nil
		r.connMu.Unlock()
	}()

	if err := r.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.logger.Info("tape recorder connected", "ws_url", r.wsURL, "asset_ids", r.assetIDs)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go r.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		r.handleFrame(msg, rawWriter, eventsWriter)
	}
}

func (r *Recorder) subscribe() error {
	payload := map[string]any{
		"type":       "market",
		"assets_ids": r.assetIDs,
	}
	return r.writeJSON(payload)
}

func (r *Recorder) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				r.logger.Warn("tape recorder ping failed", "error", err)
				return
			}
		}
	}
}

// handleFrame records the raw frame, then parses + normalizes it into
// zero or more events. A frame can be a single JSON object or a
// top-level array of objects (§4.C point 3).
func (r *Recorder) handleFrame(raw []byte, rawWriter, eventsWriter *artifacts.JSONLWriter) {
	tsRecv := float64(time.Now().UnixNano()) / 1e9

	r.seqMu.Lock()
	r.frameSeq++
	frameSeq := r.frameSeq
	r.frameCount++
	r.seqMu.Unlock()

	if err := rawWriter.Write(map[string]any{
		"frame_seq": frameSeq,
		"ts_recv":   tsRecv,
		"raw":       string(raw),
	}); err != nil {
		r.logger.Error("write raw frame", "error", err)
	}

	objs, err := parseFrame(raw)
	if err != nil {
		r.warn(fmt.Sprintf("malformed ws frame (frame_seq=%d): %v", frameSeq, err))
		return
	}

	for _, obj := range objs {
		evt := Normalize(obj, tsRecv, r.nextSeqNo)
		if evt == nil {
			continue
		}
		r.seqMu.Lock()
		r.eventCount++
		r.seqMu.Unlock()
		if err := eventsWriter.Write(evt); err != nil {
			r.logger.Error("write normalized event", "error", err)
		}
	}
}

func (r *Recorder) nextSeqNo() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

func (r *Recorder) warn(msg string) {
	r.seqMu.Lock()
	r.warnings = append(r.warnings, msg)
	r.seqMu.Unlock()
	r.logger.Warn(msg)
}

func (r *Recorder) writeJSON(v any) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(v)
}

func (r *Recorder) writeMessage(msgType int, data []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteMessage(msgType, data)
}

// parseFrame accepts either a single JSON object or a top-level array
// of objects, matching the exchange's batched-frame behavior.
func parseFrame(raw []byte) ([]map[string]any, error) {
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

// Normalize validates obj carries a known event_type (or "type" alias)
// and wraps it in the schema envelope with a fresh seq. Returns nil for
// unknown event types, matching the source's silent-drop behavior.
func Normalize(obj map[string]any, tsRecv float64, nextSeq func() int64) types.Event {
	eventType, _ := obj["event_type"].(string)
	if eventType == "" {
		eventType, _ = obj["type"].(string)
	}
	if !types.KnownEventTypes[eventType] {
		return nil
	}
	obj["event_type"] = eventType
	return types.NewEnvelope(nextSeq(), tsRecv, obj)
}
