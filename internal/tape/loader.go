// Package tape loads and records the recorded event tape: events.jsonl
// files consumed by the replay runner and the on-demand session, and
// produced by the live WS recorder.
package tape

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"simtrader/pkg/types"
)

// ErrEmptyTape is returned when events.jsonl contains zero valid lines.
var ErrEmptyTape = errors.New("tape: no events found")

// LoadResult carries the sorted events plus any non-fatal warnings
// accumulated while reading.
type LoadResult struct {
	Events   []types.Event
	Warnings []string
}

// LoadEvents reads path (an events.jsonl file) line by line, skipping
// malformed lines with a warning, and returns events sorted by seq.
// Matches replay/runner.py's _load_events: malformed lines are never
// fatal, but an empty or fully-malformed tape is (ErrEmptyTape).
func LoadEvents(path string, logger *slog.Logger) (LoadResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("open tape %s: %w", path, err)
	}
	defer f.Close()

	var result LoadResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			msg := fmt.Sprintf("skipping malformed line %d in %s: %v", lineno, path, err)
			result.Warnings = append(result.Warnings, msg)
			logger.Warn("skipping malformed tape line", "line", lineno, "path", path, "err", err)
			continue
		}
		result.Events = append(result.Events, evt)
	}
	if err := scanner.Err(); err != nil {
		return LoadResult{}, fmt.Errorf("scan tape %s: %w", path, err)
	}

	if len(result.Events) == 0 {
		return result, fmt.Errorf("%w: %s", ErrEmptyTape, path)
	}

	// Stable sort preserves file order for equal seqs (ties are
	// impossible by construction, but this matches the source exactly).
	sort.SliceStable(result.Events, func(i, j int) bool {
		return result.Events[i].Seq() < result.Events[j].Seq()
	})
	return result, nil
}
