package artifacts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestJSONLWriterAppendsOneRowPerLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "fills.jsonl")
	jw, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("NewJSONLWriter: %v", err)
	}
	if err := jw.Write(map[string]any{"seq": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := jw.Write(map[string]any{"seq": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := jw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if row["seq"].(float64) != 1 {
		t.Errorf("first row seq = %v, want 1", row["seq"])
	}
}

func TestWriteJSONAtomicLeavesNoTmpFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "summary.json")
	if err := WriteJSONAtomic(path, map[string]any{"net_profit": "4.50"}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected no leftover .tmp file, stat err = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["net_profit"] != "4.50" {
		t.Errorf("net_profit = %v, want 4.50", out["net_profit"])
	}
}

func TestWriteCSVEscapesCommasAndQuotes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "timeline.csv")
	header := []string{"seq", "ts_recv", "asset_id", "event_type", "best_bid", "best_ask"}
	rows := [][]string{
		{"1", "1.0", "asset,1", "book", "0.50", "0.52"},
		{"2", "2.0", `asset"2`, "price_change", "0.51", "0.53"},
	}
	if err := WriteCSV(path, header, rows); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	content := string(data)
	if want := `"asset,1"`; !contains(content, want) {
		t.Errorf("expected comma-containing field to be quoted, got:\n%s", content)
	}
	if want := `"asset""2"`; !contains(content, want) {
		t.Errorf("expected embedded quote to be doubled, got:\n%s", content)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
