// Package artifacts writes run output files: JSON Lines event streams
// and single JSON documents (manifest, summary, meta). Single JSON
// documents are written atomically (write to .tmp, then rename), the same
// pattern the source uses for position persistence; JSONL and CSV files
// are written in place.
package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONLWriter appends JSON-encoded rows to a file, one per line. Rows
// are flushed to the file as they are written, and the file is kept open
// for the lifetime of a run; Close releases it.
type JSONLWriter struct {
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLWriter creates (or truncates) path and returns a writer for it.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	return &JSONLWriter{path: path, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Write appends one JSON-encoded row followed by a newline.
func (jw *JSONLWriter) Write(row any) error {
	if err := jw.enc.Encode(row); err != nil {
		return fmt.Errorf("write row to %s: %w", jw.path, err)
	}
	if err := jw.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", jw.path, err)
	}
	return nil
}

// Close flushes buffered output and closes the underlying file.
func (jw *JSONLWriter) Close() error {
	if err := jw.w.Flush(); err != nil {
		jw.f.Close()
		return fmt.Errorf("flush %s: %w", jw.path, err)
	}
	return jw.f.Close()
}

// WriteJSONAtomic marshals v and writes it to path via a temp file plus
// rename, so a crash mid-write never leaves a partial manifest/summary
// behind. Matches store.Store.SavePosition's atomic-replace pattern.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteCSV writes rows to path as CSV with the given header, matching
// replay/runner.py's _write_csv column order. rows are pre-stringified
// by the caller so this package stays decimal/type-agnostic.
func WriteCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(joinCSVRow(header)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if _, err := w.WriteString(joinCSVRow(row)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	return w.Flush()
}

func joinCSVRow(fields []string) string {
	var out []byte
	for i, field := range fields {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, csvEscape(field)...)
	}
	out = append(out, '\n')
	return string(out)
}

func csvEscape(field string) string {
	needsQuote := false
	for _, r := range field {
		if r == ',' || r == '"' || r == '\n' {
			needsQuote = true
			break
		}
	}
	if !needsQuote {
		return field
	}
	escaped := make([]byte, 0, len(field)+2)
	escaped = append(escaped, '"')
	for _, r := range field {
		if r == '"' {
			escaped = append(escaped, '"')
		}
		escaped = append(escaped, string(r)...)
	}
	escaped = append(escaped, '"')
	return string(escaped)
}
