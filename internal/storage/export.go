package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"safety-monitor/internal/pipeline"
)

// ExportFile is the on-disk JSON shape for a run's results. Machine
// fields round-trip bit-for-bit; human-review fields are included but
// carry no reload guarantee since review may happen concurrently.
type ExportFile struct {
	Run     *pipeline.Run      `json:"run"`
	Results []*pipeline.Result `json:"results"`
}

// WriteExport serializes a run and its results as indented JSON.
func WriteExport(w io.Writer, run *pipeline.Run, results []*pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ExportFile{Run: run, Results: results}); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}

// ReadExport parses a previously written export.
func ReadExport(r io.Reader) (*ExportFile, error) {
	var out ExportFile
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	return &out, nil
}

// ExportRun fetches a run with all of its results and writes them to
// path, creating parent directories as needed.
func (db *DB) ExportRun(ctx context.Context, runID, path string) error {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	var results []*pipeline.Result
	offset := 0
	for {
		page, err := db.ListResults(ctx, runID, ResultFilter{Limit: 1000, Offset: offset})
		if err != nil {
			return err
		}
		results = append(results, page...)
		if len(page) < 1000 {
			break
		}
		offset += len(page)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating export directory: %w", err)
		}
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}

	if err := WriteExport(f, run, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
