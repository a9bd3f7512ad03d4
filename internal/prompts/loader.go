// Package prompts loads ordered prompt sequences for the drivers.
package prompts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"safety-monitor/internal/pipeline"
)

// Source tags recorded on the run, identifying where its prompts came
// from.
const (
	SourceDataset     = "dataset"
	SourceCustomFile  = "custom_file"
	SourceCustomCLI   = "custom_cli"
	SourceInteractive = "interactive"
	SourceAPI         = "api"
)

// FromFile reads prompts from a text file, one per line. Blank lines
// are skipped; ingestion order follows file order.
func FromFile(path string, limit int) ([]pipeline.Prompt, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("opening prompts file: %w", err)
	}
	defer f.Close()

	var out []pipeline.Prompt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		out = append(out, pipeline.Prompt{Text: text, Ordinal: len(out)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("prompts file %s contains no prompts", path)
	}
	return out, nil
}

// FromList turns inline prompt texts into an ordered sequence, skipping
// empty entries.
func FromList(texts []string) []pipeline.Prompt {
	out := make([]pipeline.Prompt, 0, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		out = append(out, pipeline.Prompt{Text: text, Ordinal: len(out)})
	}
	return out
}
