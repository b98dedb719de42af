package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/amiv-eth/bouncer/internal/progress"
)

// Output formats for structured results.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// statusf prints a status message to w unless quiet mode is set.
func statusf(w io.Writer, quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// outputFormat picks the result format: --format wins, --json is shorthand
// for json.
func outputFormat(flag string, jsonFlag bool) (string, error) {
	switch strings.ToLower(flag) {
	case "":
		if jsonFlag {
			return formatJSON, nil
		}

		return formatText, nil
	case formatText, formatJSON, formatYAML:
		return strings.ToLower(flag), nil
	default:
		return "", fmt.Errorf("invalid format %q: must be one of text, json, yaml", flag)
	}
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatYAML:
		data, err := yaml.MarshalWithOptions(v, yaml.Indent(2), yaml.IndentSequence(false))
		if err != nil {
			return fmt.Errorf("encoding YAML output: %w", err)
		}

		_, err = w.Write(data)

		return err
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()
	t = t.Local()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// progressBarWidth is the number of cells in the progress bar.
const progressBarWidth = 30

// progressBar renders tracker state on a terminal line, redrawn in place.
// On anything but a terminal it prints nothing.
type progressBar struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	drawn   bool
}

func newProgressBar(w io.Writer, quiet bool) *progressBar {
	return &progressBar{w: w, enabled: !quiet && isTerminal(w)}
}

// update draws s for stream. A batch that is no longer busy clears the line.
func (p *progressBar) update(stream string, s progress.State) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !s.Busy {
		p.clearLocked()
		return
	}

	fmt.Fprintf(p.w, "\r\033[K%s", renderBar(stream, s))
	p.drawn = true
}

// clear erases the bar so a status line can be printed in its place.
func (p *progressBar) clear() {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearLocked()
}

func (p *progressBar) clearLocked() {
	if p.drawn {
		fmt.Fprint(p.w, "\r\033[K")
		p.drawn = false
	}
}

// renderBar formats one progress line, e.g. "fetch  [#####     ] 3/6".
func renderBar(stream string, s progress.State) string {
	filled := int(s.Fraction() * progressBarWidth)
	filled = min(max(filled, 0), progressBarWidth)

	return fmt.Sprintf("%-6s [%s%s] %d/%d",
		stream,
		strings.Repeat("#", filled),
		strings.Repeat(" ", progressBarWidth-filled),
		s.Completed, s.Total,
	)
}
