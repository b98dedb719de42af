// Package idfile reads the external identifier list from a tabular file: one
// designated column of a delimited text export, one identifier per row.
package idfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultColumn is the column holding member identifiers in the
// membership export.
const DefaultColumn = "LOGINNAME"

// ErrMissingColumn is returned when the header row lacks the requested
// column.
var ErrMissingColumn = errors.New("idfile: column not found")

// utf8BOM is stripped from the start of the file; spreadsheet exports often
// carry one, and it would otherwise stick to the first header name.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidateDelimiters are tried in order when sniffing the header row.
var candidateDelimiters = []rune{',', ';', '\t'}

// Parse reads identifiers from r. With a non-empty column the first row is a
// header and values are taken from that column; with an empty column every
// row's first field is an identifier and there is no header. Rows with an
// empty value are skipped. Values are returned in file order, duplicates
// included.
func Parse(r io.Reader, column string) ([]string, error) {
	br := bufio.NewReader(r)

	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	firstLine, err := br.Peek(peekLen(br))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("idfile: reading: %w", err)
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(firstLine)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	idx := 0

	if column != "" {
		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("idfile: %w: %q (file is empty)", ErrMissingColumn, column)
		}

		if err != nil {
			return nil, fmt.Errorf("idfile: reading header: %w", err)
		}

		idx = columnIndex(header, column)
		if idx < 0 {
			return nil, fmt.Errorf("idfile: %w: %q (have %s)", ErrMissingColumn, column, strings.Join(header, ", "))
		}
	}

	var out []string

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("idfile: reading row: %w", err)
		}

		if idx >= len(row) {
			continue
		}

		if v := strings.TrimSpace(row[idx]); v != "" {
			out = append(out, v)
		}
	}

	return out, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("idfile: opening %s: %w", path, err)
	}
	defer f.Close()

	ids, err := Parse(f, column)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	return ids, nil
}

// columnIndex finds column in header, first exactly, then ignoring case and
// surrounding whitespace.
func columnIndex(header []string, column string) int {
	for i, h := range header {
		if h == column {
			return i
		}
	}

	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(column)) {
			return i
		}
	}

	return -1
}

// peekLen returns how much of the buffered input to inspect for sniffing.
func peekLen(br *bufio.Reader) int {
	const sniffBytes = 4096

	if n := br.Size(); n < sniffBytes {
		return n
	}

	return sniffBytes
}

// sniffDelimiter picks the candidate delimiter that occurs most often in the
// first line, defaulting to a comma.
func sniffDelimiter(sample []byte) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}

	best, bestCount := ',', 0

	for _, d := range candidateDelimiters {
		if n := bytes.Count(sample, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}

	return best
}
