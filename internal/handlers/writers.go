package handlers

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pressurenet/readings-aggregator/internal/core/reading"
)

// Archive formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Writer encodes a window's records into one archive format.
type Writer interface {
	Format() string
	ContentType() string
	Encode(records []reading.Record) ([]byte, error)
}

// JSONWriter encodes records as a JSON array. It is also the format merges read back.
type JSONWriter struct{}

func (JSONWriter) Format() string      { return FormatJSON }
func (JSONWriter) ContentType() string { return "application/json" }

func (JSONWriter) Encode(records []reading.Record) ([]byte, error) {
	if records == nil {
		records = []reading.Record{}
	}
	content, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode json archive: %w", err)
	}
	return content, nil
}

// CSVWriter encodes records as CSV. The header is the sorted union of every
// record's fields; a record missing a field gets an empty cell.
type CSVWriter struct{}

func (CSVWriter) Format() string      { return FormatCSV }
func (CSVWriter) ContentType() string { return "text/csv" }

func (CSVWriter) Encode(records []reading.Record) ([]byte, error) {
	var header []string
	for _, rec := range records {
		for field := range rec {
			header = append(header, field)
		}
	}
	slices.Sort(header)
	header = slices.Compact(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("encode csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, rec := range records {
		for i, field := range header {
			row[i] = rec.String(field)
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// WriterFor returns the writer for a format name.
func WriterFor(format string) (Writer, error) {
	switch format {
	case FormatJSON:
		return JSONWriter{}, nil
	case FormatCSV:
		return CSVWriter{}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}
