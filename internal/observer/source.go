package observer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Row is one raw outcome row keyed by column name. The observer
// normalizes rows into TradeRecords; sources never validate.
type Row map[string]string

// OutcomeSource is the pull interface to the trading system's outcome
// feed. Implementations return only rows produced since the last poll
// and must tolerate empty results.
type OutcomeSource interface {
	Poll(ctx context.Context) ([]Row, error)
}

// CSVDirSource reads trade outcome drops (`trades_*.csv`) that the
// trading system writes into a directory. Each poll picks up rows
// appended since the previous poll, per file.
type CSVDirSource struct {
	dir      string
	consumed map[string]int // rows already returned, per file
}

// NewCSVDirSource creates a source over dir.
func NewCSVDirSource(dir string) *CSVDirSource {
	return &CSVDirSource{
		dir:      dir,
		consumed: make(map[string]int),
	}
}

// Poll returns new rows from every outcome file, oldest file first.
func (s *CSVDirSource) Poll(ctx context.Context) ([]Row, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "trades_*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to list outcome files: %w", err)
	}
	sort.Strings(paths)

	var rows []Row
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		fileRows, err := s.readNew(path)
		if err != nil {
			return rows, fmt.Errorf("failed to read %s: %w", path, err)
		}
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

func (s *CSVDirSource) readNew(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // malformed rows are the observer's problem, not ours

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []Row
	seen := 0
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn line mid-file: surface what we have and let the
			// next poll retry from the same offset.
			break
		}
		seen++
		if seen <= s.consumed[path] {
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(fields) {
				row[col] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	if seen > s.consumed[path] {
		s.consumed[path] = seen
	}
	return rows, nil
}
