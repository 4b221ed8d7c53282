// Package table accumulates per-round metric rows and renders them as CSV.
package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
)

// RoundColumn is the header of the leading column.
const RoundColumn = "round"

type row struct {
	round  int
	values map[string]float64
}

// Table is a row-appended metric table: one row per round, one column per
// proxy client. Columns that a round did not report render as empty cells.
type Table struct {
	name    string
	mu      sync.RWMutex
	columns map[string]struct{}
	rows    []row
}

// New creates an empty table
func New(name string) *Table {
	return &Table{
		name:    name,
		columns: make(map[string]struct{}),
	}
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Append adds the row of one round
func (t *Table) Append(round int, values map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
		t.columns[k] = struct{}{}
	}
	t.rows = append(t.rows, row{round: round, values: copied})
}

// Len returns the number of rows
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Columns returns the proxy client columns in sorted order
func (t *Table) Columns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedColumns()
}

func (t *Table) sortedColumns() []string {
	cols := make([]string, 0, len(t.columns))
	for c := range t.columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// CSV renders the whole table including the header
func (t *Table) CSV() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cols := t.sortedColumns()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(append([]string{RoundColumn}, cols...)); err != nil {
		return nil, err
	}

	record := make([]string, len(cols)+1)
	for _, r := range t.rows {
		record[0] = strconv.Itoa(r.round)
		for i, c := range cols {
			if v, ok := r.values[c]; ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			} else {
				record[i+1] = ""
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LearningRatesJSON encodes a learning-rate history with stable key order.
func LearningRatesJSON(history map[string][]float64) ([]byte, error) {
	if history == nil {
		history = map[string][]float64{}
	}
	return json.MarshalIndent(history, "", "  ")
}
