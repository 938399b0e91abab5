// Package transformer turns analyzed CSV rows into facts.
//
// This file defines the pooled Row type used across parser -> transformer ->
// orchestrator to reduce heap churn on large files.
package transformer

import "sync"

// Row is a pooled container holding one positional CSV data row.
//
// Ownership contract:
//   - Exactly one goroutine "owns" a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer must call Free() after it is fully done with the Row
//     (and anything referencing r.V).
//
// On cancellation paths use Drop() instead: a stage that is still draining
// may read a Row that the parser would otherwise reuse.
type Row struct {
	// V holds the raw cell text as string; nil marks a cell missing because
	// the record was short.
	V []any
	// Line is the 1-based data row index (header excluded).
	Line int
	// Err is set when the record could not be parsed; V is then all nil.
	Err error
}

var rowPool sync.Pool

// GetRow returns a pooled Row with length colCount. All elements are zeroed.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		r.Err = nil
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
// Call this ONLY when no other goroutine can observe r or r.V.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row WITHOUT returning it to the pool.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
	r.Err = nil
}

// Cell returns the raw text of column i and whether the cell was present.
func (r *Row) Cell(i int) (string, bool) {
	if i < 0 || i >= len(r.V) || r.V[i] == nil {
		return "", false
	}
	s, ok := r.V[i].(string)
	return s, ok
}

// Strings copies the row into a string slice; missing cells become "".
func (r *Row) Strings() []string {
	out := make([]string, len(r.V))
	for i := range r.V {
		out[i], _ = r.Cell(i)
	}
	return out
}
