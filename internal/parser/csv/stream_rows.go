// Package csv streams analyzed CSV files as pooled rows.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"statload/internal/config"
	"statload/internal/transformer"
	"statload/internal/transformer/builtin"
)

// NewReader returns a csv.Reader configured the way every stage reads input:
// ragged rows allowed, lazy quotes, reused records.
func NewReader(r io.Reader, comma rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

// StreamCSVRows streams CSV data rows into pooled *transformer.Row objects of
// exactly width cells. Short records leave trailing cells nil; longer records
// are cut.
//
// Options:
//
//	comma       rune    field delimiter (default ',')
//	encoding    string  source charset (default utf-8)
//	has_header  bool    skip the first record (default true)
//	trim_space  bool    trim cells (default false; hashes use raw text)
//	lazy_quotes bool    (default true)
//	limit       int     stop after this many data rows (0 = all)
//
// Row.Line is the 1-based data row index. A record the reader cannot parse is
// reported to onErr and sent as a Row with Err set and no cells, so indexes
// match the analyzer's row count and the consumer can account for it.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled, because
// downstream stages may still read them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	width int,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	r, err := NewDecodingReader(src, opt.String("encoding", EncodingUTF8))
	if err != nil {
		return err
	}
	cr := NewReader(r, opt.Rune("comma", ','))
	cr.LazyQuotes = opt.Bool("lazy_quotes", true)
	trim := opt.Bool("trim_space", false)
	limit := opt.Int("limit", 0)

	if opt.Bool("has_header", true) {
		if _, err := cr.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if onErr != nil {
				onErr(0, fmt.Errorf("read header: %w", err))
			}
			return err
		}
	}

	line := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if limit > 0 && line >= limit {
			return nil
		}

		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return err
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
		}

		row := transformer.GetRow(width)
		row.Line = line
		row.Err = err
		for i := 0; err == nil && i < width && i < len(rec); i++ {
			v := rec[i]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			row.V[i] = v
		}

		select {
		case out <- row:
		case <-ctx.Done():
			// do not re-pool on cancellation
			row.Drop()
			return ctx.Err()
		}
	}
}
