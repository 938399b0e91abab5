package probe

import (
	"strings"

	"statload/internal/model"
	"statload/internal/transformer/builtin"
)

// distinctCapPerColumn bounds distinct counting; once reached the set is
// dropped and UniqueCount stays at the cap.
const distinctCapPerColumn = 10000

// typeShare is the share of non-empty values a type needs to win.
const typeShare = 0.8

type columnAcc struct {
	col    model.CsvColumn
	set    map[string]struct{}
	capped bool
}

// statsAcc accumulates per-column statistics over preview rows.
type statsAcc struct {
	cols        []columnAcc
	sampleLimit int
}

func newStatsAcc(headers []string, sampleLimit int) *statsAcc {
	s := &statsAcc{cols: make([]columnAcc, len(headers)), sampleLimit: sampleLimit}
	for i, h := range headers {
		s.cols[i] = columnAcc{
			col: model.CsvColumn{Index: i, Name: h, SampleValues: []string{}},
			set: map[string]struct{}{},
		}
	}
	return s
}

func (s *statsAcc) add(rec []string) {
	for i := range s.cols {
		c := &s.cols[i]
		if i >= len(rec) {
			c.col.NullCount++
			continue
		}
		v := strings.TrimSpace(rec[i])
		if v == "" {
			c.col.EmptyCount++
			continue
		}
		c.col.NonEmptyCount++
		if _, ok := builtin.ParseDecimal(v); ok {
			c.col.NumericCount++
		} else if builtin.IsDateLike(v) {
			c.col.DateCount++
		}

		if c.capped {
			continue
		}
		if _, ok := c.set[v]; ok {
			continue
		}
		c.set[v] = struct{}{}
		if len(c.col.SampleValues) < s.sampleLimit {
			c.col.SampleValues = append(c.col.SampleValues, v)
		}
		if len(c.set) >= distinctCapPerColumn {
			c.capped = true
			c.set = nil
		}
	}
}

func (s *statsAcc) columns() []model.CsvColumn {
	out := make([]model.CsvColumn, len(s.cols))
	for i := range s.cols {
		c := s.cols[i].col
		if s.cols[i].capped {
			c.UniqueCount = distinctCapPerColumn
		} else {
			c.UniqueCount = len(s.cols[i].set)
		}
		c.DataType = dataType(c)
		out[i] = c
	}
	return out
}

func dataType(c model.CsvColumn) string {
	if c.NonEmptyCount == 0 {
		return model.DataTypeEmpty
	}
	n := float64(c.NonEmptyCount)
	switch {
	case float64(c.NumericCount)/n >= typeShare:
		return model.DataTypeNumeric
	case float64(c.DateCount)/n >= typeShare:
		return model.DataTypeDate
	default:
		return model.DataTypeText
	}
}
