package layout

import (
	"context"
	"fmt"
	"strings"

	"statload/internal/model"
	"statload/internal/transformer"
	"statload/internal/transformer/builtin"
)

// axisCap bounds the distinct values kept per axis.
const axisCap = 10000

// Axis is the distinct values of one dimension in first-seen order.
type Axis struct {
	Name   string              `json:"name"`
	Type   model.DimensionType `json:"type"`
	Values []string            `json:"values"`
	Capped bool                `json:"capped,omitempty"`

	seen map[string]struct{}
}

func newAxis(name string, t model.DimensionType) *Axis {
	return &Axis{Name: name, Type: t, Values: []string{}, seen: map[string]struct{}{}}
}

func (a *Axis) add(raw string) {
	v := model.NormalizeValue(raw)
	if v == "" || a.Capped {
		return
	}
	if _, ok := a.seen[v]; ok {
		return
	}
	if len(a.Values) >= axisCap {
		a.Capped = true
		a.seen = nil
		return
	}
	a.seen[v] = struct{}{}
	a.Values = append(a.Values, v)
}

// Summary describes the dimensional shape of one mapped file.
type Summary struct {
	Orientation       model.Orientation     `json:"orientation"`
	Indicator         *Axis                 `json:"indicator"`
	Time              *Axis                 `json:"time"`
	Location          *Axis                 `json:"location"`
	Additional        []*Axis               `json:"additional"`
	TotalDimensions   int                   `json:"total_dimensions"`
	IsComplete        bool                  `json:"is_complete"`
	MissingDimensions []model.DimensionType `json:"missing_dimensions"`
	RowsScanned       int                   `json:"rows_scanned"`
}

type column struct {
	idx  int
	axis *Axis
}

// builder accumulates a Summary row by row.
type builder struct {
	sum       Summary
	cols      []column
	valueCols []int
	valueSeen bool
}

func newBuilder(a model.CsvAnalysis, ms []model.ColumnMapping, o model.Orientation) *builder {
	sorted := append([]model.ColumnMapping(nil), ms...)
	model.SortMappings(sorted)

	b := &builder{sum: Summary{
		Orientation:       o,
		Indicator:         newAxis("indicator", model.IndicatorName),
		Time:              newAxis("time", model.Time),
		Location:          newAxis("location", model.Location),
		Additional:        []*Axis{},
		MissingDimensions: []model.DimensionType{},
	}}
	header := func(i int) string {
		if i < len(a.Headers) && strings.TrimSpace(a.Headers[i]) != "" {
			return strings.TrimSpace(a.Headers[i])
		}
		return fmt.Sprintf("Column_%d", i+1)
	}
	extra := func(m model.ColumnMapping, name string) {
		ax := newAxis(name, m.Type)
		b.sum.Additional = append(b.sum.Additional, ax)
		b.cols = append(b.cols, column{idx: m.ColumnIndex, axis: ax})
	}

	var (
		count   = map[model.DimensionType]int{}
		nameSet bool
		timeSet bool
		locSet  bool
		values  []model.ColumnMapping
	)
	for _, m := range sorted {
		if m.ColumnIndex < 0 || m.ColumnIndex >= a.ColumnCount {
			continue
		}
		count[m.Type]++
		switch m.Type {
		case model.IndicatorValue:
			values = append(values, m)
		case model.IndicatorName:
			switch {
			case o == model.OrientationColumns:
				values = append(values, m)
			case !nameSet:
				nameSet = true
				b.cols = append(b.cols, column{idx: m.ColumnIndex, axis: b.sum.Indicator})
			default:
				extra(m, header(m.ColumnIndex))
			}
		case model.Time:
			if !timeSet {
				timeSet = true
				b.cols = append(b.cols, column{idx: m.ColumnIndex, axis: b.sum.Time})
			} else {
				extra(m, header(m.ColumnIndex))
			}
		case model.Location:
			if !locSet {
				locSet = true
				b.cols = append(b.cols, column{idx: m.ColumnIndex, axis: b.sum.Location})
			} else {
				extra(m, header(m.ColumnIndex))
			}
		case model.Unit:
			extra(m, header(m.ColumnIndex))
		case model.Additional:
			name := strings.TrimSpace(m.Rule(model.RuleDimensionName))
			if name == "" {
				name = header(m.ColumnIndex)
			}
			extra(m, name)
		}
	}

	for _, m := range values {
		b.valueCols = append(b.valueCols, m.ColumnIndex)
		h := header(m.ColumnIndex)
		if o == model.OrientationColumns || !nameSet {
			b.sum.Indicator.add(h)
		}
		if !timeSet {
			if tl := m.Rule(model.RuleTimeFromHeader); tl != "" {
				b.sum.Time.add(tl)
			} else if builtin.IsTimeLabel(h) {
				b.sum.Time.add(h)
			}
		}
	}

	colsCountBoth := o == model.OrientationColumns && count[model.IndicatorName] >= 2
	for _, t := range model.RequiredTypes {
		if count[t] == 0 && !colsCountBoth {
			b.sum.MissingDimensions = append(b.sum.MissingDimensions, t)
		}
	}
	return b
}

func (b *builder) add(rec []string) {
	b.sum.RowsScanned++
	for _, c := range b.cols {
		if c.idx < len(rec) {
			c.axis.add(rec[c.idx])
		}
	}
	if b.valueSeen {
		return
	}
	for _, i := range b.valueCols {
		if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
			b.valueSeen = true
			return
		}
	}
}

func (b *builder) finish() Summary {
	s := b.sum
	for _, ax := range append([]*Axis{s.Indicator, s.Time, s.Location}, s.Additional...) {
		if len(ax.Values) > 0 {
			s.TotalDimensions++
		}
	}
	s.IsComplete = len(s.MissingDimensions) == 0 && b.valueSeen
	return s
}

// Summarize builds the summary of already materialized data rows.
func Summarize(rows [][]string, a model.CsvAnalysis, ms []model.ColumnMapping, o model.Orientation) Summary {
	b := newBuilder(a, ms, o)
	for _, r := range rows {
		b.add(r)
	}
	return b.finish()
}

// MappingSource supplies the analysis and mappings of a job.
type MappingSource interface {
	Analysis(ctx context.Context, jobID string) (model.CsvAnalysis, error)
	Mappings(ctx context.Context, jobID string) ([]model.ColumnMapping, error)
}

// Summarizer scans a job's file once to build its Summary.
type Summarizer struct {
	Mappings MappingSource
	Source   transformer.RowSource
}

func (s *Summarizer) Summarize(ctx context.Context, jobID string) (Summary, error) {
	a, err := s.Mappings.Analysis(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	ms, err := s.Mappings.Mappings(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	if len(ms) == 0 {
		return Summary{}, model.BadRequestf("No dimension mappings found")
	}
	b := newBuilder(a, ms, Detect(ms, a.Headers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows := make(chan *transformer.Row, 256)
	errc := make(chan error, 1)
	go func() {
		defer close(rows)
		errc <- s.Source.StreamRows(ctx, a, rows)
	}()
	for r := range rows {
		if r.Err == nil {
			b.add(r.Strings())
		}
		r.Free()
	}
	if err := <-errc; err != nil {
		return Summary{}, fmt.Errorf("layout: scan %s: %w", a.Filename, err)
	}
	return b.finish(), nil
}
