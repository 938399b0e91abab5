package transformer

import (
	"strconv"
	"strings"

	"statload/internal/model"
	"statload/internal/transformer/builtin"
)

// dimColumn is one column feeding a dimension of every fact of its row.
type dimColumn struct {
	col  int
	typ  model.DimensionType
	name string // generic dimension label
	conf float64
}

// valueColumn is one column whose cells become facts.
type valueColumn struct {
	col  int
	conf float64
	// indicator names the indicator for every cell; "" takes the row's
	// INDICATOR_NAME cell.
	indicator string
	// timeLabel is the header-derived period used when no TIME column exists.
	timeLabel string
}

// Plan is the compiled column layout of one analysis.
//
// Build it once per job with Compile; it is read-only afterwards and safe to
// share between goroutines.
type Plan struct {
	Filename    string
	Width       int
	Orientation model.Orientation

	// Stamped onto every produced fact.
	UploadJobID     string
	ProcessingJobID string
	Direction       string

	indicator *dimColumn
	time      *dimColumn
	location  *dimColumn
	generics  []dimColumn
	values    []valueColumn
}

// ValueColumns returns the indexes of the columns that produce facts.
func (p *Plan) ValueColumns() []int {
	out := make([]int, len(p.values))
	for i, v := range p.values {
		out[i] = v.col
	}
	return out
}

// Compile assigns a role to every mapped column.
//
// ROWS: the first INDICATOR_NAME column names the indicator of its row and
// further INDICATOR_NAME columns become generic dimensions. Without any
// INDICATOR_NAME column the value header names the indicator.
// COLUMNS: every INDICATOR_NAME and INDICATOR_VALUE column is an indicator
// named by its header.
// Only the first TIME and LOCATION columns feed the fact's time and location;
// repeats are kept as generic dimensions named by header.
func Compile(a model.CsvAnalysis, mappings []model.ColumnMapping, o model.Orientation) (*Plan, error) {
	if len(mappings) == 0 {
		return nil, model.BadRequestf("transformer: no dimension mappings")
	}
	if o != model.OrientationColumns {
		o = model.OrientationRows
	}
	ms := append([]model.ColumnMapping(nil), mappings...)
	model.SortMappings(ms)

	p := &Plan{
		Filename:    a.Filename,
		Width:       a.ColumnCount,
		Orientation: o,
		UploadJobID: a.JobID,
	}
	var valueMs []model.ColumnMapping
	for _, m := range ms {
		if m.ColumnIndex < 0 || m.ColumnIndex >= a.ColumnCount {
			return nil, model.BadRequestf("transformer: column %d out of range (file has %d)", m.ColumnIndex, a.ColumnCount)
		}
		header := headerOf(a, m.ColumnIndex)
		d := dimColumn{col: m.ColumnIndex, typ: m.Type, conf: m.Confidence}

		switch m.Type {
		case model.IndicatorValue:
			valueMs = append(valueMs, m)
		case model.IndicatorName:
			switch {
			case o == model.OrientationColumns:
				valueMs = append(valueMs, m)
			case p.indicator == nil:
				p.indicator = &d
			default:
				d.typ, d.name = model.Additional, header
				p.generics = append(p.generics, d)
			}
		case model.Time:
			if p.time == nil {
				p.time = &d
			} else {
				d.typ, d.name = model.Additional, header
				p.generics = append(p.generics, d)
			}
		case model.Location:
			if p.location == nil {
				p.location = &d
			} else {
				d.typ, d.name = model.Additional, header
				p.generics = append(p.generics, d)
			}
		case model.Unit:
			d.name = model.UnitDimensionName
			p.generics = append(p.generics, d)
		case model.Additional:
			d.name = firstNonEmpty(m.Rule(model.RuleDimensionName), header)
			p.generics = append(p.generics, d)
		default:
			return nil, model.BadRequestf("transformer: column %d: unknown dimension type %q", m.ColumnIndex, m.Type)
		}
	}
	if len(valueMs) == 0 {
		return nil, model.BadRequestf("transformer: no indicator value column mapped")
	}

	for _, m := range valueMs {
		header := headerOf(a, m.ColumnIndex)
		v := valueColumn{col: m.ColumnIndex, conf: m.Confidence}
		if o == model.OrientationColumns || p.indicator == nil {
			v.indicator = header
		}
		if p.time == nil {
			v.timeLabel = m.Rule(model.RuleTimeFromHeader)
			if v.timeLabel == "" && builtin.IsTimeLabel(header) {
				v.timeLabel = header
			}
		}
		p.values = append(p.values, v)
	}
	return p, nil
}

func headerOf(a model.CsvAnalysis, i int) string {
	if i < len(a.Headers) {
		if h := strings.TrimSpace(a.Headers[i]); h != "" {
			return h
		}
	}
	return "Column_" + strconv.Itoa(i+1)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
