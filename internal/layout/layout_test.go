package layout

import (
	"reflect"
	"testing"

	"statload/internal/model"
)

func m(col int, t model.DimensionType) model.ColumnMapping {
	return model.ColumnMapping{ColumnIndex: col, Type: t, Confidence: 1}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ms   []model.ColumnMapping
		want model.Orientation
	}{
		{"long", []model.ColumnMapping{m(0, model.IndicatorName), m(1, model.Time), m(2, model.IndicatorValue)}, model.OrientationRows},
		{"wide", []model.ColumnMapping{m(0, model.Time), m(1, model.IndicatorName), m(2, model.IndicatorName)}, model.OrientationColumns},
		{"wide without time", []model.ColumnMapping{m(0, model.IndicatorName), m(1, model.IndicatorName)}, model.OrientationRows},
		{"two times", []model.ColumnMapping{m(0, model.Time), m(1, model.Time), m(2, model.IndicatorName), m(3, model.IndicatorName)}, model.OrientationRows},
		{"empty", nil, model.OrientationRows},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Detect(tt.ms, nil); got != tt.want {
				t.Fatalf("Detect=%s want %s", got, tt.want)
			}
		})
	}
}

func TestSummarize_Rows(t *testing.T) {
	t.Parallel()

	a := model.CsvAnalysis{Headers: []string{"Indicator", "Year", "Country", "Sex", "Value"}, ColumnCount: 5}
	sex := m(3, model.Additional)
	sex.Rules = map[string]string{model.RuleDimensionName: "gender"}
	ms := []model.ColumnMapping{m(0, model.IndicatorName), m(1, model.Time), m(2, model.Location), sex, m(4, model.IndicatorValue)}
	rows := [][]string{
		{"GDP", "2020", "AT", "M", "1"},
		{"GDP", "2021", "AT", "F", "2"},
		{"CPI", "2020", " DE ", "", ""},
	}

	s := Summarize(rows, a, ms, Detect(ms, a.Headers))
	if !reflect.DeepEqual(s.Indicator.Values, []string{"GDP", "CPI"}) {
		t.Fatalf("indicators=%v", s.Indicator.Values)
	}
	if !reflect.DeepEqual(s.Location.Values, []string{"AT", "DE"}) {
		t.Fatalf("locations=%v", s.Location.Values)
	}
	if len(s.Additional) != 1 || s.Additional[0].Name != "gender" || len(s.Additional[0].Values) != 2 {
		t.Fatalf("additional=%+v", s.Additional)
	}
	if s.TotalDimensions != 4 || !s.IsComplete || len(s.MissingDimensions) != 0 || s.RowsScanned != 3 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestSummarize_ColumnsAndIncomplete(t *testing.T) {
	t.Parallel()

	a := model.CsvAnalysis{Headers: []string{"Year", "GDP", "Population"}, ColumnCount: 3}
	ms := []model.ColumnMapping{m(0, model.Time), m(1, model.IndicatorName), m(2, model.IndicatorName)}
	s := Summarize([][]string{{"2020", "1", "2"}}, a, ms, model.OrientationColumns)
	if !reflect.DeepEqual(s.Indicator.Values, []string{"GDP", "Population"}) || !s.IsComplete {
		t.Fatalf("columns summary=%+v", s)
	}

	// No value cell observed.
	s = Summarize([][]string{{"2020", "", ""}}, a, ms, model.OrientationColumns)
	if s.IsComplete {
		t.Fatalf("complete without values")
	}

	// Missing INDICATOR_VALUE in ROWS orientation.
	s = Summarize([][]string{{"2020", "x", "y"}}, a, ms[:2], model.OrientationRows)
	if s.IsComplete || !reflect.DeepEqual(s.MissingDimensions, []model.DimensionType{model.IndicatorValue}) {
		t.Fatalf("missing=%v complete=%v", s.MissingDimensions, s.IsComplete)
	}
}

func TestSummarize_TimeFromHeader(t *testing.T) {
	t.Parallel()

	a := model.CsvAnalysis{Headers: []string{"Indicator", "2020", "2021"}, ColumnCount: 3}
	ms := []model.ColumnMapping{m(0, model.IndicatorName), m(1, model.IndicatorValue), m(2, model.IndicatorValue)}
	s := Summarize([][]string{{"GDP", "1", "2"}}, a, ms, model.OrientationRows)
	if !reflect.DeepEqual(s.Time.Values, []string{"2020", "2021"}) {
		t.Fatalf("times=%v", s.Time.Values)
	}
}
