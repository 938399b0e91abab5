package classify

import (
	"context"
	"strings"
	"testing"

	"statload/internal/config"
	"statload/internal/model"
	"statload/internal/probe"
)

func analyze(t *testing.T, content string) model.CsvAnalysis {
	t.Helper()
	a, err := probe.AnalyzeReader(context.Background(), strings.NewReader(content), probe.Options{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	a.ID = "an-1"
	return a
}

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(config.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func byColumn(ms []model.ColumnMapping) map[int]model.ColumnMapping {
	out := map[int]model.ColumnMapping{}
	for _, m := range ms {
		out[m.ColumnIndex] = m
	}
	return out
}

func TestSuggest_YearsAsColumns(t *testing.T) {
	t.Parallel()

	a := analyze(t, "Country,Indicator,2020\nUSA,GDP,100\nCanada,GDP,90\n")
	got := byColumn(newClassifier(t).Suggest(a))

	want := []struct {
		col  int
		typ  model.DimensionType
		conf float64
	}{
		{0, model.Location, 0.9},
		{1, model.IndicatorName, 0.9},
		{2, model.IndicatorValue, 0.65},
	}
	for _, w := range want {
		m := got[w.col]
		if m.Type != w.typ || m.Confidence != w.conf {
			t.Fatalf("col %d: %s %.2f want %s %.2f", w.col, m.Type, m.Confidence, w.typ, w.conf)
		}
		if !m.IsAutoDetected || m.AnalysisID != "an-1" {
			t.Fatalf("col %d: mapping=%+v", w.col, m)
		}
	}
	if got[2].Rule(model.RuleTimeFromHeader) != "2020" || got[2].Rule(model.RuleLowConfidence) != "true" {
		t.Fatalf("year column rules=%v", got[2].Rules)
	}
	if got[0].Rule(model.RuleLowConfidence) != "" {
		t.Fatalf("confident mapping flagged: %v", got[0].Rules)
	}
}

func TestSuggest_LongFormat(t *testing.T) {
	t.Parallel()

	a := analyze(t, "Indicator,Year,Region,Unit,Sex,Value\n"+
		"GDP,2020,Vienna,EUR,Male,1\n"+
		"Population,2021,Styria,persons,Female,2\n"+
		"Exports,2022,Tyrol,EUR,Male,3.5\n")
	ms := newClassifier(t).Suggest(a)
	got := byColumn(ms)

	types := []model.DimensionType{model.IndicatorName, model.Time, model.Location, model.Unit, model.Additional, model.IndicatorValue}
	for i, want := range types {
		if got[i].Type != want {
			t.Fatalf("col %d (%s): %s want %s", i, a.Headers[i], got[i].Type, want)
		}
	}
	if got[1].Confidence != 0.95 {
		t.Fatalf("year confidence=%v want 0.95", got[1].Confidence)
	}
	if got[5].Confidence != 0.9 {
		t.Fatalf("value confidence=%v want 0.9", got[5].Confidence)
	}

	for i := 1; i < len(ms); i++ {
		if ms[i-1].Confidence < ms[i].Confidence {
			t.Fatalf("not sorted by confidence: %v", ms)
		}
		if ms[i-1].Confidence == ms[i].Confidence && ms[i-1].ColumnIndex > ms[i].ColumnIndex {
			t.Fatalf("ties not ordered by column: %v", ms)
		}
	}
}

func TestSuggest_NameByUniqueness(t *testing.T) {
	t.Parallel()

	a := analyze(t, "Series code,Amount,Comment\nA,1,x\nB,2,x\nC,3,y\n")
	got := byColumn(newClassifier(t).Suggest(a))
	if got[0].Type != model.IndicatorName || got[0].Rule(model.RuleName) != RuleNameHeader {
		t.Fatalf("col0=%+v", got[0])
	}

	a = analyze(t, "Code,Amount,Comment\nA,1,x\nB,2,x\nC,3,y\n")
	got = byColumn(newClassifier(t).Suggest(a))
	if got[0].Type != model.IndicatorName || got[0].Confidence != 0.9 {
		t.Fatalf("uniqueness name col0=%+v", got[0])
	}
	// Only the first qualifying text column can be the name.
	if got[2].Type != model.Additional || got[2].Confidence != 0.6 {
		t.Fatalf("col2=%+v", got[2])
	}
}

func TestSuggest_TimeHeaderKeyword(t *testing.T) {
	t.Parallel()

	a := analyze(t, "Reporting period,Value\nH1,1\nH2,2\n")
	got := byColumn(newClassifier(t).Suggest(a))
	if got[0].Type != model.Time || got[0].Confidence != 0.85 || got[0].Rule(model.RuleName) != RuleTimeHeader {
		t.Fatalf("col0=%+v", got[0])
	}
}

func TestSuggest_CustomTimePattern(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.TimePatterns = []string{`^H[12]$`}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	a := analyze(t, "Half,Value\nH1,1\nH2,2\n")
	if got := byColumn(c.Suggest(a)); got[0].Type != model.Time || got[0].Confidence != 0.95 {
		t.Fatalf("col0=%+v", got[0])
	}

	cfg.TimePatterns = []string{"("}
	if _, err := New(cfg); model.Code(err) != model.CodeBadRequest {
		t.Fatalf("bad pattern err=%v", err)
	}
}

func TestSuggest_EmptyColumn(t *testing.T) {
	t.Parallel()

	a := analyze(t, "Indicator,Notes,Value\nGDP,,1\n")
	got := byColumn(newClassifier(t).Suggest(a))
	if got[1].Type != model.Additional || got[1].Confidence != 0.3 || got[1].Rule(model.RuleLowConfidence) != "true" {
		t.Fatalf("col1=%+v", got[1])
	}
}

func TestHeaderHas(t *testing.T) {
	t.Parallel()

	if !headerHas("Regions", locationKeywords) || !headerHas("Berichts-Jahr", timeKeywords) {
		t.Fatalf("expected keyword match")
	}
	if headerHas("Update", timeKeywords) || headerHas("Island", locationKeywords) {
		t.Fatalf("substring must not match")
	}
}

func TestTimeConfidenceGrowsWithYearShare(t *testing.T) {
	t.Parallel()

	text := func(i int, vs ...string) model.CsvColumn {
		return model.CsvColumn{Index: i, Name: "Col", DataType: model.DataTypeText, SampleValues: vs,
			NonEmptyCount: len(vs), UniqueCount: len(vs)}
	}
	years := text(0, "2019", "2020", "2021", "2022")
	years.DataType = model.DataTypeNumeric
	years.NumericCount = 4

	a := model.CsvAnalysis{
		ID:        "an-1",
		HasHeader: true,
		Headers:   []string{"Col", "Col", "Col"},
		Columns: []model.CsvColumn{
			years,
			text(1, "2019", "2020", "alpha", "beta"),
			text(2, "alpha", "beta", "gamma", "delta"),
		},
	}
	c := newClassifier(t)
	s := c.newSheet(a)

	cases := []struct {
		share float64
		col   int
	}{
		{1, 0},
		{0.5, 1},
		{0, 2},
	}
	prev := 2.0
	for _, tc := range cases {
		got := scoreTime(c, a.Columns[tc.col], s).Confidence
		if got > prev {
			t.Fatalf("share %.1f: time confidence %.3f above %.3f of a larger share", tc.share, got, prev)
		}
		if want := 0.95 * tc.share; got != want {
			t.Fatalf("share %.1f: time confidence %.3f want %.3f", tc.share, got, want)
		}
		prev = got
	}

	m := byColumn(c.Suggest(a))[0]
	if m.Type != model.Time || m.Confidence != 0.95 {
		t.Fatalf("all-years column: %s %.2f want TIME 0.95", m.Type, m.Confidence)
	}
}
