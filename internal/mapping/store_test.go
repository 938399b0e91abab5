package mapping

import (
	"context"
	"testing"
	"time"

	"statload/internal/classify"
	"statload/internal/config"
	"statload/internal/model"
	"statload/internal/storage/memory"
)

func seed(t *testing.T) (*Store, *memory.Repo) {
	t.Helper()
	repo := memory.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := model.CsvAnalysis{ID: "old", JobID: "job", Filename: "old.csv", HasHeader: true,
		Headers: []string{"x"}, ColumnCount: 1, UpdatedAt: now}
	cur := model.CsvAnalysis{ID: "cur", JobID: "job", Filename: "a.csv", HasHeader: true,
		Headers: []string{"Indicator", "Year", "Value"}, ColumnCount: 3, UpdatedAt: now.Add(time.Hour),
		Columns: []model.CsvColumn{
			{Index: 0, Name: "Indicator", DataType: model.DataTypeText, SampleValues: []string{"GDP", "CPI"}, NonEmptyCount: 2, UniqueCount: 2},
			{Index: 1, Name: "Year", DataType: model.DataTypeNumeric, SampleValues: []string{"2020", "2021"}, NonEmptyCount: 2, NumericCount: 2, UniqueCount: 2},
			{Index: 2, Name: "Value", DataType: model.DataTypeNumeric, SampleValues: []string{"1", "2"}, NonEmptyCount: 2, NumericCount: 2, UniqueCount: 2},
		}}
	for _, a := range []model.CsvAnalysis{old, cur} {
		if err := repo.SaveAnalysis(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	c, err := classify.New(config.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	return &Store{Repo: repo, Classifier: c, Threshold: 0.7}, repo
}

func TestSetMapping_UpsertsOnLatestAnalysis(t *testing.T) {
	t.Parallel()

	s, repo := seed(t)
	ctx := context.Background()

	m, err := s.SetMapping(ctx, "job", 0, "indicator_name", map[string]string{"note": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if m.AnalysisID != "cur" || m.Confidence != 1 || m.IsAutoDetected {
		t.Fatalf("mapping=%+v", m)
	}
	if _, err := s.SetMapping(ctx, "job", 0, "ADDITIONAL", nil); err != nil {
		t.Fatal(err)
	}
	ms, _ := repo.FindColumnMappings(ctx, "cur")
	if len(ms) != 1 || ms[0].Type != model.Additional {
		t.Fatalf("mappings=%+v want one ADDITIONAL", ms)
	}

	if _, err := s.SetMappingFor(ctx, "job", "old.csv", 0, "TIME", nil); err != nil {
		t.Fatal(err)
	}
	if ms, _ := repo.FindColumnMappings(ctx, "old"); len(ms) != 1 {
		t.Fatalf("old.csv mappings=%+v", ms)
	}
}

func TestSetMapping_Errors(t *testing.T) {
	t.Parallel()

	s, _ := seed(t)
	ctx := context.Background()

	cases := []struct {
		name string
		job  string
		col  int
		typ  string
		code string
	}{
		{"unknown job", "nope", 0, "TIME", model.CodeNotFound},
		{"column out of range", "job", 3, "TIME", model.CodeBadRequest},
		{"negative column", "job", -1, "TIME", model.CodeBadRequest},
		{"unknown type", "job", 0, "COLOR", model.CodeBadRequest},
	}
	for _, tc := range cases {
		_, err := s.SetMapping(ctx, tc.job, tc.col, tc.typ, nil)
		if got := model.Code(err); got != tc.code {
			t.Fatalf("%s: code=%s want %s (err=%v)", tc.name, got, tc.code, err)
		}
	}
}

func TestAutoMap_KeepsExplicitMappings(t *testing.T) {
	t.Parallel()

	s, _ := seed(t)
	ctx := context.Background()

	if _, err := s.SetMapping(ctx, "job", 1, "ADDITIONAL", nil); err != nil {
		t.Fatal(err)
	}
	accepted, err := s.AutoMap(ctx, "job")
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 2 {
		t.Fatalf("accepted=%+v want 2 (column 1 is explicit)", accepted)
	}

	ms, err := s.Mappings(ctx, "job")
	if err != nil {
		t.Fatal(err)
	}
	want := []model.DimensionType{model.IndicatorName, model.Additional, model.IndicatorValue}
	if len(ms) != len(want) {
		t.Fatalf("mappings=%+v", ms)
	}
	for i, w := range want {
		if ms[i].ColumnIndex != i || ms[i].Type != w {
			t.Fatalf("ms[%d]=%+v want %s", i, ms[i], w)
		}
	}
	if ms[1].IsAutoDetected || !ms[0].IsAutoDetected {
		t.Fatalf("auto flags wrong: %+v", ms)
	}

	res, err := s.Validate(ctx, "job")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsValid || res.TotalMappings != 3 || res.RequiredMappings != 2 {
		t.Fatalf("validation=%+v", res)
	}
}

func TestAccept_MinConfidence(t *testing.T) {
	t.Parallel()

	s, _ := seed(t)
	ctx := context.Background()
	sugg := []model.ColumnMapping{
		{ColumnIndex: 0, Type: model.IndicatorName, Confidence: 0.9},
		{ColumnIndex: 2, Type: model.IndicatorValue, Confidence: 0.5},
	}
	got, err := s.Accept(ctx, "job", sugg, 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ColumnIndex != 0 || got[0].AnalysisID != "cur" || !got[0].IsAutoDetected {
		t.Fatalf("accepted=%+v", got)
	}
}

func TestValidateMappings(t *testing.T) {
	t.Parallel()

	a := model.CsvAnalysis{Headers: []string{"A", "B"}, ColumnCount: 2}

	res := ValidateMappings(nil, a, 0.7)
	if res.IsValid || len(res.Errors) != 2 || res.Errors[0] != "Missing required mapping: INDICATOR_NAME" ||
		res.Errors[1] != "Missing required mapping: INDICATOR_VALUE" {
		t.Fatalf("empty set=%+v", res)
	}

	ms := []model.ColumnMapping{
		{ColumnIndex: 1, Type: model.IndicatorValue, IsAutoDetected: true, Confidence: 0.65},
		{ColumnIndex: 0, Type: model.IndicatorName, Confidence: 1},
		{ColumnIndex: 7, Type: model.Time, Confidence: 1},
	}
	res = ValidateMappings(ms, a, 0.7)
	if !res.IsValid || len(res.MissingMappings) != 0 {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings=%v want low confidence + out of range", res.Warnings)
	}
	again := ValidateMappings(ms, a, 0.7)
	if len(again.Warnings) != 2 || again.Warnings[0] != res.Warnings[0] {
		t.Fatalf("not deterministic: %v vs %v", res.Warnings, again.Warnings)
	}
}
