package quality

import (
	"testing"

	"statload/internal/model"
)

func fact(valid bool, conf float64) model.Fact {
	v := 1.0
	f := model.Fact{Indicator: &model.DimRef{ID: 1}, Value: &v, Confidence: conf}
	if !valid {
		f.Value = nil
	}
	return f
}

func TestAssess(t *testing.T) {
	t.Parallel()

	r := Assessor{Threshold: 0.7}.Assess([]model.Fact{fact(true, 0.9), fact(true, 0.5), fact(false, 1), fact(true, 1)})
	if r.TotalRecords != 4 || r.ValidRecords != 3 || r.ErrorRecords != 1 || r.WarningRecords != 1 {
		t.Fatalf("report=%+v", r)
	}
	if r.QualityScore != 0.75 {
		t.Fatalf("score=%v want 0.75", r.QualityScore)
	}
	if len(r.Errors) != 1 || len(r.Warnings) != 1 {
		t.Fatalf("errors=%v warnings=%v", r.Errors, r.Warnings)
	}
}

func TestAssess_Empty(t *testing.T) {
	t.Parallel()

	r := Assessor{Threshold: 0.7}.Assess(nil)
	if r.QualityScore != 1 || r.TotalRecords != 0 {
		t.Fatalf("report=%+v", r)
	}
}

func TestAddRowErrors_KeepsCounts(t *testing.T) {
	t.Parallel()

	r := Assessor{}.Assess([]model.Fact{fact(true, 1)})
	r.AddRowErrors([]model.RowError{{Row: 2, Column: 1, Value: "n/a", Reason: "invalid number"}})
	if len(r.Errors) != 1 || r.ErrorRecords != 0 || r.QualityScore != 1 {
		t.Fatalf("report=%+v", r)
	}
	if r.Errors[0] != `row 2 column 1: invalid number "n/a"` {
		t.Fatalf("error=%q", r.Errors[0])
	}
}
