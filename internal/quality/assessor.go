// Package quality scores a batch of facts.
package quality

import (
	"fmt"

	"statload/internal/model"
)

// Report is the outcome of one assessment.
type Report struct {
	TotalRecords   int      `json:"total_records"`
	ValidRecords   int      `json:"valid_records"`
	ErrorRecords   int      `json:"error_records"`
	WarningRecords int      `json:"warning_records"`
	QualityScore   float64  `json:"quality_score"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
}

// Assessor flags invalid facts and low-confidence valid ones.
type Assessor struct {
	Threshold float64
}

// Assess is pure: the score is valid/total, 1.0 for no facts.
func (as Assessor) Assess(facts []model.Fact) Report {
	r := Report{TotalRecords: len(facts), Errors: []string{}, Warnings: []string{}}
	for _, f := range facts {
		if !f.Valid() {
			r.ErrorRecords++
			r.Errors = append(r.Errors, fmt.Sprintf("row %d column %d: %s", f.SourceRow, f.SourceColumn, missing(f)))
			continue
		}
		r.ValidRecords++
		if f.Confidence < as.Threshold {
			r.WarningRecords++
			r.Warnings = append(r.Warnings, fmt.Sprintf("row %d column %d: low confidence %.2f", f.SourceRow, f.SourceColumn, f.Confidence))
		}
	}
	r.QualityScore = 1
	if r.TotalRecords > 0 {
		r.QualityScore = float64(r.ValidRecords) / float64(r.TotalRecords)
	}
	return r
}

func missing(f model.Fact) string {
	switch {
	case f.Indicator == nil && f.Value == nil:
		return "missing indicator and value"
	case f.Indicator == nil:
		return "missing indicator"
	default:
		return "missing value"
	}
}

// AddRowErrors appends row-level processing errors to Errors. Record counts
// and the score are unchanged.
func (r *Report) AddRowErrors(errs []model.RowError) {
	for _, e := range errs {
		if e.Value != "" {
			r.Errors = append(r.Errors, fmt.Sprintf("row %d column %d: %s %q", e.Row, e.Column, e.Reason, e.Value))
			continue
		}
		r.Errors = append(r.Errors, fmt.Sprintf("row %d column %d: %s", e.Row, e.Column, e.Reason))
	}
}
