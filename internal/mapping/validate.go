package mapping

import (
	"fmt"

	"statload/internal/model"
)

// ValidationResult summarizes a mapping set.
type ValidationResult struct {
	IsValid          bool                  `json:"is_valid"`
	Errors           []string              `json:"errors"`
	Warnings         []string              `json:"warnings"`
	TotalMappings    int                   `json:"total_mappings"`
	RequiredMappings int                   `json:"required_mappings"`
	MissingMappings  []model.DimensionType `json:"missing_mappings"`
}

// ValidateMappings reports one error per missing required type, in
// INDICATOR_NAME, INDICATOR_VALUE order, and warns about low-confidence
// auto-detected mappings and columns outside the analysis.
func ValidateMappings(ms []model.ColumnMapping, a model.CsvAnalysis, threshold float64) ValidationResult {
	res := ValidationResult{
		Errors:           []string{},
		Warnings:         []string{},
		TotalMappings:    len(ms),
		RequiredMappings: len(model.RequiredTypes),
		MissingMappings:  []model.DimensionType{},
	}

	sorted := append([]model.ColumnMapping(nil), ms...)
	model.SortMappings(sorted)

	have := map[model.DimensionType]bool{}
	for _, m := range sorted {
		have[m.Type] = true
	}
	for _, t := range model.RequiredTypes {
		if !have[t] {
			res.MissingMappings = append(res.MissingMappings, t)
			res.Errors = append(res.Errors, fmt.Sprintf("Missing required mapping: %s", t))
		}
	}

	for _, m := range sorted {
		if m.ColumnIndex < 0 || m.ColumnIndex >= a.ColumnCount {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("Mapping for column %d is outside the file (%d columns)", m.ColumnIndex, a.ColumnCount))
			continue
		}
		if m.IsAutoDetected && m.Confidence < threshold {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("Low confidence mapping for column %d (%s): %s %.2f", m.ColumnIndex, a.Headers[m.ColumnIndex], m.Type, m.Confidence))
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
