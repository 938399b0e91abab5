package model

import (
	"sort"
	"strings"
)

// DimensionType is the semantic role of a CSV column.
type DimensionType string

const (
	IndicatorName  DimensionType = "INDICATOR_NAME"
	IndicatorValue DimensionType = "INDICATOR_VALUE"
	Time           DimensionType = "TIME"
	Location       DimensionType = "LOCATION"
	Unit           DimensionType = "UNIT"
	Additional     DimensionType = "ADDITIONAL"
)

// DimensionTypes lists every type in classifier evaluation order.
var DimensionTypes = []DimensionType{Time, Location, IndicatorValue, IndicatorName, Unit, Additional}

// RequiredTypes must each be mapped by at least one column.
var RequiredTypes = []DimensionType{IndicatorName, IndicatorValue}

// ParseDimensionType accepts the canonical names case-insensitively.
func ParseDimensionType(s string) (DimensionType, error) {
	want := DimensionType(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range DimensionTypes {
		if t == want {
			return t, nil
		}
	}
	return "", BadRequestf("unknown dimension type %q", s)
}

// Mapping rule keys written by the classifier and read by the transformer.
const (
	RuleName           = "rule"
	RuleLowConfidence  = "low_confidence"
	RuleTimeFromHeader = "time_from_header"
	RuleDimensionName  = "dimension_name"
)

// ColumnMapping binds one column of one analysis to a dimension type.
type ColumnMapping struct {
	AnalysisID     string            `json:"analysis_id"`
	ColumnIndex    int               `json:"column_index"`
	Type           DimensionType     `json:"dimension_type"`
	IsAutoDetected bool              `json:"is_auto_detected"`
	Confidence     float64           `json:"confidence_score"`
	Rules          map[string]string `json:"mapping_rules,omitempty"`
}

// Rule returns a mapping rule value or "".
func (m ColumnMapping) Rule(key string) string {
	if m.Rules == nil {
		return ""
	}
	return m.Rules[key]
}

// SortMappings orders mappings by column index in place.
func SortMappings(ms []ColumnMapping) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].ColumnIndex < ms[j].ColumnIndex })
}

// MergeMapping replaces the mapping for the same column or appends m.
func MergeMapping(ms []ColumnMapping, m ColumnMapping) []ColumnMapping {
	for i := range ms {
		if ms[i].ColumnIndex == m.ColumnIndex {
			ms[i] = m
			return ms
		}
	}
	return append(ms, m)
}

// Orientation tells whether indicators are laid out as rows or as columns.
type Orientation string

const (
	OrientationRows    Orientation = "ROWS"
	OrientationColumns Orientation = "COLUMNS"
)
