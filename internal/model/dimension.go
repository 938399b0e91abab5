package model

import "strings"

// DimKind names a dimension dictionary.
type DimKind string

const (
	DimTime      DimKind = "time"
	DimLocation  DimKind = "location"
	DimGeneric   DimKind = "generic"
	DimIndicator DimKind = "indicator"
)

// UnitDimensionName is the generic dimension label used for UNIT columns.
const UnitDimensionName = "unit"

// DimRef references one dictionary row.
type DimRef struct {
	ID    int64   `json:"id"`
	Kind  DimKind `json:"kind"`
	Name  string  `json:"name,omitempty"`
	Value string  `json:"value"`
	Year  *int    `json:"year,omitempty"`
	Month *int    `json:"month,omitempty"`
}

// NormalizeValue trims and collapses runs of whitespace. Case is preserved.
func NormalizeValue(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
