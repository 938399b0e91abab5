package extracthtml

import (
	"encoding/json"
	"fmt"
	"os"
)

// TableSpec selects one HTML table and how its cells become CSV fields.
type TableSpec struct {
	// Selector matches candidate tables. Defaults to "table".
	Selector string `json:"selector,omitempty"`
	// Index picks among the matches, 0-based.
	Index int `json:"index,omitempty"`
	// Match is an optional regex applied to every cell; group 1 (or the full
	// match) replaces the cell text and non-matching cells become empty.
	Match string `json:"match,omitempty"`
	// SkipEmptyRows drops rows whose cells are all blank.
	SkipEmptyRows bool `json:"skip_empty_rows,omitempty"`
}

func (s TableSpec) selector() string {
	if s.Selector == "" {
		return "table"
	}
	return s.Selector
}

// LoadTableSpec loads a JSON table spec file.
func LoadTableSpec(path string) (TableSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TableSpec{}, fmt.Errorf("read table spec: %w", err)
	}

	var ts TableSpec
	if err := json.Unmarshal(b, &ts); err != nil {
		return TableSpec{}, fmt.Errorf("parse table spec json: %w", err)
	}
	if ts.Index < 0 {
		return TableSpec{}, fmt.Errorf("table spec index must be >= 0")
	}
	return ts, nil
}
