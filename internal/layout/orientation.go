// Package layout detects how indicators are laid out in a file and
// summarizes the distinct values found on each dimension axis.
package layout

import "statload/internal/model"

// Detect returns COLUMNS when at least two columns map to INDICATOR_NAME and
// exactly one maps to TIME; every other mapping set is ROWS.
func Detect(ms []model.ColumnMapping, headers []string) model.Orientation {
	names, times := 0, 0
	for _, m := range ms {
		switch m.Type {
		case model.IndicatorName:
			names++
		case model.Time:
			times++
		}
	}
	if names >= 2 && times == 1 {
		return model.OrientationColumns
	}
	return model.OrientationRows
}
