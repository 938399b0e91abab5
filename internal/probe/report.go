package probe

import (
	"fmt"
	"sort"
	"strings"

	"statload/internal/model"
)

// FormatReport renders the analysis for terminals: a summary line, then
// columns ordered by uniqueness ratio ascending (likely dimensions first).
func FormatReport(a model.CsvAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "file=%s delimiter=%s encoding=%s header=%t rows=%d cols=%d\n",
		a.Filename, a.DelimiterString(), a.Encoding, a.HasHeader, a.RowCount, a.ColumnCount)

	cols := make([]model.CsvColumn, 0, len(a.Columns))
	for _, c := range a.Columns {
		if c.NonEmptyCount > 0 {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		b.WriteString("uniqueness: no rows sampled")
		return b.String()
	}
	sort.SliceStable(cols, func(i, j int) bool {
		ri, rj := cols[i].UniquenessRatio(), cols[j].UniquenessRatio()
		if ri == rj {
			return cols[i].Index < cols[j].Index
		}
		return ri < rj
	})

	fmt.Fprintf(&b, "uniqueness report:\tsampled_rows=%d\n", sampledRows(a))
	fmt.Fprintf(&b, "%-15s\t%-7s\t%-7s\t%-7s\tratio\tcapped\n", "col", "type", "unique", "rows")
	for _, c := range cols {
		fmt.Fprintf(
			&b,
			"%-15s\t%-7s\t%-7d\t%d\t%.1f%%\t%t\n",
			c.Name,
			c.DataType,
			c.UniqueCount,
			c.NonEmptyCount,
			c.UniquenessRatio()*100,
			c.UniqueCount >= distinctCapPerColumn,
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sampledRows(a model.CsvAnalysis) int {
	n := 0
	for _, c := range a.Columns {
		if t := c.NonEmptyCount + c.EmptyCount + c.NullCount; t > n {
			n = t
		}
	}
	return n
}
