package extracthtml

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractTable parses html and returns the cells of the table selected by
// spec, one slice per <tr>, in DOM order.
//
// th and td cells are both taken. A colspan repeats the cell text so columns
// stay aligned with the header row. Rows are not padded.
func ExtractTable(r io.Reader, spec TableSpec) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	re, err := compileOptionalRegex(spec.Match)
	if err != nil {
		return nil, err
	}

	tables := doc.Find(spec.selector())
	if spec.Index >= tables.Length() {
		return nil, fmt.Errorf("html: table %d not found (selector %q matched %d)", spec.Index, spec.selector(), tables.Length())
	}
	table := tables.Eq(spec.Index)

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Rows of nested tables belong to those tables.
		if tr.Closest("table").Get(0) != table.Get(0) {
			return
		}
		var cells []string
		blank := true
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			v := applyRegexFilter(normalizeCellText(cell.Text()), re)
			if v != "" {
				blank = false
			}
			span := 1
			if s, ok := cell.Attr("colspan"); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 1 && n <= 1000 {
					span = n
				}
			}
			for i := 0; i < span; i++ {
				cells = append(cells, v)
			}
		})
		if len(cells) == 0 || (blank && spec.SkipEmptyRows) {
			return
		}
		rows = append(rows, cells)
	})
	return rows, nil
}

// ConvertToCSV renders the selected table as comma separated UTF-8 CSV.
func ConvertToCSV(r io.Reader, spec TableSpec) ([]byte, error) {
	rows, err := ExtractTable(r, spec)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("html: table has no rows")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// normalizeCellText trims and collapses whitespace; NBSP counts as space.
func normalizeCellText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// compileOptionalRegex compiles pattern; an empty pattern yields (nil, nil).
func compileOptionalRegex(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid cell match regex %q: %w", pattern, err)
	}
	return re, nil
}

// applyRegexFilter applies an optional regex post-processing step to value.
//
// Behavior:
//   - If re is nil, it returns value unchanged.
//   - If re does not match, it returns "".
//   - If re matches and contains capture groups, group 1 is returned.
//   - If re matches with no capture groups, the full match is returned.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}

	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
