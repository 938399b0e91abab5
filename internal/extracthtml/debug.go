package extracthtml

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DebugPrintTables lists every table matched by selector with its row count,
// widest row and first row. cmd/probe uses it to pick a TableSpec index.
func DebugPrintTables(w io.Writer, r io.Reader, selector string) error {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	if selector == "" {
		selector = "table"
	}

	doc.Find(selector).Each(func(i int, table *goquery.Selection) {
		rows := 0
		width := 0
		var first []string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if tr.Closest("table").Get(0) != table.Get(0) {
				return
			}
			cells := tr.ChildrenFiltered("th, td")
			if cells.Length() == 0 {
				return
			}
			rows++
			width = max(width, cells.Length())
			if first == nil {
				cells.Each(func(_ int, c *goquery.Selection) {
					first = append(first, normalizeCellText(c.Text()))
				})
			}
		})
		fmt.Fprintf(w, "table[%d]\trows=%d\tcols=%d\tfirst=%s\n", i, rows, width, strings.Join(first, " | "))
	})
	return nil
}
