package extracthtml

import (
	"bytes"
	"strings"
	"testing"
)

func TestDebugPrintTables(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := DebugPrintTables(&buf, strings.NewReader(statsPage), ""); err != nil {
		t.Fatalf("DebugPrintTables: %v", err)
	}

	want := "table[0]\trows=1\tcols=1\tfirst=Home\n" +
		"table[1]\trows=4\tcols=3\tfirst=Country | Indicator | 2020\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\nwant=%q\ngot=%q", want, buf.String())
	}
}
