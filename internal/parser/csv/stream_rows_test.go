package csv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"statload/internal/config"
	"statload/internal/filestore"
	"statload/internal/model"
	"statload/internal/transformer"
)

func collect(t *testing.T, body string, width int, opt config.Options) ([][]string, []int, []int) {
	t.Helper()

	out := make(chan *transformer.Row, 16)
	var errLines []int
	errc := make(chan error, 1)
	go func() {
		errc <- StreamCSVRows(context.Background(), io.NopCloser(strings.NewReader(body)), width, opt, out,
			func(line int, err error) { errLines = append(errLines, line) })
		close(out)
	}()

	var rows [][]string
	var lines []int
	for r := range out {
		rows = append(rows, r.Strings())
		lines = append(lines, r.Line)
		r.Free()
	}
	if err := <-errc; err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	return rows, lines, errLines
}

func TestStreamCSVRows_HeaderAndRaggedRows(t *testing.T) {
	t.Parallel()

	rows, lines, _ := collect(t, "a;b;c\n1;2;3\n4;5\n6;7;8;9\n", 3, config.Options{"comma": ';'})
	if len(rows) != 3 {
		t.Fatalf("rows=%q", rows)
	}
	if rows[1][2] != "" || rows[2][2] != "8" {
		t.Fatalf("ragged handling: %q", rows)
	}
	if lines[0] != 1 || lines[2] != 3 {
		t.Fatalf("lines=%v want data row index", lines)
	}
}

func TestStreamCSVRows_NoHeaderAndLimit(t *testing.T) {
	t.Parallel()

	rows, _, _ := collect(t, "x,1\ny,2\nz,3\n", 2, config.Options{"has_header": false, "limit": 2})
	if len(rows) != 2 || rows[0][0] != "x" {
		t.Fatalf("rows=%q", rows)
	}
}

func TestStreamCSVRows_KeepsRawUnlessTrim(t *testing.T) {
	t.Parallel()

	rows, _, _ := collect(t, "h\n  v \n", 1, nil)
	if rows[0][0] != "  v " {
		t.Fatalf("raw cell=%q", rows[0][0])
	}
	rows, _, _ = collect(t, "h\n  v \n", 1, config.Options{"trim_space": true})
	if rows[0][0] != "v" {
		t.Fatalf("trimmed cell=%q", rows[0][0])
	}
}

func TestStreamCSVRows_Windows1252(t *testing.T) {
	t.Parallel()

	enc, err := charmap.Windows1252.NewEncoder().String("Land,Wert\nÖsterreich,1\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rows, _, _ := collect(t, enc, 2, config.Options{"encoding": EncodingWindows1252})
	if rows[0][0] != "Österreich" {
		t.Fatalf("decoded=%q", rows[0][0])
	}
}

func TestStreamCSVRows_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan *transformer.Row)
	err := StreamCSVRows(ctx, io.NopCloser(strings.NewReader("h\n1\n")), 1, nil, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
}

func TestDetectEncoding(t *testing.T) {
	t.Parallel()

	latin, _ := charmap.Windows1252.NewEncoder().String("Größe")
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "a,b"...), EncodingUTF8},
		{"utf16le bom", []byte{0xFF, 0xFE, 'a', 0}, EncodingUTF16LE},
		{"utf16be bom", []byte{0xFE, 0xFF, 0, 'a'}, EncodingUTF16BE},
		{"plain ascii", []byte("a,b\n1,2"), EncodingUTF8},
		{"utf8 umlaut", []byte("Größe"), EncodingUTF8},
		{"utf8 cut rune", []byte("Gr\xc3"), EncodingUTF8},
		{"windows-1252", []byte(latin), EncodingWindows1252},
	}
	for _, tt := range tests {
		if got := DetectEncoding(tt.in); got != tt.want {
			t.Fatalf("%s: got %s want %s", tt.name, got, tt.want)
		}
	}
}

func TestNewDecodingReader_StripsBOM(t *testing.T) {
	t.Parallel()

	r, err := NewDecodingReader(bytes.NewReader(append([]byte{0xEF, 0xBB, 0xBF}, "abc"...)), EncodingUTF8)
	if err != nil {
		t.Fatalf("NewDecodingReader: %v", err)
	}
	b, _ := io.ReadAll(r)
	if string(b) != "abc" {
		t.Fatalf("decoded=%q", b)
	}

	le := []byte{0xFF, 0xFE, 'h', 0, 'i', 0}
	r, _ = NewDecodingReader(bytes.NewReader(le), EncodingUTF16LE)
	b, _ = io.ReadAll(r)
	if string(b) != "hi" {
		t.Fatalf("utf16le decoded=%q", b)
	}

	if _, err := NewDecodingReader(bytes.NewReader(nil), "klingon"); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
	if name, err := CanonicalEncoding("latin1"); err != nil || name != EncodingWindows1252 {
		t.Fatalf("canonical=%q err=%v", name, err)
	}
}

func TestSource_StreamRows(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "job1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "job1", "a.csv"), []byte("k|v\nx|1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := Source{Files: filestore.NewLocal(root)}
	a := model.CsvAnalysis{JobID: "job1", Filename: "a.csv", Delimiter: '|', Encoding: EncodingUTF8, HasHeader: true, ColumnCount: 2}

	out := make(chan *transformer.Row, 4)
	if err := src.StreamRows(context.Background(), a, out); err != nil {
		t.Fatalf("StreamRows: %v", err)
	}
	close(out)
	r := <-out
	if r == nil || r.Strings()[1] != "1" {
		t.Fatalf("row=%v", r)
	}

	a.Filename = "gone.csv"
	err := src.StreamRows(context.Background(), a, make(chan *transformer.Row, 1))
	if !errors.Is(err, model.ErrBadRequest) || !strings.Contains(err.Error(), "CSV file not found") {
		t.Fatalf("err=%v want bad request CSV file not found", err)
	}
}

func TestStreamCSVRows_UnparseableRecordIsSentWithErr(t *testing.T) {
	t.Parallel()

	body := "h,v\na,1\nb,x\"y\nc,3\n"
	out := make(chan *transformer.Row, 16)
	var errLines []int
	errc := make(chan error, 1)
	go func() {
		errc <- StreamCSVRows(context.Background(), io.NopCloser(strings.NewReader(body)), 2,
			config.Options{"lazy_quotes": false}, out,
			func(line int, err error) { errLines = append(errLines, line) })
		close(out)
	}()

	var got []*transformer.Row
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows=%d want 3", len(got))
	}
	bad := got[1]
	if bad.Err == nil || bad.Line != 2 {
		t.Fatalf("row 2: line=%d err=%v", bad.Line, bad.Err)
	}
	if _, ok := bad.Cell(0); ok {
		t.Fatalf("unparseable row carries cells: %q", bad.Strings())
	}
	if got[0].Err != nil || got[2].Err != nil || got[2].Line != 3 {
		t.Fatalf("neighbours: %+v %+v", got[0], got[2])
	}
	if len(errLines) != 1 || errLines[0] != 2 {
		t.Fatalf("errLines=%v want [2]", errLines)
	}
	for _, r := range got {
		r.Free()
	}
}
