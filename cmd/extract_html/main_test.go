package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const page = `<html><body>
<table id="nav"><tr><td>Home</td></tr></table>
<table class="stats">
  <tr><th>Indicator</th><th>2020</th><th>2021</th></tr>
  <tr><td>GDP</td><td>3.8</td><td>4.2</td></tr>
  <tr><td></td><td></td><td></td></tr>
  <tr><td>CPI</td><td>1.1</td><td>1.6</td></tr>
</table>
</body></html>`

func TestRun_StdinToStdout(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-selector", "table.stats"}, strings.NewReader(page), &stdout, &stderr, http.DefaultClient)
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}

	want := "Indicator,2020,2021\nGDP,3.8,4.2\nCPI,1.1,1.6\n"
	if stdout.String() != want {
		t.Fatalf("stdout=%q want %q", stdout.String(), want)
	}
}

func TestRun_SpecFileAndOutPath(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	specPath := filepath.Join(tmp, "table.json")
	if err := os.WriteFile(specPath, []byte(`{"index":1,"skip_empty_rows":false}`), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	inPath := filepath.Join(tmp, "page.html")
	if err := os.WriteFile(inPath, []byte(page), 0o600); err != nil {
		t.Fatalf("write html: %v", err)
	}
	outPath := filepath.Join(tmp, "uploads", "job-1", "stats.csv")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-in", inPath, "-spec", specPath, "-out", outPath}, nil, &stdout, &stderr, http.DefaultClient)
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}

	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if lines := strings.Count(string(b), "\n"); lines != 4 {
		t.Fatalf("lines=%d want 4 with the blank row kept; out=%q", lines, b)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout should be empty with -out, got %q", stdout.String())
	}
}

func TestRun_ListTables(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-list"}, strings.NewReader(page), &stdout, &stderr, http.DefaultClient)
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "table[0]") || !strings.Contains(out, "table[1]\trows=4\tcols=3") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
}

func TestRun_FetchURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-url", srv.URL + "/stats", "-index", "1"}, nil, &stdout, &stderr, srv.Client())
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "Indicator,2020,2021\n") {
		t.Fatalf("stdout=%q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	code = run(context.Background(), []string{"-url", srv.URL + "/missing"}, nil, &stdout, &stderr, srv.Client())
	if code != 1 || !strings.Contains(stderr.String(), "status 404") {
		t.Fatalf("code=%d stderr=%q, want 1 and status 404", code, stderr.String())
	}
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "bad_flag", args: []string{"-nope"}, want: "flag provided but not defined"},
		{name: "in_and_url", args: []string{"-in", "a.html", "-url", "http://x"}, want: "mutually exclusive"},
		{name: "negative_index", args: []string{"-index", "-1"}, want: "-index must be >= 0"},
		{name: "missing_spec", args: []string{"-spec", "/does/not/exist.json"}, want: "load spec"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tc.args, strings.NewReader(page), &stdout, &stderr, http.DefaultClient)
			if code != 2 {
				t.Fatalf("code=%d want 2; stderr=%s", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr=%q want substring %q", stderr.String(), tc.want)
			}
		})
	}
}

func TestRun_NoMatchingTable(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-index", "5"}, strings.NewReader(page), &stdout, &stderr, http.DefaultClient)
	if code != 1 || !strings.Contains(stderr.String(), "not found") {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}
