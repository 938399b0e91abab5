// Command extract-html converts one HTML table into a CSV file that the
// analyzer and ingestion commands can read.
//
// Usage (stdin to stdout):
//
//	cat page.html | extract-html -selector "table.stats" -index 1 > stats.csv
//
// Usage (fetch URL into an upload directory):
//
//	extract-html -url "https://example.org/table" -spec table.json -out data/uploads/job-1/stats.csv
//
// Debug (list candidate tables):
//
//	extract-html -in page.html -list
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"statload/internal/extracthtml"
)

func main() {
	os.Exit(run(
		context.Background(),
		os.Args[1:],
		os.Stdin,
		os.Stdout,
		os.Stderr,
		http.DefaultClient,
	))
}

// run returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
	httpClient *http.Client,
) int {
	fs := flag.NewFlagSet("extract-html", flag.ContinueOnError)
	fs.SetOutput(stderr)

	inPath := fs.String("in", "", "HTML file to read (default stdin)")
	urlFlag := fs.String("url", "", "Optional: fetch HTML from URL instead of a file")
	timeout := fs.Duration("timeout", 20*time.Second, "Timeout for -url fetch")
	specPath := fs.String("spec", "", "Path to a table spec JSON file")
	selector := fs.String("selector", "", "CSS selector for candidate tables (default table)")
	index := fs.Int("index", 0, "0-based index among selector matches")
	skipEmpty := fs.Bool("skip-empty", true, "Drop rows whose cells are all blank")
	list := fs.Bool("list", false, "Debug: list matched tables instead of converting")
	outPath := fs.String("out", "", "CSV output path (default stdout)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inPath != "" && *urlFlag != "" {
		fmt.Fprintln(stderr, "-in and -url are mutually exclusive")
		return 2
	}

	spec := extracthtml.TableSpec{Selector: *selector, Index: *index, SkipEmptyRows: *skipEmpty}
	if *specPath != "" {
		s, err := extracthtml.LoadTableSpec(*specPath)
		if err != nil {
			fmt.Fprintf(stderr, "load spec: %v\n", err)
			return 2
		}
		spec = s
	}
	if spec.Index < 0 {
		fmt.Fprintln(stderr, "-index must be >= 0")
		return 2
	}

	src, err := open(ctx, *inPath, *urlFlag, *timeout, stdin, httpClient)
	if err != nil {
		fmt.Fprintf(stderr, "load html: %v\n", err)
		return 1
	}
	defer src.Close()

	if *list {
		if err := extracthtml.DebugPrintTables(stdout, src, spec.Selector); err != nil {
			fmt.Fprintf(stderr, "list tables: %v\n", err)
			return 1
		}
		return 0
	}

	b, err := extracthtml.ConvertToCSV(src, spec)
	if err != nil {
		fmt.Fprintf(stderr, "convert: %v\n", err)
		return 1
	}

	if *outPath == "" {
		if _, err := stdout.Write(b); err != nil {
			fmt.Fprintf(stderr, "write: %v\n", err)
			return 1
		}
		return 0
	}
	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		fmt.Fprintf(stderr, "create output dir: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*outPath, b, 0o644); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", *outPath, err)
		return 1
	}
	return 0
}

func open(ctx context.Context, path, url string, timeout time.Duration, stdin io.Reader, c *http.Client) (io.ReadCloser, error) {
	switch {
	case path != "":
		return os.Open(path)
	case url == "":
		return io.NopCloser(stdin), nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
