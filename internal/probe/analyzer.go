// Package probe infers the structure of uploaded CSV files: encoding,
// delimiter, header row, row count and per-column statistics.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"statload/internal/config"
	"statload/internal/extracthtml"
	"statload/internal/filestore"
	"statload/internal/model"
	csvparser "statload/internal/parser/csv"
)

// peekSize bounds the bytes inspected for encoding and delimiter detection.
const peekSize = 64 << 10

// Options bound the work done per file.
type Options struct {
	PreviewRowLimit  int
	SampleValueLimit int
	MaxColumns       int
}

// OptionsFrom copies the analyzer limits out of cfg.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		PreviewRowLimit:  cfg.PreviewRowLimit,
		SampleValueLimit: cfg.SampleValueLimit,
		MaxColumns:       cfg.MaxColumns,
	}
}

func (o Options) withDefaults() Options {
	d := OptionsFrom(config.Defaults())
	if o.PreviewRowLimit <= 0 {
		o.PreviewRowLimit = d.PreviewRowLimit
	}
	if o.SampleValueLimit <= 0 {
		o.SampleValueLimit = d.SampleValueLimit
	}
	if o.MaxColumns <= 0 {
		o.MaxColumns = d.MaxColumns
	}
	return o
}

// AnalysisStore is the repository subset used for caching analyses.
type AnalysisStore interface {
	FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error)
	SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error
}

// Analyzer analyzes files of upload jobs and stores the result.
type Analyzer struct {
	Repo    AnalysisStore
	Files   filestore.Store
	Options Options

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

// Analyze returns the analysis of (jobID, filename).
//
// A stored analysis whose fingerprint still matches the file is returned
// as is. Otherwise the file is parsed and the analysis saved under the
// stored ID, or a new one.
func (an *Analyzer) Analyze(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	fi, err := an.Files.Stat(ctx, jobID, filename)
	if err != nil {
		return model.CsvAnalysis{}, err
	}

	prev, err := an.Repo.FindAnalysis(ctx, jobID, filename)
	switch {
	case err == nil && prev.Fingerprint == fi.Fingerprint():
		return prev, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.CsvAnalysis{}, fmt.Errorf("probe: load analysis: %w", err)
	}

	rc, err := an.Files.Open(ctx, jobID, filename)
	if err != nil {
		return model.CsvAnalysis{}, err
	}
	defer rc.Close()

	a, err := AnalyzeReader(ctx, rc, an.Options)
	if err != nil {
		return model.CsvAnalysis{}, fmt.Errorf("probe: %s: %w", filename, err)
	}

	now := an.now()
	a.ID, a.CreatedAt = prev.ID, prev.CreatedAt
	if a.ID == "" {
		a.ID = an.newID()
		a.CreatedAt = now
	}
	a.JobID = jobID
	a.Filename = filename
	a.FilePath = fi.Path
	a.Fingerprint = fi.Fingerprint()
	a.UpdatedAt = now

	if err := an.Repo.SaveAnalysis(ctx, a); err != nil {
		return model.CsvAnalysis{}, fmt.Errorf("probe: save analysis: %w", err)
	}
	return a, nil
}

func (an *Analyzer) now() time.Time {
	if an.Now != nil {
		return an.Now()
	}
	return time.Now().UTC()
}

func (an *Analyzer) newID() string {
	if an.NewID != nil {
		return an.NewID()
	}
	return uuid.NewString()
}

// AnalyzeFile analyzes a file outside any upload job. HTML pages are
// converted through their first data table.
func AnalyzeFile(ctx context.Context, path string, opt Options) (model.CsvAnalysis, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.CsvAnalysis{}, model.NotFoundf("file %s not found", path)
		}
		return model.CsvAnalysis{}, fmt.Errorf("probe: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return model.CsvAnalysis{}, fmt.Errorf("probe: stat %s: %w", path, err)
	}

	var r io.Reader = f
	if filestore.IsHTML(path) {
		b, err := extracthtml.ConvertToCSV(f, extracthtml.TableSpec{})
		if err != nil {
			return model.CsvAnalysis{}, model.BadRequestWrap(err, "probe: convert %s", path)
		}
		r = bytes.NewReader(b)
	}

	a, err := AnalyzeReader(ctx, r, opt)
	if err != nil {
		return model.CsvAnalysis{}, fmt.Errorf("probe: %s: %w", path, err)
	}
	fi := filestore.FileInfo{Path: path, Size: st.Size(), ModTime: st.ModTime()}
	a.Filename = filepath.Base(path)
	a.FilePath = path
	a.Fingerprint = fi.Fingerprint()
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	return a, nil
}

// AnalyzeReader infers the structure of one CSV stream. Identity fields
// (ID, JobID, Filename, timestamps) are left for the caller.
func AnalyzeReader(ctx context.Context, r io.Reader, opt Options) (model.CsvAnalysis, error) {
	opt = opt.withDefaults()

	raw := bufio.NewReaderSize(r, peekSize)
	head, err := raw.Peek(peekSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return model.CsvAnalysis{}, model.BadRequestWrap(err, "unreadable file")
	}
	if len(bytes.TrimSpace(head)) == 0 {
		return model.CsvAnalysis{}, model.BadRequestf("empty file")
	}
	enc := csvparser.DetectEncoding(head)

	dr, err := csvparser.NewDecodingReader(raw, enc)
	if err != nil {
		return model.CsvAnalysis{}, model.BadRequestWrap(err, "decode")
	}
	decoded := bufio.NewReaderSize(dr, peekSize)
	text, err := decoded.Peek(peekSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return model.CsvAnalysis{}, model.BadRequestWrap(err, "decode %s", enc)
	}
	delim := DetectDelimiter(sampleLines(text, len(text) == peekSize))

	cr := csvparser.NewReader(decoded, delim)
	cr.ReuseRecord = false

	first, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return model.CsvAnalysis{}, model.BadRequestf("empty file")
		}
		return model.CsvAnalysis{}, model.BadRequestWrap(err, "malformed csv")
	}

	preview := make([][]string, 0, 64)
	rest := 0
	for {
		if err := ctx.Err(); err != nil {
			return model.CsvAnalysis{}, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.CsvAnalysis{}, model.BadRequestWrap(err, "malformed csv")
		}
		if len(preview) <= opt.PreviewRowLimit {
			preview = append(preview, rec)
			continue
		}
		rest++
	}

	hasHeader := DetectHeader(first, preview)
	data := preview
	if !hasHeader {
		data = append([][]string{first}, preview...)
	}
	if len(data) > opt.PreviewRowLimit {
		rest += len(data) - opt.PreviewRowLimit
		data = data[:opt.PreviewRowLimit]
	}

	width := len(first)
	for _, rec := range data {
		if len(rec) > width {
			width = len(rec)
		}
	}
	if width > opt.MaxColumns {
		return model.CsvAnalysis{}, model.BadRequestf("too many columns (%d > %d)", width, opt.MaxColumns)
	}

	var headers []string
	if hasHeader {
		headers = cleanHeaders(first, width)
	} else {
		headers = syntheticHeaders(width)
	}

	acc := newStatsAcc(headers, opt.SampleValueLimit)
	for _, rec := range data {
		acc.add(rec)
	}

	return model.CsvAnalysis{
		Delimiter:   delim,
		Encoding:    enc,
		HasHeader:   hasHeader,
		Headers:     headers,
		RowCount:    len(data) + rest,
		ColumnCount: width,
		Columns:     acc.columns(),
	}, nil
}

// sampleLines splits decoded text into at most delimiterSampleLines lines.
// A cut-off last line is dropped when the text was truncated.
func sampleLines(text []byte, truncated bool) []string {
	lines := strings.Split(strings.ReplaceAll(string(text), "\r\n", "\n"), "\n")
	if truncated && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > delimiterSampleLines {
		lines = lines[:delimiterSampleLines]
	}
	return lines
}
