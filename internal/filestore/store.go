// Package filestore resolves uploaded files by (upload job, filename).
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"statload/internal/extracthtml"
	"statload/internal/model"
)

// Store is the file storage collaborator of the pipeline.
type Store interface {
	// Open returns the file as a CSV byte stream.
	Open(ctx context.Context, jobID, filename string) (io.ReadCloser, error)
	Stat(ctx context.Context, jobID, filename string) (FileInfo, error)
}

// FileInfo describes a stored file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Fingerprint changes whenever the file is rewritten.
func (fi FileInfo) Fingerprint() string {
	return strconv.FormatInt(fi.Size, 10) + "-" + strconv.FormatInt(fi.ModTime.UnixNano(), 10)
}

// Local stores uploads as <Root>/<jobID>/<filename>.
type Local struct {
	Root string
	// HTML selects the table used when the upload is an HTML page.
	HTML extracthtml.TableSpec
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

// Path returns the on-disk location, rejecting names that escape the job dir.
func (l *Local) Path(jobID, filename string) (string, error) {
	if err := checkName("job id", jobID); err != nil {
		return "", err
	}
	if err := checkName("filename", filename); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, jobID, filename), nil
}

func checkName(what, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return model.BadRequestf("filestore: invalid %s %q", what, s)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, jobID, filename string) (FileInfo, error) {
	p, err := l.Path(jobID, filename)
	if err != nil {
		return FileInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return FileInfo{}, notFoundOr(err, jobID, filename)
	}
	if st.IsDir() {
		return FileInfo{}, model.BadRequestf("filestore: %s/%s is a directory", jobID, filename)
	}
	return FileInfo{Path: p, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Open returns the raw file, or for .html/.htm uploads the selected table
// converted to CSV.
func (l *Local) Open(ctx context.Context, jobID, filename string) (io.ReadCloser, error) {
	p, err := l.Path(jobID, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, notFoundOr(err, jobID, filename)
	}
	if !IsHTML(filename) {
		return f, nil
	}
	defer f.Close()

	b, err := extracthtml.ConvertToCSV(f, l.HTML)
	if err != nil {
		return nil, model.BadRequestWrap(err, "filestore: convert %s", filename)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func notFoundOr(err error, jobID, filename string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return model.NotFoundf("file %s not found in upload job %s", filename, jobID)
	}
	return fmt.Errorf("filestore: %s/%s: %w", jobID, filename, err)
}

// IsHTML reports whether filename is converted through extracthtml.
func IsHTML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// IsSupported reports whether filename looks like an ingestible upload.
func IsSupported(filename string) bool {
	if strings.HasPrefix(filename, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv", ".txt", ".html", ".htm":
		return true
	}
	return false
}

var _ Store = (*Local)(nil)
