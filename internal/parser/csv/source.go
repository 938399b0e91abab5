package csv

import (
	"context"
	"errors"

	"statload/internal/config"
	"statload/internal/filestore"
	"statload/internal/model"
	"statload/internal/transformer"
)

// Source streams the data rows of analyzed files held in a filestore.
type Source struct {
	Files filestore.Store
	// OnError is notified of unparseable records. They are still sent as rows
	// with Err set.
	OnError func(line int, err error)
}

// StreamRows implements transformer.RowSource using the delimiter, encoding
// and header flag recorded in a.
func (s Source) StreamRows(ctx context.Context, a model.CsvAnalysis, out chan<- *transformer.Row) error {
	rc, err := s.Files.Open(ctx, a.JobID, a.Filename)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.BadRequestWrap(err, "CSV file not found")
		}
		return err
	}
	opt := config.Options{
		"comma":      a.Delimiter,
		"encoding":   a.Encoding,
		"has_header": a.HasHeader,
	}
	return StreamCSVRows(ctx, rc, a.ColumnCount, opt, out, s.OnError)
}

var _ transformer.RowSource = Source{}
