package transformer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"statload/internal/model"
	"statload/internal/transformer/builtin"
)

// Reasons recorded on row-level errors.
const (
	ReasonMissingIndicator = "missing indicator"
	ReasonInvalidNumber    = "invalid number"
	ReasonUnparseable      = "unparseable record"
)

// FactTransformer converts data rows into facts.
type FactTransformer struct {
	Resolver Resolver
	Source   RowSource
}

// rowDims holds the dimensions shared by every fact of one row.
type rowDims struct {
	indicator     *model.DimRef
	indicatorConf float64
	time          *model.DimRef
	location      *model.DimRef
	generics      []model.DimRef
	conf          float64 // min over non-empty dimension cells
}

// TransformBatch converts rows in order. Recoverable problems become
// RowErrors; resolver failures abort the batch.
func (t *FactTransformer) TransformBatch(ctx context.Context, p *Plan, rows []*Row) ([]model.Fact, []model.RowError, error) {
	if t.Resolver == nil {
		return nil, nil, errors.New("transformer: nil resolver")
	}
	facts := make([]model.Fact, 0, len(rows)*len(p.values))
	var rowErrs []model.RowError
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return facts, rowErrs, err
		}
		if r.Err != nil {
			rowErrs = append(rowErrs, model.RowError{Row: r.Line, Value: r.Err.Error(), Reason: ReasonUnparseable})
			continue
		}
		fs, es, err := t.transformRow(ctx, p, r)
		if err != nil {
			return facts, rowErrs, err
		}
		facts = append(facts, fs...)
		rowErrs = append(rowErrs, es...)
	}
	return facts, rowErrs, nil
}

func (t *FactTransformer) transformRow(ctx context.Context, p *Plan, r *Row) ([]model.Fact, []model.RowError, error) {
	d, err := t.rowDims(ctx, p, r)
	if err != nil {
		return nil, nil, err
	}

	var (
		facts []model.Fact
		errs  []model.RowError
	)
	for _, vc := range p.values {
		raw, _ := r.Cell(vc.col)
		if strings.TrimSpace(raw) == "" {
			continue
		}

		ind, indConf := d.indicator, d.indicatorConf
		if vc.indicator != "" {
			ref, ok, err := t.Resolver.ResolveIndicator(ctx, vc.indicator)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				ind, indConf = &ref, vc.conf
			} else {
				ind = nil
			}
		}
		if ind == nil {
			errs = append(errs, model.RowError{Row: r.Line, Column: vc.col, Value: raw, Reason: ReasonMissingIndicator})
			continue
		}

		v, ok := builtin.ParseDecimal(raw)
		if !ok {
			errs = append(errs, model.RowError{Row: r.Line, Column: vc.col, Value: raw, Reason: ReasonInvalidNumber})
			continue
		}

		tm := d.time
		conf := math.Min(math.Min(indConf, vc.conf), d.conf)
		if tm == nil && vc.timeLabel != "" {
			ref, ok, err := t.Resolver.Resolve(ctx, model.Time, "", vc.timeLabel)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				tm = &ref
			}
		}

		facts = append(facts, model.Fact{
			UploadJobID:     p.UploadJobID,
			ProcessingJobID: p.ProcessingJobID,
			Indicator:       ind,
			Value:           &v,
			Time:            tm,
			Location:        d.location,
			Generics:        d.generics,
			SourceFile:      p.Filename,
			SourceRow:       r.Line,
			SourceColumn:    vc.col,
			SourceRowHash:   builtin.SourceRowHash(p.Filename, r.Line, vc.col, raw),
			Confidence:      conf,
			Direction:       p.Direction,
		})
	}
	return facts, errs, nil
}

func (t *FactTransformer) rowDims(ctx context.Context, p *Plan, r *Row) (rowDims, error) {
	d := rowDims{conf: 1}
	resolve := func(c *dimColumn) (*model.DimRef, error) {
		raw, _ := r.Cell(c.col)
		ref, ok, err := t.Resolver.Resolve(ctx, c.typ, c.name, raw)
		if err != nil || !ok {
			return nil, err
		}
		d.conf = math.Min(d.conf, c.conf)
		return &ref, nil
	}

	var err error
	if p.indicator != nil {
		raw, _ := r.Cell(p.indicator.col)
		ref, ok, rerr := t.Resolver.ResolveIndicator(ctx, raw)
		if rerr != nil {
			return d, rerr
		}
		if ok {
			d.indicator, d.indicatorConf = &ref, p.indicator.conf
		}
	}
	if p.time != nil {
		if d.time, err = resolve(p.time); err != nil {
			return d, err
		}
	}
	if p.location != nil {
		if d.location, err = resolve(p.location); err != nil {
			return d, err
		}
	}
	for i := range p.generics {
		g, err := resolve(&p.generics[i])
		if err != nil {
			return d, err
		}
		if g != nil {
			d.generics = append(d.generics, *g)
		}
	}
	return d, nil
}

// Transform streams the whole analyzed file through Source and returns every
// produced fact in file order. job stamps the processing ids; orientation is
// computed by the caller once per job.
func (t *FactTransformer) Transform(
	ctx context.Context,
	a model.CsvAnalysis,
	mappings []model.ColumnMapping,
	o model.Orientation,
	job model.ProcessingJob,
) ([]model.Fact, []model.RowError, error) {
	if t.Source == nil {
		return nil, nil, errors.New("transformer: nil row source")
	}
	p, err := Compile(a, mappings, o)
	if err != nil {
		return nil, nil, err
	}
	p.ProcessingJobID = job.ID
	if job.UploadJobID != "" {
		p.UploadJobID = job.UploadJobID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows := make(chan *Row, 256)
	streamErr := make(chan error, 1)
	go func() {
		defer close(rows)
		streamErr <- t.Source.StreamRows(ctx, a, rows)
	}()

	var (
		facts []model.Fact
		errs  []model.RowError
		batch = make([]*Row, 1)
	)
	for r := range rows {
		batch[0] = r
		fs, es, terr := t.TransformBatch(ctx, p, batch)
		r.Free()
		if terr != nil {
			cancel()
			for r := range rows {
				r.Drop()
			}
			<-streamErr
			return nil, nil, terr
		}
		facts = append(facts, fs...)
		errs = append(errs, es...)
	}
	if err := <-streamErr; err != nil {
		return nil, nil, fmt.Errorf("transformer: stream %s: %w", a.Filename, err)
	}
	return facts, errs, nil
}
