package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"statload/internal/conflict"
	"statload/internal/dimension"
	"statload/internal/layout"
	"statload/internal/mapping"
	"statload/internal/metrics"
	"statload/internal/model"
	"statload/internal/quality"
	"statload/internal/transformer"
)

// Step names recorded in metrics and logs.
const (
	stepIngest    = "ingest"
	stepTransform = "transform"
	stepPersist   = "persist"
)

// Result is what a successful run produced.
type Result struct {
	Facts   []model.Fact
	Errors  []model.RowError
	Quality quality.Report
	Saved   int64
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// run drives one job to a terminal state. Every outcome is persisted.
func (s *Service) run(ctx context.Context, job model.ProcessingJob, req Request) {
	start := time.Now()

	timeout := s.opt.JobTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// Job state is written even after cancellation.
	saveCtx := context.WithoutCancel(ctx)

	if err := job.Transition(model.JobRunning, s.now()); err != nil {
		s.logf("stage=%s job=%s status=error err=%v", stepIngest, job.ID, err)
		return
	}
	if err := s.repo.SaveProcessingJob(saveCtx, job); err != nil {
		s.logf("stage=%s job=%s status=error err=%v", stepIngest, job.ID, err)
	}

	res, err := s.process(ctx, &job, req)
	metrics.RecordStep(stepIngest, start, err)
	if err != nil {
		_ = job.Transition(model.JobFailed, s.now())
		job.Message = failureMessage(ctx, err)
		if serr := s.repo.SaveProcessingJob(saveCtx, job); serr != nil {
			s.logf("stage=%s job=%s status=error err=%v", stepIngest, job.ID, serr)
		}
		s.logf("stage=%s job=%s status=failed duration=%s msg=%q", stepIngest, job.ID, durMS(start), job.Message)
		return
	}

	_ = job.Transition(model.JobCompleted, s.now())
	job.ProgressPercentage = 100
	job.FactsSaved = res.Saved
	job.QualityScore = res.Quality.QualityScore
	job.Message = fmt.Sprintf("processed %d rows, saved %d facts, quality %.2f",
		job.RecordsProcessed, res.Saved, res.Quality.QualityScore)
	if err := s.repo.SaveProcessingJob(saveCtx, job); err != nil {
		s.logf("stage=%s job=%s status=error err=%v", stepIngest, job.ID, err)
	}
	metrics.RecordQuality(res.Quality.QualityScore)
	s.logf("stage=%s job=%s status=ok duration=%s rows=%d facts=%d saved=%d row_errors=%d quality=%.2f",
		stepIngest, job.ID, durMS(start), job.RecordsProcessed, len(res.Facts), res.Saved, len(res.Errors), res.Quality.QualityScore)
}

func failureMessage(ctx context.Context, err error) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelled):
		return errCancelled.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(cause, context.DeadlineExceeded):
		return "timeout exceeded"
	default:
		return err.Error()
	}
}

// process runs the pipeline for one job, updating progress on job.
func (s *Service) process(ctx context.Context, job *model.ProcessingJob, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a, err := s.analysis(ctx, req)
	if err != nil {
		return Result{}, err
	}
	job.Filename = a.Filename

	ms, err := s.repo.FindColumnMappings(ctx, a.ID)
	if err != nil {
		return Result{}, err
	}
	if len(ms) == 0 {
		return Result{}, model.BadRequestf("No dimension mappings found")
	}

	o := layout.Detect(ms, a.Headers)
	vr := mapping.ValidateMappings(ms, a, s.opt.ConfidenceThreshold)
	for _, w := range vr.Warnings {
		s.logf("stage=validate job=%s warning=%q", job.ID, w)
	}
	if !vr.IsValid && o != model.OrientationColumns {
		return Result{}, model.BadRequestf("%s", strings.Join(vr.Errors, "; "))
	}

	p, err := transformer.Compile(a, ms, o)
	if err != nil {
		return Result{}, err
	}
	p.UploadJobID = job.UploadJobID
	p.ProcessingJobID = job.ID
	p.Direction = req.Direction
	s.logf("stage=plan job=%s file=%q orientation=%s value_columns=%d", job.ID, a.Filename, o, len(p.ValueColumns()))

	// One resolver per run: its memo lives as long as the job.
	ft := &transformer.FactTransformer{Resolver: dimension.New(s.repo), Source: s.src}

	tStart := time.Now()
	facts, rowErrs, err := s.transform(ctx, ft, job, a, p)
	metrics.RecordStep(stepTransform, tStart, err)
	if err != nil {
		return Result{}, err
	}
	s.logf("stage=%s job=%s ok duration=%s rows=%d facts=%d", stepTransform, job.ID, durMS(tStart), job.RecordsProcessed, len(facts))

	facts = conflict.Resolve(facts)
	report := quality.Assessor{Threshold: s.opt.ConfidenceThreshold}.Assess(facts)
	report.AddRowErrors(rowErrs)

	pStart := time.Now()
	saved, err := s.persist(ctx, facts, job.BatchSize)
	metrics.RecordStep(stepPersist, pStart, err)
	if err != nil {
		return Result{}, err
	}
	metrics.RecordRecords("facts_saved", int(saved))
	s.logf("stage=%s job=%s ok duration=%s saved=%d", stepPersist, job.ID, durMS(pStart), saved)

	return Result{Facts: facts, Errors: rowErrs, Quality: report, Saved: saved}, nil
}

func (s *Service) analysis(ctx context.Context, req Request) (model.CsvAnalysis, error) {
	if req.Filename != "" {
		a, err := s.repo.FindAnalysis(ctx, req.UploadJobID, req.Filename)
		if errors.Is(err, model.ErrNotFound) {
			return a, model.NotFoundf("CsvAnalysis not found")
		}
		return a, err
	}
	as, err := s.repo.FindAnalysesByJob(ctx, req.UploadJobID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.CsvAnalysis{}, err
	}
	if len(as) == 0 {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found")
	}
	return as[0], nil
}

// rowBuffer bounds the rows read ahead of the current batch.
const rowBuffer = 256

// transform streams the file in batches of job.BatchSize. A batch, once
// started, runs to completion: cancellation, timeout and the error budget
// are checked between batches, and the job row is saved after each one.
func (s *Service) transform(ctx context.Context, ft *transformer.FactTransformer, job *model.ProcessingJob, a model.CsvAnalysis, p *transformer.Plan) ([]model.Fact, []model.RowError, error) {
	work := context.WithoutCancel(ctx)
	streamCtx, stop := context.WithCancelCause(work)
	defer stop(nil)

	rows := make(chan *transformer.Row, rowBuffer)
	streamErr := make(chan error, 1)
	go func() {
		defer close(rows)
		streamErr <- ft.Source.StreamRows(streamCtx, a, rows)
	}()

	var (
		facts   []model.Fact
		rowErrs []model.RowError
		batch   = make([]*transformer.Row, 0, min(job.BatchSize, rowBuffer))
	)

	// abort stops the producer and waits for it. Rows still in the channel
	// are dropped because the producer may be mid-send.
	abort := func(err error) error {
		stop(err)
		for r := range rows {
			r.Drop()
		}
		<-streamErr
		return err
	}

	flush := func() error {
		if len(batch) == 0 {
			return ctx.Err()
		}
		fs, es, err := ft.TransformBatch(work, p, batch)
		for _, r := range batch {
			r.Free()
		}
		n := len(batch)
		batch = batch[:0]
		if err != nil {
			return err
		}

		facts = append(facts, fs...)
		rowErrs = append(rowErrs, es...)
		job.RecordsProcessed += n
		job.ErrorCount += len(es)
		job.ProgressPercentage = progress(job.RecordsProcessed, a.RowCount)
		metrics.RecordBatch()
		metrics.RecordRecords("rows", n)
		metrics.RecordRecords("facts", len(fs))
		metrics.RecordRowErrors(len(es))

		if err := s.repo.SaveProcessingJob(work, *job); err != nil {
			return fmt.Errorf("ingest: save progress: %w", err)
		}
		if job.ErrorCount > s.opt.MaxErrors {
			return fmt.Errorf("too many processing errors (%d > %d)", job.ErrorCount, s.opt.MaxErrors)
		}
		// batch boundary
		return ctx.Err()
	}

	for {
		select {
		case r, ok := <-rows:
			if !ok {
				if err := flush(); err != nil {
					return nil, nil, abort(err)
				}
				if err := <-streamErr; err != nil {
					return nil, nil, err
				}
				return facts, rowErrs, nil
			}
			batch = append(batch, r)
			if len(batch) < job.BatchSize {
				continue
			}
			if err := flush(); err != nil {
				return nil, nil, abort(err)
			}
		case <-ctx.Done():
			// Rows already read ahead complete the current batch.
		fill:
			for len(batch) < job.BatchSize {
				select {
				case r, ok := <-rows:
					if !ok {
						break fill
					}
					batch = append(batch, r)
				default:
					break fill
				}
			}
			err := flush()
			if err == nil {
				err = ctx.Err()
			}
			return nil, nil, abort(err)
		}
	}
}

func progress(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(100, math.Round(float64(done)*10000/float64(total))/100)
}

// persist saves valid facts in chunks of batchSize on up to two concurrent
// writers and returns the number of inserted rows.
func (s *Service) persist(ctx context.Context, facts []model.Fact, batchSize int) (int64, error) {
	valid := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		if f.Valid() {
			valid = append(valid, f)
		}
	}

	var saved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for start := 0; start < len(valid); start += batchSize {
		chunk := valid[start:min(start+batchSize, len(valid))]
		g.Go(func() error {
			n, err := s.repo.SaveFacts(gctx, chunk)
			if err != nil {
				return fmt.Errorf("ingest: save facts: %w", err)
			}
			saved.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return saved.Load(), err
	}
	return saved.Load(), nil
}
