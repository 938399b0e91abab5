// Package ingest runs processing jobs: it turns an analyzed, mapped upload
// file into persisted facts on a fixed pool of workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"statload/internal/config"
	"statload/internal/model"
	"statload/internal/storage"
	"statload/internal/transformer"
)

// Logger is the minimal logging interface used by the service.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options tunes a Service. Zero fields fall back to config.Defaults, except
// MaxErrors where only a negative value means unset.
type Options struct {
	Workers             int
	DefaultBatchSize    int
	MaxBatchSize        int
	MaxErrors           int
	JobTimeout          time.Duration
	ConfidenceThreshold float64
	// PollInterval is the Wait polling period.
	PollInterval time.Duration
	Logger       Logger
}

// OptionsFrom copies the runtime fields of cfg.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		Workers:             cfg.Workers,
		DefaultBatchSize:    cfg.DefaultBatchSize,
		MaxBatchSize:        cfg.MaxBatchSize,
		MaxErrors:           cfg.MaxErrors,
		JobTimeout:          cfg.JobTimeoutDuration(),
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}
}

func (o Options) withDefaults() Options {
	d := config.Defaults()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.DefaultBatchSize <= 0 {
		o.DefaultBatchSize = d.DefaultBatchSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	if o.DefaultBatchSize > o.MaxBatchSize {
		o.DefaultBatchSize = o.MaxBatchSize
	}
	if o.MaxErrors < 0 {
		o.MaxErrors = d.MaxErrors
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = log.New(discardWriter{}, "", 0)
	}
	return o
}

// Request asks for one file of an upload job to be ingested. An empty
// Filename picks the most recently analyzed file of the job.
type Request struct {
	UploadJobID string
	Filename    string
	BatchSize   int
	Direction   string
	// Timeout overrides Options.JobTimeout when > 0.
	Timeout time.Duration
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingest: service closed")

var errCancelled = errors.New("cancelled")

type task struct {
	ctx context.Context
	job model.ProcessingJob
	req Request
}

// Service owns the worker pool. Jobs are persisted through the repository
// so Status and Wait work from any process sharing it.
type Service struct {
	repo storage.Repository
	src  transformer.RowSource
	opt  Options
	now  func() time.Time

	tasks chan task
	wg    sync.WaitGroup

	mu     sync.RWMutex // guards closed and sends on tasks
	closed bool

	cmu     sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// New starts opt.Workers workers reading from an internal queue.
func New(repo storage.Repository, src transformer.RowSource, opt Options) *Service {
	opt = opt.withDefaults()
	s := &Service{
		repo:    repo,
		src:     src,
		opt:     opt,
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   make(chan task, opt.Workers*16),
		cancels: make(map[string]context.CancelCauseFunc),
	}
	s.wg.Add(opt.Workers)
	for w := 0; w < opt.Workers; w++ {
		go s.worker(w)
	}
	return s
}

func (s *Service) logf(format string, v ...any) { s.opt.Logger.Printf(format, v...) }

// Submit persists a PENDING job and queues it. Requests that can never run
// are stored as FAILED and returned without error.
func (s *Service) Submit(ctx context.Context, req Request) (model.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.ProcessingJob{}, ErrClosed
	}

	if req.BatchSize <= 0 {
		req.BatchSize = s.opt.DefaultBatchSize
	}
	job := model.ProcessingJob{
		ID:          uuid.NewString(),
		UploadJobID: req.UploadJobID,
		Filename:    req.Filename,
		Status:      model.JobPending,
		BatchSize:   req.BatchSize,
		CreatedAt:   s.now(),
	}

	if err := validateRequest(req, s.opt.MaxBatchSize); err != nil {
		_ = job.Transition(model.JobFailed, s.now())
		job.Message = err.Error()
		if serr := s.repo.SaveProcessingJob(ctx, job); serr != nil {
			return model.ProcessingJob{}, fmt.Errorf("ingest: save job %s: %w", job.ID, serr)
		}
		s.logf("stage=submit job=%s status=rejected err=%v", job.ID, err)
		return job, nil
	}

	if err := s.repo.SaveProcessingJob(ctx, job); err != nil {
		return model.ProcessingJob{}, fmt.Errorf("ingest: save job %s: %w", job.ID, err)
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())
	s.cmu.Lock()
	s.cancels[job.ID] = cancel
	s.cmu.Unlock()

	select {
	case s.tasks <- task{ctx: jobCtx, job: job, req: req}:
	case <-ctx.Done():
		s.forget(job.ID)
		_ = job.Transition(model.JobFailed, s.now())
		job.Message = errCancelled.Error()
		_ = s.repo.SaveProcessingJob(context.WithoutCancel(ctx), job)
		return job, ctx.Err()
	}
	s.logf("stage=submit job=%s upload=%s file=%q batch_size=%d", job.ID, job.UploadJobID, job.Filename, job.BatchSize)
	return job, nil
}

func validateRequest(req Request, maxBatch int) error {
	if req.UploadJobID == "" {
		return model.BadRequestf("upload job id is required")
	}
	if req.BatchSize > maxBatch {
		return model.BadRequestf("batch size %d exceeds maximum %d", req.BatchSize, maxBatch)
	}
	if req.Timeout < 0 {
		return model.BadRequestf("timeout must not be negative")
	}
	return nil
}

// Status returns the stored job.
func (s *Service) Status(ctx context.Context, id string) (model.ProcessingJob, error) {
	return s.repo.FindProcessingJob(ctx, id)
}

// Wait polls until the job is COMPLETED or FAILED.
func (s *Service) Wait(ctx context.Context, id string) (model.ProcessingJob, error) {
	t := time.NewTicker(s.opt.PollInterval)
	defer t.Stop()
	for {
		j, err := s.Status(ctx, id)
		if err != nil {
			return j, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

// Cancel asks a queued or running job to stop. The job fails with message
// "cancelled" at its next batch boundary.
func (s *Service) Cancel(id string) error {
	s.cmu.Lock()
	cancel, ok := s.cancels[id]
	s.cmu.Unlock()
	if !ok {
		return model.NotFoundf("processing job %s is not active", id)
	}
	cancel(errCancelled)
	return nil
}

// Close stops accepting jobs and waits for queued and running ones.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	for t := range s.tasks {
		s.logf("stage=worker worker=%d job=%s status=start", id, t.job.ID)
		s.run(t.ctx, t.job, t.req)
		s.forget(t.job.ID)
	}
}

func (s *Service) forget(id string) {
	s.cmu.Lock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	s.cmu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
