package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"statload/internal/classify"
	"statload/internal/config"
	"statload/internal/filestore"
	"statload/internal/ingest"
	"statload/internal/mapping"
	"statload/internal/model"
	csvparser "statload/internal/parser/csv"
	"statload/internal/probe"
	"statload/internal/storage"
)

// pipeline wires analysis, mapping and ingestion over one repository.
type pipeline struct {
	repo     storage.Repository
	root     string
	analyzer *probe.Analyzer
	mappings *mapping.Store
	service  *ingest.Service
	logger   *log.Logger
}

func newPipeline(cfg config.Config, verbose bool) (runner, error) {
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{
		Kind:    cfg.Storage.Kind,
		DSN:     cfg.Storage.DSN,
		Migrate: cfg.Storage.Migrate,
		Options: cfg.Storage.Options,
	})
	if err != nil {
		return nil, err
	}
	cls, err := classify.New(cfg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.Default()
	}

	files := filestore.NewLocal(cfg.UploadRoot)
	src := csvparser.Source{
		Files: files,
		OnError: func(line int, err error) {
			logger.Printf("stage=parse line=%d err=%v", line, err)
		},
	}
	opt := ingest.OptionsFrom(cfg)
	opt.Logger = logger

	return &pipeline{
		repo:     repo,
		root:     cfg.UploadRoot,
		analyzer: &probe.Analyzer{Repo: repo, Files: files, Options: probe.OptionsFrom(cfg)},
		mappings: &mapping.Store{Repo: repo, Classifier: cls, Threshold: cfg.ConfidenceThreshold},
		service:  ingest.New(repo, src, opt),
		logger:   logger,
	}, nil
}

// Close drains running jobs before releasing the repository.
func (p *pipeline) Close() {
	p.service.Close()
	p.repo.Close()
}

// Run analyzes req.File (when set), applies the requested mappings and
// ingests the file, waiting for the job to finish.
func (p *pipeline) Run(ctx context.Context, req runRequest) (model.ProcessingJob, error) {
	if err := p.prepare(ctx, req); err != nil {
		return model.ProcessingJob{}, err
	}
	job, err := p.submit(ctx, req)
	if err != nil {
		return job, err
	}
	done, err := p.service.Wait(ctx, job.ID)
	if err != nil && errors.Is(err, context.Canceled) {
		_ = p.service.Cancel(job.ID)
		return p.service.Wait(context.WithoutCancel(ctx), job.ID)
	}
	return done, err
}

func (p *pipeline) prepare(ctx context.Context, req runRequest) error {
	if req.File != "" {
		a, err := p.analyzer.Analyze(ctx, req.Job, req.File)
		if err != nil {
			return err
		}
		p.logger.Printf("stage=analyze job=%s file=%q rows=%d cols=%d delimiter=%s encoding=%s",
			req.Job, req.File, a.RowCount, a.ColumnCount, a.DelimiterString(), a.Encoding)
	}
	for _, m := range req.Mappings {
		if _, err := p.mappings.SetMappingFor(ctx, req.Job, req.File, m.Column, m.Type, nil); err != nil {
			return err
		}
	}
	if req.AutoMap {
		ms, err := p.mappings.AutoMapFor(ctx, req.Job, req.File)
		if err != nil {
			return err
		}
		p.logger.Printf("stage=auto_map job=%s accepted=%d", req.Job, len(ms))
	}
	return nil
}

func (p *pipeline) submit(ctx context.Context, req runRequest) (model.ProcessingJob, error) {
	return p.service.Submit(ctx, ingest.Request{
		UploadJobID: req.Job,
		Filename:    req.File,
		BatchSize:   req.BatchSize,
		Direction:   req.Direction,
		Timeout:     req.Timeout,
	})
}

// Watch ingests every settled upload under the root until ctx ends, writing
// one JSON line per finished job to out. Explicit mappings are not applied;
// each file is auto-mapped.
func (p *pipeline) Watch(ctx context.Context, req runRequest, out io.Writer) error {
	w := &filestore.Watcher{Root: p.root, Log: p.logger}
	submitted := make(chan string, 64)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(submitted)
		return w.Run(gctx, func(ev filestore.Event) {
			r := req
			r.Job, r.File, r.AutoMap, r.Mappings = ev.JobID, ev.Filename, true, nil
			if err := p.prepare(gctx, r); err != nil {
				p.logger.Printf("stage=watch job=%s file=%q status=skipped err=%v", ev.JobID, ev.Filename, err)
				return
			}
			job, err := p.submit(gctx, r)
			if err != nil {
				p.logger.Printf("stage=watch job=%s file=%q status=error err=%v", ev.JobID, ev.Filename, err)
				return
			}
			submitted <- job.ID
		})
	})
	g.Go(func() error {
		enc := json.NewEncoder(out)
		for id := range submitted {
			// Jobs already queued finish even when the watch stops.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), time.Hour)
			job, err := p.service.Wait(wctx, id)
			cancel()
			if err != nil {
				p.logger.Printf("stage=watch job=%s status=error err=%v", id, err)
				continue
			}
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
		}
		return nil
	})
	return g.Wait()
}
