// Package memory is an in-process storage backend used by tests and dry runs.
//
// A single mutex serializes every write, which makes FindOrCreate a
// single-writer operation per process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"statload/internal/model"
	"statload/internal/storage"
)

func init() {
	storage.Register("memory", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return New(), nil
	})
}

// Repo implements storage.Repository in memory.
type Repo struct {
	mu sync.Mutex

	nextID   int64
	dims     map[string]int64
	dimRows  map[int64]storage.DimensionKey
	facts    []model.Fact
	hashes   map[string]bool
	analyses map[string]model.CsvAnalysis // key: jobID + "\x1f" + filename
	mappings map[string]map[int]model.ColumnMapping
	jobs     map[string]model.ProcessingJob
	calls    int
}

// New returns an empty repository.
func New() *Repo {
	return &Repo{
		dims:     map[string]int64{},
		dimRows:  map[int64]storage.DimensionKey{},
		hashes:   map[string]bool{},
		analyses: map[string]model.CsvAnalysis{},
		mappings: map[string]map[int]model.ColumnMapping{},
		jobs:     map[string]model.ProcessingJob{},
	}
}

func (r *Repo) Close() {}

func analysisKey(jobID, filename string) string { return jobID + "\x1f" + filename }

func (r *Repo) FindOrCreate(ctx context.Context, key storage.DimensionKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := storage.DimensionTable(key.Kind); !ok {
		return 0, model.BadRequestf("memory: unknown dimension kind %q", key.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	ck := key.CacheKey()
	if id, ok := r.dims[ck]; ok {
		return id, nil
	}
	r.nextID++
	r.dims[ck] = r.nextID
	r.dimRows[r.nextID] = key
	return r.nextID, nil
}

// FindOrCreateCalls counts calls that reached the repository.
func (r *Repo) FindOrCreateCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Dimension returns the stored key for id.
func (r *Repo) Dimension(id int64) (storage.DimensionKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.dimRows[id]
	return k, ok
}

// DimensionCount returns how many rows a dictionary holds.
func (r *Repo) DimensionCount(kind model.DimKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.dimRows {
		if k.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Repo) SaveFacts(ctx context.Context, facts []model.Fact) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, f := range facts {
		if _, err := storage.FactValues(f); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, f := range facts {
		k := storage.FactKey(f)
		if r.hashes[k] {
			continue
		}
		r.hashes[k] = true
		r.facts = append(r.facts, f)
		n++
	}
	return n, nil
}

// Facts returns a copy of all stored facts in insertion order.
func (r *Repo) Facts() []model.Fact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Fact(nil), r.facts...)
}

func (r *Repo) FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[analysisKey(jobID, filename)]
	if !ok {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found for job=%s file=%s", jobID, filename)
	}
	return cloneAnalysis(a), nil
}

func (r *Repo) FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.CsvAnalysis
	for _, a := range r.analyses {
		if a.JobID == jobID {
			out = append(out, cloneAnalysis(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}

func (r *Repo) SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error {
	if a.ID == "" {
		return model.BadRequestf("memory: analysis without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	r.analyses[analysisKey(a.JobID, a.Filename)] = cloneAnalysis(a)
	return nil
}

func cloneAnalysis(a model.CsvAnalysis) model.CsvAnalysis {
	a.Headers = append([]string(nil), a.Headers...)
	cols := make([]model.CsvColumn, len(a.Columns))
	for i, c := range a.Columns {
		c.SampleValues = append([]string(nil), c.SampleValues...)
		cols[i] = c
	}
	a.Columns = cols
	return a
}

func (r *Repo) FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ColumnMapping, 0, len(r.mappings[analysisID]))
	for _, m := range r.mappings[analysisID] {
		out = append(out, m)
	}
	model.SortMappings(out)
	return out, nil
}

func (r *Repo) SaveColumnMappings(ctx context.Context, ms []model.ColumnMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ms {
		byCol := r.mappings[m.AnalysisID]
		if byCol == nil {
			byCol = map[int]model.ColumnMapping{}
			r.mappings[m.AnalysisID] = byCol
		}
		byCol[m.ColumnIndex] = m
	}
	return nil
}

func (r *Repo) SaveProcessingJob(ctx context.Context, j model.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	return nil
}

func (r *Repo) FindProcessingJob(ctx context.Context, id string) (model.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.ProcessingJob{}, model.NotFoundf("processing job %s not found", id)
	}
	return j, nil
}

func (r *Repo) DeleteJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, a := range r.analyses {
		if a.JobID == jobID {
			delete(r.mappings, a.ID)
			delete(r.analyses, k)
		}
	}
	for id, j := range r.jobs {
		if j.UploadJobID == jobID {
			delete(r.jobs, id)
		}
	}
	kept := r.facts[:0]
	for _, f := range r.facts {
		if f.UploadJobID == jobID {
			delete(r.hashes, storage.FactKey(f))
			continue
		}
		kept = append(kept, f)
	}
	r.facts = kept
	return nil
}

var _ storage.Repository = (*Repo)(nil)
