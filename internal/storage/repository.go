package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"statload/internal/config"
	"statload/internal/model"
)

// Config is the minimal configuration needed to create a Repository.
//
// Kind must match a registered backend ("memory", "sqlite", "postgres",
// "mssql"). DSN and Options are passed through to the backend factory.
type Config struct {
	Kind    string
	DSN     string
	Migrate bool
	Options config.Options
}

// DimensionKey identifies one dictionary row.
//
// Kind selects the dictionary. Name is only used for generic dimensions
// (the dimension label). Year and Month are derived TIME fields written on
// creation and ignored for lookup.
type DimensionKey struct {
	Kind  model.DimKind
	Name  string
	Value string
	Year  *int
	Month *int
}

// CacheKey is a stable string form of the lookup part of k.
func (k DimensionKey) CacheKey() string {
	return string(k.Kind) + "\x1f" + NormalizeKey(k.Name) + "\x1f" + NormalizeKey(k.Value)
}

// Repository is the dimension/fact persistence collaborator of the pipeline.
//
// Each backend implements the same semantics in its own way (Postgres ON
// CONFLICT, SQLite OR IGNORE, SQL Server lock hints, a mutex in memory).
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// FindOrCreate returns the id of the dictionary row for key, inserting it
	// when absent. Concurrent calls for the same key return the same id.
	FindOrCreate(ctx context.Context, key DimensionKey) (int64, error)

	// SaveFacts inserts facts, ignoring any whose (upload_job_id,
	// source_row_hash) already exists. It returns the number of rows
	// actually inserted.
	SaveFacts(ctx context.Context, facts []model.Fact) (int64, error)

	// FindAnalysis returns model.ErrNotFound when no analysis exists.
	FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error)
	// FindAnalysesByJob returns the job's analyses, most recently updated first.
	FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error)
	// SaveAnalysis upserts by (JobID, Filename), columns included.
	SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error

	FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error)
	// SaveColumnMappings upserts by (AnalysisID, ColumnIndex).
	SaveColumnMappings(ctx context.Context, ms []model.ColumnMapping) error

	// SaveProcessingJob upserts by ID.
	SaveProcessingJob(ctx context.Context, j model.ProcessingJob) error
	FindProcessingJob(ctx context.Context, id string) (model.ProcessingJob, error)

	// DeleteJob removes analyses, mappings, processing jobs and facts of
	// an upload job. Dictionary rows are shared and kept.
	DeleteJob(ctx context.Context, jobID string) error
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind. Call it from init() in a backend
// package.
//
// Panics if kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %s)", kind, strings.Join(Kinds(), ","))
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
