package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"statload/internal/model"
	"statload/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Dictionary upserts through a single INSERT ... ON CONFLICT DO NOTHING
    statement that also returns the existing id
  - Idempotent fact inserts keyed by (upload_job_id, source_row_hash)
  - Analysis, mapping and job bookkeeping with ON CONFLICT DO UPDATE
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a pool and brings the schema up to date.
//
// With cfg.Migrate the embedded golang-migrate migrations run; otherwise the
// tables are created from storage.StarSchema (CREATE TABLE IF NOT EXISTS).
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	r := &Repo{pool: pool}
	if cfg.Migrate {
		err = Migrate(cfg.DSN)
	} else {
		err = r.EnsureTables(ctx, storage.StarSchema())
	}
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates any missing table described by tables.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// FindOrCreate runs the upsert-and-return statement from buildFindOrCreateSQL.
//
// When a concurrent transaction inserted the same key after this statement's
// snapshot was taken, neither branch returns a row; the statement is retried.
func (r *Repo) FindOrCreate(ctx context.Context, key storage.DimensionKey) (int64, error) {
	dt, ok := storage.DimensionTable(key.Kind)
	if !ok {
		return 0, model.BadRequestf("postgres: unknown dimension kind %q", key.Kind)
	}
	q, args := buildFindOrCreateSQL(dt, key)

	var id int64
	for attempt := 0; attempt < 3; attempt++ {
		err := r.pool.QueryRow(ctx, q, args...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("postgres: find-or-create %s: %w", dt.Name, err)
		}
	}
	return 0, fmt.Errorf("postgres: find-or-create %s: key %q not visible after retries", dt.Name, key.Value)
}

// buildFindOrCreateSQL returns:
//
//	WITH ins AS (INSERT ... ON CONFLICT (keys) DO NOTHING RETURNING id)
//	SELECT id FROM ins UNION ALL SELECT id FROM t WHERE keys LIMIT 1
func buildFindOrCreateSQL(dt storage.DimTable, key storage.DimensionKey) (string, []any) {
	cols, args := dt.InsertColumns(key)

	var b strings.Builder
	b.WriteString("WITH ins AS (INSERT INTO ")
	b.WriteString(pgIdent(dt.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(joinIdentList(dt.KeyColumns))
	b.WriteString(`) DO NOTHING RETURNING "id") SELECT "id" FROM ins UNION ALL SELECT "id" FROM `)
	b.WriteString(pgIdent(dt.Name))
	b.WriteString(" WHERE ")
	for i, c := range dt.KeyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		// Key columns come first in InsertColumns, so their placeholders are reused.
		fmt.Fprintf(&b, "%s = $%d", pgIdent(c), i+1)
	}
	b.WriteString(" LIMIT 1")
	return b.String(), args
}

// factChunk keeps inserts below the 65535 bind parameter limit.
const factChunk = 2000

// SaveFacts inserts facts and their generic links in one transaction.
func (r *Repo) SaveFacts(ctx context.Context, facts []model.Fact) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(facts))
	var links [][]any
	for _, f := range facts {
		vals, err := storage.FactValues(f)
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
		links = append(links, storage.FactGenericValues(f)...)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted int64
	for start := 0; start < len(rows); start += factChunk {
		end := min(start+factChunk, len(rows))
		q, args := buildInsertSQL(storage.TableFact, storage.FactColumns, rows[start:end], storage.FactKeyColumns)
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("postgres: insert facts: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	for start := 0; start < len(links); start += factChunk {
		end := min(start+factChunk, len(links))
		q, args := buildInsertSQL(storage.TableFactGeneric, storage.FactGenericColumns, links[start:end], storage.FactGenericColumns)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("postgres: insert fact generics: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// It is pure and deterministic, so ON CONFLICT behavior and placeholder
// numbering are unit tested without a database. rows must have the same
// length as columns.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	// tolerant of duplicate rows within the same batch and across reprocessing
	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(dedupeColumns))
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

const analysisSelect = `SELECT id, job_id, filename, file_path, delimiter, encoding, has_header, headers,
 row_count, column_count, fingerprint, created_at, updated_at FROM csv_analysis `

func (r *Repo) FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	as, err := r.queryAnalyses(ctx, `WHERE job_id = $1 AND filename = $2`, jobID, filename)
	if err != nil {
		return model.CsvAnalysis{}, err
	}
	if len(as) == 0 {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found for job=%s file=%s", jobID, filename)
	}
	return as[0], nil
}

func (r *Repo) FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error) {
	return r.queryAnalyses(ctx, `WHERE job_id = $1`, jobID)
}

func (r *Repo) queryAnalyses(ctx context.Context, where string, args ...any) ([]model.CsvAnalysis, error) {
	rows, err := r.pool.Query(ctx, analysisSelect+where+` ORDER BY updated_at DESC, filename`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select analyses: %w", err)
	}
	defer rows.Close()

	var out []model.CsvAnalysis
	for rows.Next() {
		var (
			a                     model.CsvAnalysis
			filePath, fingerprint *string
			delim, headers        string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Filename, &filePath, &delim, &a.Encoding, &a.HasHeader,
			&headers, &a.RowCount, &a.ColumnCount, &fingerprint, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.FilePath = deref(filePath)
		a.Fingerprint = deref(fingerprint)
		a.Delimiter = storage.ParseDelimiter(delim)
		a.Headers = storage.DecodeStrings(headers)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		cols, err := r.queryColumns(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

func (r *Repo) queryColumns(ctx context.Context, analysisID string) ([]model.CsvColumn, error) {
	rows, err := r.pool.Query(ctx, `SELECT column_index, name, data_type, sample_values, null_count, empty_count,
 unique_count, non_empty_count, numeric_count, date_count FROM csv_column WHERE analysis_id = $1 ORDER BY column_index`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("postgres: select columns: %w", err)
	}
	defer rows.Close()

	var out []model.CsvColumn
	for rows.Next() {
		var c model.CsvColumn
		var samples string
		if err := rows.Scan(&c.Index, &c.Name, &c.DataType, &samples, &c.NullCount, &c.EmptyCount,
			&c.UniqueCount, &c.NonEmptyCount, &c.NumericCount, &c.DateCount); err != nil {
			return nil, err
		}
		c.SampleValues = storage.DecodeStrings(samples)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveAnalysis upserts the analysis and replaces its columns using one batch.
func (r *Repo) SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error {
	if a.ID == "" {
		return model.BadRequestf("postgres: analysis without id")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `INSERT INTO csv_analysis (id, job_id, filename, file_path, delimiter, encoding,
 has_header, headers, row_count, column_count, fingerprint, created_at, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
 ON CONFLICT (job_id, filename) DO UPDATE SET file_path = EXCLUDED.file_path, delimiter = EXCLUDED.delimiter,
 encoding = EXCLUDED.encoding, has_header = EXCLUDED.has_header, headers = EXCLUDED.headers,
 row_count = EXCLUDED.row_count, column_count = EXCLUDED.column_count, fingerprint = EXCLUDED.fingerprint,
 updated_at = EXCLUDED.updated_at
 RETURNING id`,
		a.ID, a.JobID, a.Filename, a.FilePath, storage.DelimiterText(a.Delimiter), a.Encoding, a.HasHeader,
		storage.EncodeJSON(a.Headers), a.RowCount, a.ColumnCount, a.Fingerprint, a.CreatedAt, a.UpdatedAt).Scan(&id)
	if err != nil {
		return fmt.Errorf("postgres: upsert analysis: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM csv_column WHERE analysis_id = $1`, id)
	for _, c := range a.Columns {
		batch.Queue(`INSERT INTO csv_column (analysis_id, column_index, name, data_type, sample_values, null_count,
 empty_count, unique_count, non_empty_count, numeric_count, date_count)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			id, c.Index, c.Name, c.DataType, storage.EncodeJSON(c.SampleValues), c.NullCount, c.EmptyCount,
			c.UniqueCount, c.NonEmptyCount, c.NumericCount, c.DateCount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save columns: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repo) FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT column_index, dimension_type, is_auto_detected, confidence_score, mapping_rules
 FROM column_mapping WHERE analysis_id = $1 ORDER BY column_index`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("postgres: select mappings: %w", err)
	}
	defer rows.Close()

	var out []model.ColumnMapping
	for rows.Next() {
		m := model.ColumnMapping{AnalysisID: analysisID}
		var typ string
		var rules *string
		if err := rows.Scan(&m.ColumnIndex, &typ, &m.IsAutoDetected, &m.Confidence, &rules); err != nil {
			return nil, err
		}
		m.Type = model.DimensionType(typ)
		m.Rules = storage.DecodeRules(deref(rules))
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) SaveColumnMappings(ctx context.Context, ms []model.ColumnMapping) error {
	if len(ms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range ms {
		batch.Queue(`INSERT INTO column_mapping (analysis_id, column_index, dimension_type, is_auto_detected,
 confidence_score, mapping_rules) VALUES ($1, $2, $3, $4, $5, $6)
 ON CONFLICT (analysis_id, column_index) DO UPDATE SET dimension_type = EXCLUDED.dimension_type,
 is_auto_detected = EXCLUDED.is_auto_detected, confidence_score = EXCLUDED.confidence_score,
 mapping_rules = EXCLUDED.mapping_rules`,
			m.AnalysisID, m.ColumnIndex, string(m.Type), m.IsAutoDetected, m.Confidence, storage.EncodeJSON(m.Rules))
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert mappings: %w", err)
	}
	return nil
}

func (r *Repo) SaveProcessingJob(ctx context.Context, j model.ProcessingJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO processing_job (id, upload_job_id, filename, status, records_processed,
 error_count, progress_percentage, batch_size, facts_saved, quality_score, message, created_at, started_at, completed_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, records_processed = EXCLUDED.records_processed,
 error_count = EXCLUDED.error_count, progress_percentage = EXCLUDED.progress_percentage,
 batch_size = EXCLUDED.batch_size, facts_saved = EXCLUDED.facts_saved, quality_score = EXCLUDED.quality_score,
 message = EXCLUDED.message, started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at`,
		j.ID, j.UploadJobID, j.Filename, string(j.Status), j.RecordsProcessed, j.ErrorCount, j.ProgressPercentage,
		j.BatchSize, j.FactsSaved, j.QualityScore, j.Message, j.CreatedAt, j.StartedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert processing job: %w", err)
	}
	return nil
}

func (r *Repo) FindProcessingJob(ctx context.Context, id string) (model.ProcessingJob, error) {
	var (
		j                 model.ProcessingJob
		filename, message *string
		status            string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, upload_job_id, filename, status, records_processed, error_count,
 progress_percentage, batch_size, facts_saved, quality_score, message, created_at, started_at, completed_at
 FROM processing_job WHERE id = $1`, id).Scan(&j.ID, &j.UploadJobID, &filename, &status, &j.RecordsProcessed,
		&j.ErrorCount, &j.ProgressPercentage, &j.BatchSize, &j.FactsSaved, &j.QualityScore, &message,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessingJob{}, model.NotFoundf("processing job %s not found", id)
	}
	if err != nil {
		return model.ProcessingJob{}, fmt.Errorf("postgres: select processing job: %w", err)
	}
	j.Filename = deref(filename)
	j.Message = deref(message)
	j.Status = model.JobStatus(status)
	return j, nil
}

func (r *Repo) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, s := range deleteJobSQL {
		if _, err := tx.Exec(ctx, s, jobID); err != nil {
			return fmt.Errorf("postgres: delete job %s: %w", jobID, err)
		}
	}
	return tx.Commit(ctx)
}

var deleteJobSQL = []string{
	`DELETE FROM fact_generic WHERE upload_job_id = $1`,
	`DELETE FROM fact_indicator_value WHERE upload_job_id = $1`,
	`DELETE FROM column_mapping WHERE analysis_id IN (SELECT id FROM csv_analysis WHERE job_id = $1)`,
	`DELETE FROM csv_column WHERE analysis_id IN (SELECT id FROM csv_analysis WHERE job_id = $1)`,
	`DELETE FROM csv_analysis WHERE job_id = $1`,
	`DELETE FROM processing_job WHERE upload_job_id = $1`,
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ storage.Repository = (*Repo)(nil)
