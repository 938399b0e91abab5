package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver

	"statload/internal/model"
	"statload/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// SQL Server has no ON CONFLICT, so:
//   - FindOrCreate reads the key under UPDLOCK + HOLDLOCK inside a
//     transaction and inserts with OUTPUT INSERTED.id when absent.
//   - SaveFacts uses INSERT ... SELECT ... WHERE NOT EXISTS after collapsing
//     duplicate hashes inside the batch.
//   - Bookkeeping upserts run UPDATE first and INSERT when nothing matched.
type Repo struct {
	db dbConn
}

// New opens the "sqlserver" driver and creates missing tables.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(cfg.Options.Int("max_open_conns", 16))
	raw.SetMaxIdleConns(cfg.Options.Int("max_idle_conns", 16))

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	r := &Repo{db: &sqlDB{db: raw}}
	if err := r.EnsureTables(ctx, storage.StarSchema()); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return r, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates each table guarded by OBJECT_ID, so it is safe to run
// on every start.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) FindOrCreate(ctx context.Context, key storage.DimensionKey) (int64, error) {
	dt, ok := storage.DimensionTable(key.Kind)
	if !ok {
		return 0, model.BadRequestf("mssql: unknown dimension kind %q", key.Kind)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, buildLockedSelectIDSQL(dt), dt.KeyArgs(key)...).Scan(&id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		cols, args := dt.InsertColumns(key)
		if err := tx.QueryRowContext(ctx, buildInsertOutputIDSQL(dt.Name, cols), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("mssql: insert %s: %w", dt.Name, err)
		}
	default:
		return 0, fmt.Errorf("mssql: select %s: %w", dt.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// buildLockedSelectIDSQL holds a key-range lock until commit, so a second
// writer for the same key blocks and then sees the first writer's row.
func buildLockedSelectIDSQL(dt storage.DimTable) string {
	var b strings.Builder
	b.WriteString("SELECT [id] FROM ")
	b.WriteString(mssqlTableIdent(dt.Name))
	b.WriteString(" WITH (UPDLOCK, HOLDLOCK) WHERE ")
	for i, c := range dt.KeyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(c), i+1)
	}
	return b.String()
}

func buildInsertOutputIDSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") OUTPUT INSERTED.[id] VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// factChunk keeps each statement below the 2100 parameter limit.
const factChunk = 150

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
	linkCols := storage.FactGenericColumns

	rows, err := dedupeRowsByColumns(rows, storage.FactColumns, storage.FactKeyColumns)
	if err != nil {
		return 0, err
	}
	links, err = dedupeRowsByColumns(links, linkCols, linkCols)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for start := 0; start < len(rows); start += factChunk {
		end := min(start+factChunk, len(rows))
		q, args := buildInsertNotExistsSQL(storage.TableFact, storage.FactColumns, rows[start:end], storage.FactKeyColumns)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert facts: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	for start := 0; start < len(links); start += factChunk {
		end := min(start+factChunk, len(links))
		q, args := buildInsertNotExistsSQL(storage.TableFactGeneric, linkCols, links[start:end], linkCols)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("mssql: insert fact generics: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// dedupeRowsByColumns keeps the first row for each distinct dedupe key,
// preserving order. NOT EXISTS does not collapse duplicates inside VALUES,
// so a repeated key in one batch would violate the UNIQUE constraint.
func dedupeRowsByColumns(rows [][]any, columns, dedupeColumns []string) ([][]any, error) {
	idx := make([]int, len(dedupeColumns))
	for i, dc := range dedupeColumns {
		j, ok := indexOfColumn(columns, dc)
		if !ok {
			return nil, fmt.Errorf("mssql: dedupe column %q not in insert columns", dc)
		}
		idx[i] = j
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		for _, j := range idx {
			fmt.Fprintf(&kb, "%v\x1f", row[j])
		}
		k := kb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

func indexOfColumn(columns []string, name string) (int, bool) {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i, true
		}
	}
	return 0, false
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// Incoming rows are materialized as a derived table v via VALUES; only rows
// that do not match an existing row on dedupeColumns are inserted.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES ")

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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

const analysisSelect = `SELECT [id], [job_id], [filename], [file_path], [delimiter], [encoding], [has_header], [headers],
 [row_count], [column_count], [fingerprint], [created_at], [updated_at] FROM [csv_analysis] `

func (r *Repo) FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	as, err := r.queryAnalyses(ctx, `WHERE [job_id] = @p1 AND [filename] = @p2`, jobID, filename)
	if err != nil {
		return model.CsvAnalysis{}, err
	}
	if len(as) == 0 {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found for job=%s file=%s", jobID, filename)
	}
	return as[0], nil
}

func (r *Repo) FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error) {
	return r.queryAnalyses(ctx, `WHERE [job_id] = @p1`, jobID)
}

func (r *Repo) queryAnalyses(ctx context.Context, where string, args ...any) ([]model.CsvAnalysis, error) {
	rows, err := r.db.QueryContext(ctx, analysisSelect+where+` ORDER BY [updated_at] DESC, [filename]`, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: select analyses: %w", err)
	}

	var out []model.CsvAnalysis
	for rows.Next() {
		var (
			a                     model.CsvAnalysis
			filePath, fingerprint sql.NullString
			delim, headers        string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Filename, &filePath, &delim, &a.Encoding, &a.HasHeader,
			&headers, &a.RowCount, &a.ColumnCount, &fingerprint, &a.CreatedAt, &a.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		a.FilePath = filePath.String
		a.Fingerprint = fingerprint.String
		a.Delimiter = storage.ParseDelimiter(delim)
		a.Headers = storage.DecodeStrings(headers)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

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
	rows, err := r.db.QueryContext(ctx, `SELECT [column_index], [name], [data_type], [sample_values], [null_count],
 [empty_count], [unique_count], [non_empty_count], [numeric_count], [date_count]
 FROM [csv_column] WHERE [analysis_id] = @p1 ORDER BY [column_index]`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("mssql: select columns: %w", err)
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

func (r *Repo) SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error {
	if a.ID == "" {
		return model.BadRequestf("mssql: analysis without id")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Reuse the stored id when (job_id, filename) already exists.
	var id string
	err = tx.QueryRowContext(ctx, `SELECT [id] FROM [csv_analysis] WITH (UPDLOCK, HOLDLOCK)
 WHERE [job_id] = @p1 AND [filename] = @p2`, a.JobID, a.Filename).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `UPDATE [csv_analysis] SET [file_path] = @p2, [delimiter] = @p3, [encoding] = @p4,
 [has_header] = @p5, [headers] = @p6, [row_count] = @p7, [column_count] = @p8, [fingerprint] = @p9, [updated_at] = @p10
 WHERE [id] = @p1`,
			id, a.FilePath, storage.DelimiterText(a.Delimiter), a.Encoding, a.HasHeader, storage.EncodeJSON(a.Headers),
			a.RowCount, a.ColumnCount, a.Fingerprint, a.UpdatedAt)
	case errors.Is(err, sql.ErrNoRows):
		id = a.ID
		_, err = tx.ExecContext(ctx, `INSERT INTO [csv_analysis] ([id], [job_id], [filename], [file_path], [delimiter],
 [encoding], [has_header], [headers], [row_count], [column_count], [fingerprint], [created_at], [updated_at])
 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13)`,
			a.ID, a.JobID, a.Filename, a.FilePath, storage.DelimiterText(a.Delimiter), a.Encoding, a.HasHeader,
			storage.EncodeJSON(a.Headers), a.RowCount, a.ColumnCount, a.Fingerprint, a.CreatedAt, a.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("mssql: upsert analysis: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM [csv_column] WHERE [analysis_id] = @p1`, id); err != nil {
		return fmt.Errorf("mssql: clear columns: %w", err)
	}
	for _, c := range a.Columns {
		_, err := tx.ExecContext(ctx, `INSERT INTO [csv_column] ([analysis_id], [column_index], [name], [data_type],
 [sample_values], [null_count], [empty_count], [unique_count], [non_empty_count], [numeric_count], [date_count])
 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11)`,
			id, c.Index, c.Name, c.DataType, storage.EncodeJSON(c.SampleValues), c.NullCount, c.EmptyCount,
			c.UniqueCount, c.NonEmptyCount, c.NumericCount, c.DateCount)
		if err != nil {
			return fmt.Errorf("mssql: insert column %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT [column_index], [dimension_type], [is_auto_detected], [confidence_score],
 [mapping_rules] FROM [column_mapping] WHERE [analysis_id] = @p1 ORDER BY [column_index]`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("mssql: select mappings: %w", err)
	}
	defer rows.Close()

	var out []model.ColumnMapping
	for rows.Next() {
		m := model.ColumnMapping{AnalysisID: analysisID}
		var typ string
		var rules sql.NullString
		if err := rows.Scan(&m.ColumnIndex, &typ, &m.IsAutoDetected, &m.Confidence, &rules); err != nil {
			return nil, err
		}
		m.Type = model.DimensionType(typ)
		m.Rules = storage.DecodeRules(rules.String)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) SaveColumnMappings(ctx context.Context, ms []model.ColumnMapping) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range ms {
		args := []any{m.AnalysisID, m.ColumnIndex, string(m.Type), m.IsAutoDetected, m.Confidence, storage.EncodeJSON(m.Rules)}
		err := upsertTx(ctx, tx,
			`UPDATE [column_mapping] WITH (UPDLOCK, SERIALIZABLE) SET [dimension_type] = @p3, [is_auto_detected] = @p4,
 [confidence_score] = @p5, [mapping_rules] = @p6 WHERE [analysis_id] = @p1 AND [column_index] = @p2`,
			`INSERT INTO [column_mapping] ([analysis_id], [column_index], [dimension_type], [is_auto_detected],
 [confidence_score], [mapping_rules]) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
			args)
		if err != nil {
			return fmt.Errorf("mssql: upsert mapping %d: %w", m.ColumnIndex, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) SaveProcessingJob(ctx context.Context, j model.ProcessingJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{j.ID, j.UploadJobID, j.Filename, string(j.Status), j.RecordsProcessed, j.ErrorCount,
		j.ProgressPercentage, j.BatchSize, j.FactsSaved, j.QualityScore, j.Message, j.CreatedAt,
		nullTime(j.StartedAt), nullTime(j.CompletedAt)}
	err = upsertTx(ctx, tx,
		`UPDATE [processing_job] WITH (UPDLOCK, SERIALIZABLE) SET [status] = @p4, [records_processed] = @p5,
 [error_count] = @p6, [progress_percentage] = @p7, [batch_size] = @p8, [facts_saved] = @p9, [quality_score] = @p10,
 [message] = @p11, [started_at] = @p13, [completed_at] = @p14 WHERE [id] = @p1`,
		`INSERT INTO [processing_job] ([id], [upload_job_id], [filename], [status], [records_processed], [error_count],
 [progress_percentage], [batch_size], [facts_saved], [quality_score], [message], [created_at], [started_at], [completed_at])
 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13, @p14)`,
		args)
	if err != nil {
		return fmt.Errorf("mssql: upsert processing job: %w", err)
	}
	return tx.Commit()
}

// upsertTx runs update and, when it matched nothing, insert with the same args.
func upsertTx(ctx context.Context, tx txConn, update, insert string, args []any) error {
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, insert, args...)
	return err
}

func (r *Repo) FindProcessingJob(ctx context.Context, id string) (model.ProcessingJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT [id], [upload_job_id], [filename], [status], [records_processed],
 [error_count], [progress_percentage], [batch_size], [facts_saved], [quality_score], [message], [created_at],
 [started_at], [completed_at] FROM [processing_job] WHERE [id] = @p1`, id)
	if err != nil {
		return model.ProcessingJob{}, fmt.Errorf("mssql: select processing job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return model.ProcessingJob{}, err
		}
		return model.ProcessingJob{}, model.NotFoundf("processing job %s not found", id)
	}
	var (
		j                  model.ProcessingJob
		filename, message  sql.NullString
		status             string
		started, completed sql.NullTime
	)
	if err := rows.Scan(&j.ID, &j.UploadJobID, &filename, &status, &j.RecordsProcessed, &j.ErrorCount,
		&j.ProgressPercentage, &j.BatchSize, &j.FactsSaved, &j.QualityScore, &message, &j.CreatedAt,
		&started, &completed); err != nil {
		return model.ProcessingJob{}, err
	}
	j.Filename = filename.String
	j.Message = message.String
	j.Status = model.JobStatus(status)
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return j, nil
}

func (r *Repo) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range deleteJobSQL {
		if _, err := tx.ExecContext(ctx, s, jobID); err != nil {
			return fmt.Errorf("mssql: delete job %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

var deleteJobSQL = []string{
	`DELETE FROM [fact_generic] WHERE [upload_job_id] = @p1`,
	`DELETE FROM [fact_indicator_value] WHERE [upload_job_id] = @p1`,
	`DELETE FROM [column_mapping] WHERE [analysis_id] IN (SELECT [id] FROM [csv_analysis] WHERE [job_id] = @p1)`,
	`DELETE FROM [csv_column] WHERE [analysis_id] IN (SELECT [id] FROM [csv_analysis] WHERE [job_id] = @p1)`,
	`DELETE FROM [csv_analysis] WHERE [job_id] = @p1`,
	`DELETE FROM [processing_job] WHERE [upload_job_id] = @p1`,
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ storage.Repository = (*Repo)(nil)
