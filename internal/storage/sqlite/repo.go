package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"statload/internal/model"
	"statload/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type, so timestamps are stored as
//     RFC3339Nano TEXT for reliable round-trip behavior and easy debugging.
//   - The pool is capped at one connection. Every statement is serialized,
//     which makes FindOrCreate a single-writer operation within the process;
//     across processes INSERT OR IGNORE against the UNIQUE constraint keeps it
//     atomic.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database named by cfg.DSN and creates the schema.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if err := ensureDir(cfg.DSN); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Repo{db: db}
	if err := r.EnsureTables(ctx, storage.StarSchema()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// ensureDir creates the parent directory of a file DSN.
func ensureDir(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.Contains(p, ":memory:") {
		return nil
	}
	dir := filepath.Dir(p)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates tables that do not exist yet. Safe to run on every start.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// FindOrCreate inserts the key when missing ("INSERT OR IGNORE" relies on the
// UNIQUE constraint) and selects its id.
func (r *Repo) FindOrCreate(ctx context.Context, key storage.DimensionKey) (int64, error) {
	dt, ok := storage.DimensionTable(key.Kind)
	if !ok {
		return 0, model.BadRequestf("sqlite: unknown dimension kind %q", key.Kind)
	}
	insertSQL, insertArgs := buildInsertIgnoreSQL(dt, key)
	if _, err := r.db.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return 0, fmt.Errorf("sqlite: insert %s: %w", dt.Name, err)
	}
	selectSQL, selectArgs := buildSelectIDSQL(dt, key)
	var id int64
	if err := r.db.QueryRowContext(ctx, selectSQL, selectArgs...).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: select %s id: %w", dt.Name, err)
	}
	return id, nil
}

func buildInsertIgnoreSQL(dt storage.DimTable, key storage.DimensionKey) (string, []any) {
	cols, args := dt.InsertColumns(key)
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		sqlIdent(dt.Name), joinIdentList(cols), placeholders(len(cols))), args
}

func buildSelectIDSQL(dt storage.DimTable, key storage.DimensionKey) (string, []any) {
	conds := make([]string, len(dt.KeyColumns))
	for i, c := range dt.KeyColumns {
		conds[i] = sqlIdent(c) + " = ?"
	}
	return fmt.Sprintf(`SELECT "id" FROM %s WHERE %s`, sqlIdent(dt.Name), strings.Join(conds, " AND ")), dt.KeyArgs(key)
}

// factChunk keeps a multi-row insert well under SQLite's host parameter limit.
const factChunk = 500

// SaveFacts inserts facts and their generic links in one transaction.
func (r *Repo) SaveFacts(ctx context.Context, facts []model.Fact) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(facts))
	for _, f := range facts {
		vals, err := storage.FactValues(f)
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for start := 0; start < len(rows); start += factChunk {
		end := min(start+factChunk, len(rows))
		q, args := buildInsertSQL(storage.TableFact, storage.FactColumns, rows[start:end], true)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert facts: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	var links [][]any
	for _, f := range facts {
		links = append(links, storage.FactGenericValues(f)...)
	}
	for start := 0; start < len(links); start += factChunk {
		end := min(start+factChunk, len(links))
		q, args := buildInsertSQL(storage.TableFactGeneric, storage.FactGenericColumns, links[start:end], true)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("sqlite: insert fact generics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// buildInsertSQL builds a multi-row insert. ignore=true uses INSERT OR IGNORE,
// which requires a UNIQUE constraint on the dedupe columns.
func buildInsertSQL(table string, columns []string, rows [][]any, ignore bool) (string, []any) {
	var b strings.Builder
	if ignore {
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + placeholders(len(columns)) + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		args = append(args, row...)
	}
	return b.String(), args
}

func (r *Repo) FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	as, err := r.queryAnalyses(ctx, `WHERE "job_id" = ? AND "filename" = ?`, jobID, filename)
	if err != nil {
		return model.CsvAnalysis{}, err
	}
	if len(as) == 0 {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found for job=%s file=%s", jobID, filename)
	}
	return as[0], nil
}

func (r *Repo) FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error) {
	return r.queryAnalyses(ctx, `WHERE "job_id" = ?`, jobID)
}

const analysisSelect = `SELECT "id", "job_id", "filename", "file_path", "delimiter", "encoding",
 "has_header", "headers", "row_count", "column_count", "fingerprint", "created_at", "updated_at"
 FROM "csv_analysis" `

func (r *Repo) queryAnalyses(ctx context.Context, where string, args ...any) ([]model.CsvAnalysis, error) {
	rows, err := r.db.QueryContext(ctx, analysisSelect+where+` ORDER BY "updated_at" DESC, "filename"`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select analyses: %w", err)
	}
	var out []model.CsvAnalysis
	for rows.Next() {
		var (
			a                     model.CsvAnalysis
			filePath, fingerprint sql.NullString
			delim, headers        string
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Filename, &filePath, &delim, &a.Encoding,
			&a.HasHeader, &headers, &a.RowCount, &a.ColumnCount, &fingerprint, &createdAt, &updatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		a.FilePath = filePath.String
		a.Fingerprint = fingerprint.String
		a.Delimiter = storage.ParseDelimiter(delim)
		a.Headers = storage.DecodeStrings(headers)
		a.CreatedAt, _ = parseSQLiteTime(createdAt)
		a.UpdatedAt, _ = parseSQLiteTime(updatedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Columns are loaded after the cursor is closed: the pool has one connection.
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
	rows, err := r.db.QueryContext(ctx, `SELECT "column_index", "name", "data_type", "sample_values",
 "null_count", "empty_count", "unique_count", "non_empty_count", "numeric_count", "date_count"
 FROM "csv_column" WHERE "analysis_id" = ? ORDER BY "column_index"`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select columns: %w", err)
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

// SaveAnalysis upserts the analysis row and replaces its columns.
func (r *Repo) SaveAnalysis(ctx context.Context, a model.CsvAnalysis) error {
	if a.ID == "" {
		return model.BadRequestf("sqlite: analysis without id")
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

	_, err = tx.ExecContext(ctx, `INSERT INTO "csv_analysis" ("id", "job_id", "filename", "file_path",
 "delimiter", "encoding", "has_header", "headers", "row_count", "column_count", "fingerprint",
 "created_at", "updated_at") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT ("job_id", "filename") DO UPDATE SET "file_path" = excluded."file_path",
 "delimiter" = excluded."delimiter", "encoding" = excluded."encoding", "has_header" = excluded."has_header",
 "headers" = excluded."headers", "row_count" = excluded."row_count", "column_count" = excluded."column_count",
 "fingerprint" = excluded."fingerprint", "updated_at" = excluded."updated_at"`,
		a.ID, a.JobID, a.Filename, a.FilePath, storage.DelimiterText(a.Delimiter), a.Encoding, a.HasHeader,
		storage.EncodeJSON(a.Headers), a.RowCount, a.ColumnCount, a.Fingerprint,
		formatSQLiteTime(a.CreatedAt), formatSQLiteTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert analysis: %w", err)
	}

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT "id" FROM "csv_analysis" WHERE "job_id" = ? AND "filename" = ?`,
		a.JobID, a.Filename).Scan(&id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM "csv_column" WHERE "analysis_id" = ?`, id); err != nil {
		return err
	}
	for _, c := range a.Columns {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "csv_column" ("analysis_id", "column_index", "name",
 "data_type", "sample_values", "null_count", "empty_count", "unique_count", "non_empty_count",
 "numeric_count", "date_count") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.Index, c.Name, c.DataType, storage.EncodeJSON(c.SampleValues), c.NullCount, c.EmptyCount,
			c.UniqueCount, c.NonEmptyCount, c.NumericCount, c.DateCount); err != nil {
			return fmt.Errorf("sqlite: insert column %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT "column_index", "dimension_type", "is_auto_detected",
 "confidence_score", "mapping_rules" FROM "column_mapping" WHERE "analysis_id" = ? ORDER BY "column_index"`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select mappings: %w", err)
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range ms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "column_mapping" ("analysis_id", "column_index",
 "dimension_type", "is_auto_detected", "confidence_score", "mapping_rules") VALUES (?, ?, ?, ?, ?, ?)
 ON CONFLICT ("analysis_id", "column_index") DO UPDATE SET "dimension_type" = excluded."dimension_type",
 "is_auto_detected" = excluded."is_auto_detected", "confidence_score" = excluded."confidence_score",
 "mapping_rules" = excluded."mapping_rules"`,
			m.AnalysisID, m.ColumnIndex, string(m.Type), m.IsAutoDetected, m.Confidence, storage.EncodeJSON(m.Rules)); err != nil {
			return fmt.Errorf("sqlite: upsert mapping %d: %w", m.ColumnIndex, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) SaveProcessingJob(ctx context.Context, j model.ProcessingJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO "processing_job" ("id", "upload_job_id", "filename", "status",
 "records_processed", "error_count", "progress_percentage", "batch_size", "facts_saved", "quality_score",
 "message", "created_at", "started_at", "completed_at") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT ("id") DO UPDATE SET "status" = excluded."status", "records_processed" = excluded."records_processed",
 "error_count" = excluded."error_count", "progress_percentage" = excluded."progress_percentage",
 "batch_size" = excluded."batch_size", "facts_saved" = excluded."facts_saved",
 "quality_score" = excluded."quality_score", "message" = excluded."message",
 "started_at" = excluded."started_at", "completed_at" = excluded."completed_at"`,
		j.ID, j.UploadJobID, j.Filename, string(j.Status), j.RecordsProcessed, j.ErrorCount, j.ProgressPercentage,
		j.BatchSize, j.FactsSaved, j.QualityScore, j.Message, formatSQLiteTime(j.CreatedAt),
		nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert processing job: %w", err)
	}
	return nil
}

func (r *Repo) FindProcessingJob(ctx context.Context, id string) (model.ProcessingJob, error) {
	var (
		j                    model.ProcessingJob
		filename, message    sql.NullString
		status, createdAt    string
		startedAt, completed sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT "id", "upload_job_id", "filename", "status", "records_processed",
 "error_count", "progress_percentage", "batch_size", "facts_saved", "quality_score", "message",
 "created_at", "started_at", "completed_at" FROM "processing_job" WHERE "id" = ?`, id).Scan(
		&j.ID, &j.UploadJobID, &filename, &status, &j.RecordsProcessed, &j.ErrorCount, &j.ProgressPercentage,
		&j.BatchSize, &j.FactsSaved, &j.QualityScore, &message, &createdAt, &startedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessingJob{}, model.NotFoundf("processing job %s not found", id)
	}
	if err != nil {
		return model.ProcessingJob{}, fmt.Errorf("sqlite: select processing job: %w", err)
	}
	j.Filename = filename.String
	j.Message = message.String
	j.Status = model.JobStatus(status)
	j.CreatedAt, _ = parseSQLiteTime(createdAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completed)
	return j, nil
}

func (r *Repo) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM "fact_generic" WHERE "upload_job_id" = ?`,
		`DELETE FROM "fact_indicator_value" WHERE "upload_job_id" = ?`,
		`DELETE FROM "column_mapping" WHERE "analysis_id" IN (SELECT "id" FROM "csv_analysis" WHERE "job_id" = ?)`,
		`DELETE FROM "csv_column" WHERE "analysis_id" IN (SELECT "id" FROM "csv_analysis" WHERE "job_id" = ?)`,
		`DELETE FROM "csv_analysis" WHERE "job_id" = ?`,
		`DELETE FROM "processing_job" WHERE "upload_job_id" = ?`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, jobID); err != nil {
			return fmt.Errorf("sqlite: delete job %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?, ", n), ", ")
}

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS DDL from a TableSpec.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}
	var parts []string

	if t.PrimaryKey != nil {
		switch strings.ToLower(strings.TrimSpace(t.PrimaryKey.Type)) {
		case "serial", "bigserial", "identity":
			// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			typ, err := sqliteType(t.PrimaryKey.Type)
			if err != nil {
				return "", fmt.Errorf("sqlite: %s: %w", t.Name, err)
			}
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), typ))
		}
	}

	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("sqlite: %s.%s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		// Enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func sqliteType(logical string) (string, error) {
	switch logical {
	case storage.TypeKey, storage.TypeText, storage.TypeTime:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBigInt, storage.TypeBool:
		return "INTEGER", nil
	case storage.TypeFloat:
		return "REAL", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

// sqliteTimeLayout is RFC3339 with fixed-width nanoseconds so TEXT ordering
// matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatSQLiteTime formats a time in UTC using sqliteTimeLayout.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseSQLiteTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - sqliteTimeLayout (what we write) and RFC3339Nano
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ storage.Repository = (*Repo)(nil)
