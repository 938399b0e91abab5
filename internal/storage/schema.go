// The TableSpec catalog lives here so every backend can build DDL from the
// same description of the star schema without importing each other.
package storage

import "statload/internal/model"

// Logical column types. Backends translate them to native types.
const (
	TypeKey    = "key" // indexed text, bounded length where the engine needs it
	TypeText   = "text"
	TypeInt    = "int"
	TypeBigInt = "bigint"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeTime   = "timestamp"
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // "serial" or a logical type for natural keys
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

func notNull() *bool { b := false; return &b }

// Table names of the star schema and its bookkeeping tables.
const (
	TableDimTime       = "dim_time"
	TableDimLocation   = "dim_location"
	TableDimGeneric    = "dim_generic"
	TableIndicator     = "indicator"
	TableFact          = "fact_indicator_value"
	TableFactGeneric   = "fact_generic"
	TableAnalysis      = "csv_analysis"
	TableColumn        = "csv_column"
	TableMapping       = "column_mapping"
	TableProcessingJob = "processing_job"
)

// StarSchema returns the tables in creation order (referenced tables first).
func StarSchema() []TableSpec {
	serial := &PrimaryKeySpec{Name: "id", Type: "serial"}
	return []TableSpec{
		{
			Name:       TableDimTime,
			PrimaryKey: serial,
			Columns: []ColumnSpec{
				{Name: "value", Type: TypeKey, Nullable: notNull()},
				{Name: "year", Type: TypeInt},
				{Name: "month", Type: TypeInt},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"value"}}},
		},
		{
			Name:        TableDimLocation,
			PrimaryKey:  serial,
			Columns:     []ColumnSpec{{Name: "value", Type: TypeKey, Nullable: notNull()}},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"value"}}},
		},
		{
			Name:       TableDimGeneric,
			PrimaryKey: serial,
			Columns: []ColumnSpec{
				{Name: "dimension_name", Type: TypeKey, Nullable: notNull()},
				{Name: "value", Type: TypeKey, Nullable: notNull()},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"dimension_name", "value"}}},
		},
		{
			Name:        TableIndicator,
			PrimaryKey:  serial,
			Columns:     []ColumnSpec{{Name: "name", Type: TypeKey, Nullable: notNull()}},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
		},
		{
			Name:       TableFact,
			PrimaryKey: serial,
			Columns: []ColumnSpec{
				{Name: "upload_job_id", Type: TypeKey, Nullable: notNull()},
				{Name: "processing_job_id", Type: TypeKey},
				{Name: "indicator_id", Type: TypeBigInt, Nullable: notNull(), References: TableIndicator + "(id)"},
				{Name: "value", Type: TypeFloat, Nullable: notNull()},
				{Name: "time_id", Type: TypeBigInt, References: TableDimTime + "(id)"},
				{Name: "location_id", Type: TypeBigInt, References: TableDimLocation + "(id)"},
				{Name: "source_file", Type: TypeText, Nullable: notNull()},
				{Name: "source_row", Type: TypeInt, Nullable: notNull()},
				{Name: "source_column", Type: TypeInt, Nullable: notNull()},
				{Name: "source_row_hash", Type: TypeKey, Nullable: notNull()},
				{Name: "confidence_score", Type: TypeFloat, Nullable: notNull()},
				{Name: "direction", Type: TypeKey},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: FactKeyColumns}},
		},
		{
			Name: TableFactGeneric,
			Columns: []ColumnSpec{
				{Name: "upload_job_id", Type: TypeKey, Nullable: notNull()},
				{Name: "source_row_hash", Type: TypeKey, Nullable: notNull()},
				{Name: "generic_id", Type: TypeBigInt, Nullable: notNull(), References: TableDimGeneric + "(id)"},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: FactGenericColumns}},
		},
		{
			Name:       TableAnalysis,
			PrimaryKey: &PrimaryKeySpec{Name: "id", Type: TypeKey},
			Columns: []ColumnSpec{
				{Name: "job_id", Type: TypeKey, Nullable: notNull()},
				{Name: "filename", Type: TypeKey, Nullable: notNull()},
				{Name: "file_path", Type: TypeText},
				{Name: "delimiter", Type: TypeKey, Nullable: notNull()},
				{Name: "encoding", Type: TypeKey, Nullable: notNull()},
				{Name: "has_header", Type: TypeBool, Nullable: notNull()},
				{Name: "headers", Type: TypeText, Nullable: notNull()},
				{Name: "row_count", Type: TypeInt, Nullable: notNull()},
				{Name: "column_count", Type: TypeInt, Nullable: notNull()},
				{Name: "fingerprint", Type: TypeKey},
				{Name: "created_at", Type: TypeTime, Nullable: notNull()},
				{Name: "updated_at", Type: TypeTime, Nullable: notNull()},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"job_id", "filename"}}},
		},
		{
			Name: TableColumn,
			Columns: []ColumnSpec{
				{Name: "analysis_id", Type: TypeKey, Nullable: notNull()},
				{Name: "column_index", Type: TypeInt, Nullable: notNull()},
				{Name: "name", Type: TypeText, Nullable: notNull()},
				{Name: "data_type", Type: TypeKey, Nullable: notNull()},
				{Name: "sample_values", Type: TypeText, Nullable: notNull()},
				{Name: "null_count", Type: TypeInt, Nullable: notNull()},
				{Name: "empty_count", Type: TypeInt, Nullable: notNull()},
				{Name: "unique_count", Type: TypeInt, Nullable: notNull()},
				{Name: "non_empty_count", Type: TypeInt, Nullable: notNull()},
				{Name: "numeric_count", Type: TypeInt, Nullable: notNull()},
				{Name: "date_count", Type: TypeInt, Nullable: notNull()},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"analysis_id", "column_index"}}},
		},
		{
			Name: TableMapping,
			Columns: []ColumnSpec{
				{Name: "analysis_id", Type: TypeKey, Nullable: notNull()},
				{Name: "column_index", Type: TypeInt, Nullable: notNull()},
				{Name: "dimension_type", Type: TypeKey, Nullable: notNull()},
				{Name: "is_auto_detected", Type: TypeBool, Nullable: notNull()},
				{Name: "confidence_score", Type: TypeFloat, Nullable: notNull()},
				{Name: "mapping_rules", Type: TypeText},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"analysis_id", "column_index"}}},
		},
		{
			Name:       TableProcessingJob,
			PrimaryKey: &PrimaryKeySpec{Name: "id", Type: TypeKey},
			Columns: []ColumnSpec{
				{Name: "upload_job_id", Type: TypeKey, Nullable: notNull()},
				{Name: "filename", Type: TypeText},
				{Name: "status", Type: TypeKey, Nullable: notNull()},
				{Name: "records_processed", Type: TypeInt, Nullable: notNull()},
				{Name: "error_count", Type: TypeInt, Nullable: notNull()},
				{Name: "progress_percentage", Type: TypeFloat, Nullable: notNull()},
				{Name: "batch_size", Type: TypeInt, Nullable: notNull()},
				{Name: "facts_saved", Type: TypeBigInt, Nullable: notNull()},
				{Name: "quality_score", Type: TypeFloat, Nullable: notNull()},
				{Name: "message", Type: TypeText},
				{Name: "created_at", Type: TypeTime, Nullable: notNull()},
				{Name: "started_at", Type: TypeTime},
				{Name: "completed_at", Type: TypeTime},
			},
		},
	}
}

// DimTable describes how one dictionary is keyed.
type DimTable struct {
	Name       string
	KeyColumns []string
	// Extra columns written on insert only.
	ExtraColumns []string
}

// DimensionTable returns the dictionary table for kind.
func DimensionTable(kind model.DimKind) (DimTable, bool) {
	switch kind {
	case model.DimTime:
		return DimTable{Name: TableDimTime, KeyColumns: []string{"value"}, ExtraColumns: []string{"year", "month"}}, true
	case model.DimLocation:
		return DimTable{Name: TableDimLocation, KeyColumns: []string{"value"}}, true
	case model.DimGeneric:
		return DimTable{Name: TableDimGeneric, KeyColumns: []string{"dimension_name", "value"}}, true
	case model.DimIndicator:
		return DimTable{Name: TableIndicator, KeyColumns: []string{"name"}}, true
	}
	return DimTable{}, false
}

// KeyArgs returns the lookup arguments for k in KeyColumns order.
func (d DimTable) KeyArgs(k DimensionKey) []any {
	if k.Kind == model.DimGeneric {
		return []any{k.Name, k.Value}
	}
	return []any{k.Value}
}

// InsertColumns returns all columns written on insert and their arguments.
func (d DimTable) InsertColumns(k DimensionKey) ([]string, []any) {
	cols := append(append([]string(nil), d.KeyColumns...), d.ExtraColumns...)
	args := d.KeyArgs(k)
	if k.Kind == model.DimTime {
		args = append(args, intOrNil(k.Year), intOrNil(k.Month))
	}
	return cols, args
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
