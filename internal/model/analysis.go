// Package model holds the domain types shared by the ingestion pipeline:
// analyzed files, column mappings, dimension references, facts and jobs.
package model

import "time"

// Column data types inferred by the structure analyzer.
const (
	DataTypeNumeric = "numeric"
	DataTypeText    = "text"
	DataTypeDate    = "date"
	DataTypeEmpty   = "empty"
)

// CsvAnalysis is the structural description of one file inside an upload job.
//
// An analysis is keyed by (JobID, Filename) and reused while Fingerprint
// matches the file on disk.
type CsvAnalysis struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	Filename    string      `json:"filename"`
	FilePath    string      `json:"file_path"`
	Delimiter   rune        `json:"delimiter"`
	Encoding    string      `json:"encoding"`
	HasHeader   bool        `json:"has_header"`
	Headers     []string    `json:"headers"`
	RowCount    int         `json:"row_count"`
	ColumnCount int         `json:"column_count"`
	Columns     []CsvColumn `json:"columns"`
	Fingerprint string      `json:"fingerprint"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CsvColumn holds per-column statistics gathered from the preview rows.
type CsvColumn struct {
	Index         int      `json:"column_index"`
	Name          string   `json:"name"`
	DataType      string   `json:"data_type"`
	SampleValues  []string `json:"sample_values"`
	NullCount     int      `json:"null_count"`
	EmptyCount    int      `json:"empty_count"`
	UniqueCount   int      `json:"unique_count"`
	NonEmptyCount int      `json:"non_empty_count"`
	NumericCount  int      `json:"numeric_count"`
	DateCount     int      `json:"date_count"`
}

// UniquenessRatio returns distinct non-empty values divided by non-empty
// values, or 0 for a column without values.
func (c CsvColumn) UniquenessRatio() float64 {
	if c.NonEmptyCount == 0 {
		return 0
	}
	return float64(c.UniqueCount) / float64(c.NonEmptyCount)
}

// NumericRatio returns the share of non-empty values that parsed as numbers.
func (c CsvColumn) NumericRatio() float64 {
	if c.NonEmptyCount == 0 {
		return 0
	}
	return float64(c.NumericCount) / float64(c.NonEmptyCount)
}

// DelimiterString renders the delimiter for logs and reports.
func (a CsvAnalysis) DelimiterString() string {
	if a.Delimiter == '\t' {
		return `\t`
	}
	return string(a.Delimiter)
}
