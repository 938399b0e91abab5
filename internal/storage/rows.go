package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"statload/internal/model"
)

// FactColumns is the insert column order of the fact table.
var FactColumns = []string{
	"upload_job_id", "processing_job_id", "indicator_id", "value", "time_id", "location_id",
	"source_file", "source_row", "source_column", "source_row_hash", "confidence_score", "direction",
}

// Facts are unique per upload job: the same cell of two uploads that share a
// filename hashes identically.
var (
	FactKeyColumns     = []string{"upload_job_id", "source_row_hash"}
	FactGenericColumns = []string{"upload_job_id", "source_row_hash", "generic_id"}
)

// FactKey is the in-memory form of FactKeyColumns.
func FactKey(f model.Fact) string { return f.UploadJobID + "\x1f" + f.SourceRowHash }

// FactGenericValues returns one FactGenericColumns row per generic link of f.
func FactGenericValues(f model.Fact) [][]any {
	out := make([][]any, 0, len(f.Generics))
	for _, g := range f.Generics {
		out = append(out, []any{f.UploadJobID, f.SourceRowHash, g.ID})
	}
	return out
}

// FactValues returns the insert arguments of f in FactColumns order.
//
// Facts without an indicator or value must be filtered before saving.
func FactValues(f model.Fact) ([]any, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("storage: fact %s has no indicator or value", f.SourceRowHash)
	}
	if f.Indicator.ID == 0 {
		return nil, fmt.Errorf("storage: fact %s references an unresolved indicator", f.SourceRowHash)
	}
	return []any{
		f.UploadJobID,
		nullString(f.ProcessingJobID),
		f.Indicator.ID,
		*f.Value,
		refID(f.Time),
		refID(f.Location),
		f.SourceFile,
		int64(f.SourceRow),
		int64(f.SourceColumn),
		f.SourceRowHash,
		f.Confidence,
		nullString(f.Direction),
	}, nil
}

func refID(r *model.DimRef) any {
	if r == nil || r.ID == 0 {
		return nil
	}
	return r.ID
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EncodeJSON is used for list/map columns stored as text.
func EncodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// DecodeStrings parses a JSON string array; malformed input yields nil.
func DecodeStrings(s string) []string {
	var out []string
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// DecodeRules parses a JSON object of mapping rules.
func DecodeRules(s string) map[string]string {
	if strings.TrimSpace(s) == "" || s == "null" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// DelimiterText / ParseDelimiter convert the analysis delimiter for storage.
func DelimiterText(r rune) string { return string(r) }

func ParseDelimiter(s string) rune {
	for _, r := range s {
		return r
	}
	return ','
}
