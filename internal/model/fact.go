package model

// Fact is one resolved (indicator, dimension tuple, value) observation.
type Fact struct {
	UploadJobID     string   `json:"upload_job_id"`
	ProcessingJobID string   `json:"processing_job_id,omitempty"`
	Indicator       *DimRef  `json:"indicator"`
	Value           *float64 `json:"value"`
	Time            *DimRef  `json:"time,omitempty"`
	Location        *DimRef  `json:"location,omitempty"`
	Generics        []DimRef `json:"generics,omitempty"`
	SourceFile      string   `json:"source_file"`
	SourceRow       int      `json:"source_row"`
	SourceColumn    int      `json:"source_column"`
	SourceRowHash   string   `json:"source_row_hash"`
	Confidence      float64  `json:"confidence_score"`
	Direction       string   `json:"direction,omitempty"`
}

// Valid reports whether the fact carries both an indicator and a value.
func (f Fact) Valid() bool { return f.Indicator != nil && f.Value != nil }

// RowError is a recovered, cell-level processing problem.
type RowError struct {
	Row    int    `json:"row"`
	Column int    `json:"column"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}
