// Package mapping stores confirmed column mappings and validates mapping sets.
package mapping

import (
	"context"
	"fmt"

	"statload/internal/classify"
	"statload/internal/model"
)

// Repo is the repository subset used by the store.
type Repo interface {
	FindAnalysis(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error)
	FindAnalysesByJob(ctx context.Context, jobID string) ([]model.CsvAnalysis, error)
	FindColumnMappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error)
	SaveColumnMappings(ctx context.Context, ms []model.ColumnMapping) error
}

// Store manages the mappings of an upload job's analyses.
//
// Calls that take only a job id act on the job's most recently updated
// analysis; the *For variants name the file.
type Store struct {
	Repo       Repo
	Classifier *classify.Classifier
	// Threshold flags low-confidence auto-detected mappings.
	Threshold float64
}

// Analysis returns the most recently updated analysis of jobID.
func (s *Store) Analysis(ctx context.Context, jobID string) (model.CsvAnalysis, error) {
	as, err := s.Repo.FindAnalysesByJob(ctx, jobID)
	if err != nil {
		return model.CsvAnalysis{}, fmt.Errorf("mapping: analyses of %s: %w", jobID, err)
	}
	if len(as) == 0 {
		return model.CsvAnalysis{}, model.NotFoundf("CsvAnalysis not found for job %s", jobID)
	}
	return as[0], nil
}

func (s *Store) analysisFor(ctx context.Context, jobID, filename string) (model.CsvAnalysis, error) {
	if filename == "" {
		return s.Analysis(ctx, jobID)
	}
	return s.Repo.FindAnalysis(ctx, jobID, filename)
}

// SetMapping records an explicit mapping: confidence 1, not auto-detected.
// An existing mapping of the column is replaced.
func (s *Store) SetMapping(ctx context.Context, jobID string, column int, typ string, rules map[string]string) (model.ColumnMapping, error) {
	return s.SetMappingFor(ctx, jobID, "", column, typ, rules)
}

// SetMappingFor is SetMapping for a named file of the job.
func (s *Store) SetMappingFor(ctx context.Context, jobID, filename string, column int, typ string, rules map[string]string) (model.ColumnMapping, error) {
	t, err := model.ParseDimensionType(typ)
	if err != nil {
		return model.ColumnMapping{}, err
	}
	a, err := s.analysisFor(ctx, jobID, filename)
	if err != nil {
		return model.ColumnMapping{}, err
	}
	if column < 0 || column >= a.ColumnCount {
		return model.ColumnMapping{}, model.BadRequestf("column %d out of range (file has %d columns)", column, a.ColumnCount)
	}

	m := model.ColumnMapping{
		AnalysisID:     a.ID,
		ColumnIndex:    column,
		Type:           t,
		IsAutoDetected: false,
		Confidence:     1,
		Rules:          copyRules(rules),
	}
	if err := s.Repo.SaveColumnMappings(ctx, []model.ColumnMapping{m}); err != nil {
		return model.ColumnMapping{}, fmt.Errorf("mapping: save: %w", err)
	}
	return m, nil
}

// Accept persists suggestions at or above minConfidence, keeping them
// auto-detected. Columns the user mapped explicitly are left alone.
func (s *Store) Accept(ctx context.Context, jobID string, suggestions []model.ColumnMapping, minConfidence float64) ([]model.ColumnMapping, error) {
	a, err := s.Analysis(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.accept(ctx, a, suggestions, minConfidence)
}

func (s *Store) accept(ctx context.Context, a model.CsvAnalysis, suggestions []model.ColumnMapping, minConfidence float64) ([]model.ColumnMapping, error) {
	existing, err := s.Repo.FindColumnMappings(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("mapping: load: %w", err)
	}
	explicit := map[int]bool{}
	for _, m := range existing {
		if !m.IsAutoDetected {
			explicit[m.ColumnIndex] = true
		}
	}

	var keep []model.ColumnMapping
	for _, m := range suggestions {
		if m.Confidence < minConfidence || explicit[m.ColumnIndex] {
			continue
		}
		if m.ColumnIndex < 0 || m.ColumnIndex >= a.ColumnCount {
			return nil, model.BadRequestf("column %d out of range (file has %d columns)", m.ColumnIndex, a.ColumnCount)
		}
		m.AnalysisID = a.ID
		m.IsAutoDetected = true
		m.Rules = copyRules(m.Rules)
		keep = append(keep, m)
	}
	if len(keep) == 0 {
		return nil, nil
	}
	if err := s.Repo.SaveColumnMappings(ctx, keep); err != nil {
		return nil, fmt.Errorf("mapping: save: %w", err)
	}
	model.SortMappings(keep)
	return keep, nil
}

// AutoMap suggests mappings for the job's analysis and accepts all of them.
func (s *Store) AutoMap(ctx context.Context, jobID string) ([]model.ColumnMapping, error) {
	return s.AutoMapFor(ctx, jobID, "")
}

// AutoMapFor is AutoMap for a named file of the job.
func (s *Store) AutoMapFor(ctx context.Context, jobID, filename string) ([]model.ColumnMapping, error) {
	if s.Classifier == nil {
		return nil, fmt.Errorf("mapping: no classifier configured")
	}
	a, err := s.analysisFor(ctx, jobID, filename)
	if err != nil {
		return nil, err
	}
	return s.accept(ctx, a, s.Classifier.Suggest(a), 0)
}

// Mappings lists the current mappings of the job's analysis by column.
func (s *Store) Mappings(ctx context.Context, jobID string) ([]model.ColumnMapping, error) {
	a, err := s.Analysis(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.mappingsOf(ctx, a)
}

func (s *Store) mappingsOf(ctx context.Context, a model.CsvAnalysis) ([]model.ColumnMapping, error) {
	ms, err := s.Repo.FindColumnMappings(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("mapping: load: %w", err)
	}
	model.SortMappings(ms)
	return ms, nil
}

// Validate checks the job's current mapping set.
func (s *Store) Validate(ctx context.Context, jobID string) (ValidationResult, error) {
	a, err := s.Analysis(ctx, jobID)
	if err != nil {
		return ValidationResult{}, err
	}
	ms, err := s.mappingsOf(ctx, a)
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidateMappings(ms, a, s.Threshold), nil
}

func copyRules(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
