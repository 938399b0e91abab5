package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity classifies a configuration issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from Validate.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// Validate reports problems without mutating c. Errors make the
// configuration unusable; warnings are logged by the CLIs.
func (c Config) Validate() []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if c.PreviewRowLimit <= 0 {
		add(SeverityError, "previewRowLimit", "must be > 0, got %d", c.PreviewRowLimit)
	}
	if c.MaxColumns <= 0 {
		add(SeverityError, "maxColumns", "must be > 0, got %d", c.MaxColumns)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		add(SeverityError, "confidenceThreshold", "must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.DefaultBatchSize <= 0 {
		add(SeverityError, "defaultBatchSize", "must be > 0, got %d", c.DefaultBatchSize)
	}
	if c.MaxBatchSize < c.DefaultBatchSize {
		add(SeverityError, "maxBatchSize", "must be >= defaultBatchSize (%d), got %d", c.DefaultBatchSize, c.MaxBatchSize)
	}
	if c.MaxErrors < 0 {
		add(SeverityError, "maxErrors", "must be >= 0, got %d", c.MaxErrors)
	}
	if c.Workers <= 0 {
		add(SeverityError, "workers", "must be > 0, got %d", c.Workers)
	}
	if s := strings.TrimSpace(c.JobTimeout); s != "" {
		if _, err := time.ParseDuration(s); err != nil {
			add(SeverityError, "jobTimeout", "invalid duration %q", s)
		}
	}
	for i, p := range c.TimePatterns {
		if _, err := regexp.Compile(p); err != nil {
			add(SeverityError, fmt.Sprintf("timePatterns[%d]", i), "invalid regex: %v", err)
		}
	}
	if len(c.LocationPatterns) == 0 {
		add(SeverityWarning, "locationPatterns", "empty gazetteer: no column will be classified as LOCATION by value")
	}
	switch strings.ToLower(c.Storage.Kind) {
	case "memory", "sqlite", "postgres", "mssql":
	case "":
		add(SeverityError, "storage.kind", "is required")
	default:
		add(SeverityError, "storage.kind", "unsupported backend %q", c.Storage.Kind)
	}
	if c.Storage.Kind != "memory" && strings.TrimSpace(c.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "is required for kind=%s", c.Storage.Kind)
	}
	switch strings.ToLower(c.Metrics.Backend) {
	case "", "none", "datadog":
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q, metrics disabled", c.Metrics.Backend)
	}
	return out
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}
