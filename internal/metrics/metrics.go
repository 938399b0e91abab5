// Package metrics is the backend-neutral metrics facade used by the
// pipeline. Components record through the package functions; the CLI picks
// a backend once at startup with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions such as {"step": "transform"}.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names recorded by the pipeline.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	BatchesTotal        = "etl_batches_total"
	RowErrorsTotal      = "etl_row_errors_total"
	QualityScore        = "etl_quality_score"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend when it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one step outcome and observes its duration.
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	IncCounter(StepTotal, 1, Labels{"step": step, "status": status})
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), Labels{"step": step, "status": status})
}

// RecordRecords counts processed records by kind ("rows", "facts", "saved").
func RecordRecords(kind string, n int) {
	if n > 0 {
		IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
	}
}

// RecordBatch counts one processed batch.
func RecordBatch() {
	IncCounter(BatchesTotal, 1, nil)
}

// RecordRowErrors counts recovered row-level errors.
func RecordRowErrors(n int) {
	if n > 0 {
		IncCounter(RowErrorsTotal, float64(n), nil)
	}
}

// RecordQuality observes the quality score of a finished job.
func RecordQuality(score float64) {
	ObserveHistogram(QualityScore, score, nil)
}
