package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	hist     map[string][]float64
	flushes  int
}

func newRecorder() *recorder {
	return &recorder{counters: map[string]float64{}, hist: map[string][]float64{}}
}

func (r *recorder) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"|"+labels["step"]+labels["status"]+labels["kind"]] += delta
}

func (r *recorder) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hist[name] = append(r.hist[name], value)
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

// Tests in this file share the global backend, so they do not run in parallel.

func TestRecordHelpers(t *testing.T) {
	r := newRecorder()
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("transform", time.Now(), nil)
	RecordStep("transform", time.Now(), errors.New("boom"))
	RecordRecords("rows", 10)
	RecordRecords("rows", 0)
	RecordBatch()
	RecordRowErrors(3)
	RecordQuality(0.95)

	want := map[string]float64{
		StepTotal + "|transformok":    1,
		StepTotal + "|transformerror": 1,
		RecordsTotal + "|rows":        10,
		BatchesTotal + "|":            1,
		RowErrorsTotal + "|":          3,
	}
	for k, v := range want {
		if r.counters[k] != v {
			t.Fatalf("counter %s=%v want %v (all=%v)", k, r.counters[k], v, r.counters)
		}
	}
	if len(r.hist[StepDurationSeconds]) != 2 || r.hist[QualityScore][0] != 0.95 {
		t.Fatalf("histograms=%v", r.hist)
	}
	if err := Flush(); err != nil || r.flushes != 1 {
		t.Fatalf("flush err=%v flushes=%d", err, r.flushes)
	}
}

func TestNopBackend(t *testing.T) {
	SetBackend(nil)
	IncCounter("x", 1, nil)
	ObserveHistogram("x", 1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop flush: %v", err)
	}
}
