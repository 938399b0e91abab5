package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"statload/internal/model"
	"statload/internal/storage"
)

func TestFindOrCreate_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	r := New()
	ctx := context.Background()
	key := storage.DimensionKey{Kind: model.DimTime, Value: "2020"}

	const n = 32
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.FindOrCreate(ctx, key)
			if err != nil {
				t.Errorf("FindOrCreate: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("ids differ: %d vs %d", ids[i], ids[0])
		}
	}
	if got := r.DimensionCount(model.DimTime); got != 1 {
		t.Fatalf("time rows=%d want 1", got)
	}
}

func TestFindOrCreate_GenericKeyedByNameAndValue(t *testing.T) {
	t.Parallel()

	r := New()
	ctx := context.Background()
	a, _ := r.FindOrCreate(ctx, storage.DimensionKey{Kind: model.DimGeneric, Name: "sex", Value: "Male"})
	b, _ := r.FindOrCreate(ctx, storage.DimensionKey{Kind: model.DimGeneric, Name: "sector", Value: "Male"})
	if a == b {
		t.Fatalf("different dimension names must not share a row")
	}
}

func TestSaveFacts_IgnoresKnownHashes(t *testing.T) {
	t.Parallel()

	r := New()
	ctx := context.Background()
	v := 1.0
	f := model.Fact{UploadJobID: "u", Indicator: &model.DimRef{ID: 1}, Value: &v, SourceRowHash: "h1"}

	n, err := r.SaveFacts(ctx, []model.Fact{f, f})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v want 1", n, err)
	}
	n, _ = r.SaveFacts(ctx, []model.Fact{f})
	if n != 0 {
		t.Fatalf("resubmission inserted %d rows", n)
	}
}

func TestSaveFacts_HashScopedToUpload(t *testing.T) {
	t.Parallel()

	r := New()
	ctx := context.Background()
	v := 1.0
	a := model.Fact{UploadJobID: "up-1", Indicator: &model.DimRef{ID: 1}, Value: &v, SourceRowHash: "h1"}
	b := a
	b.UploadJobID = "up-2"

	n, err := r.SaveFacts(ctx, []model.Fact{a, b})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v want 2", n, err)
	}
	_ = r.DeleteJob(ctx, "up-1")
	if n, _ := r.SaveFacts(ctx, []model.Fact{b}); n != 0 {
		t.Fatalf("up-2 resubmission inserted %d rows", n)
	}
	if got := r.Facts(); len(got) != 1 || got[0].UploadJobID != "up-2" {
		t.Fatalf("facts=%+v", got)
	}
}

func TestDeleteJob_RemovesJobScopedState(t *testing.T) {
	t.Parallel()

	r := New()
	ctx := context.Background()
	_ = r.SaveAnalysis(ctx, model.CsvAnalysis{ID: "a1", JobID: "u", Filename: "f.csv"})
	_ = r.SaveColumnMappings(ctx, []model.ColumnMapping{{AnalysisID: "a1", ColumnIndex: 0, Type: model.Time}})
	_ = r.SaveProcessingJob(ctx, model.ProcessingJob{ID: "p1", UploadJobID: "u"})
	v := 2.0
	_, _ = r.SaveFacts(ctx, []model.Fact{{UploadJobID: "u", Indicator: &model.DimRef{ID: 1}, Value: &v, SourceRowHash: "h"}})

	if err := r.DeleteJob(ctx, "u"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := r.FindAnalysis(ctx, "u", "f.csv"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("analysis still present: %v", err)
	}
	if ms, _ := r.FindColumnMappings(ctx, "a1"); len(ms) != 0 {
		t.Fatalf("mappings still present: %v", ms)
	}
	if _, err := r.FindProcessingJob(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("job still present: %v", err)
	}
	if len(r.Facts()) != 0 {
		t.Fatalf("facts still present")
	}
}
