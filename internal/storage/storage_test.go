package storage

import (
	"context"
	"strings"
	"testing"

	"statload/internal/model"
)

type nopRepo struct{ Repository }

func TestRegisterAndNew(t *testing.T) {
	Register("test-nop", func(ctx context.Context, cfg Config) (Repository, error) {
		return nopRepo{}, nil
	})

	if _, err := New(context.Background(), Config{Kind: " Test-Nop "}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := New(context.Background(), Config{Kind: "nope"})
	if err == nil || !strings.Contains(err.Error(), "test-nop") {
		t.Fatalf("expected unsupported error listing kinds, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("test-nop", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
}

func TestStarSchema_ReferencesResolve(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, ts := range StarSchema() {
		for _, c := range ts.Columns {
			if c.References == "" {
				continue
			}
			ref := c.References[:strings.Index(c.References, "(")]
			if !seen[ref] {
				t.Fatalf("%s.%s references %s before it is created", ts.Name, c.Name, ref)
			}
		}
		seen[ts.Name] = true
	}
}

func TestDimensionTable_InsertColumns(t *testing.T) {
	t.Parallel()

	year := 2020
	d, ok := DimensionTable(model.DimTime)
	if !ok {
		t.Fatalf("time table missing")
	}
	cols, args := d.InsertColumns(DimensionKey{Kind: model.DimTime, Value: "2020", Year: &year})
	if strings.Join(cols, ",") != "value,year,month" {
		t.Fatalf("cols=%v", cols)
	}
	if args[0] != "2020" || args[1] != int64(2020) || args[2] != nil {
		t.Fatalf("args=%#v", args)
	}

	g, _ := DimensionTable(model.DimGeneric)
	if got := g.KeyArgs(DimensionKey{Kind: model.DimGeneric, Name: "sector", Value: "Public"}); got[0] != "sector" || got[1] != "Public" {
		t.Fatalf("generic args=%#v", got)
	}
	if _, ok := DimensionTable("colour"); ok {
		t.Fatalf("unknown kind must not resolve")
	}
}

func TestFactValues_RejectsInvalid(t *testing.T) {
	t.Parallel()

	if _, err := FactValues(model.Fact{SourceRowHash: "h"}); err == nil {
		t.Fatalf("expected error for fact without indicator")
	}
	v := 1.5
	vals, err := FactValues(model.Fact{
		UploadJobID:   "u",
		Indicator:     &model.DimRef{ID: 3},
		Value:         &v,
		Time:          &model.DimRef{ID: 9},
		SourceRowHash: "h",
	})
	if err != nil {
		t.Fatalf("FactValues: %v", err)
	}
	if len(vals) != len(FactColumns) {
		t.Fatalf("len(vals)=%d want %d", len(vals), len(FactColumns))
	}
	if vals[1] != nil || vals[4] != int64(9) || vals[5] != nil {
		t.Fatalf("unexpected nullables: %#v", vals)
	}
}

func TestCacheKey_NormalizesWhitespace(t *testing.T) {
	t.Parallel()
	a := DimensionKey{Kind: model.DimLocation, Value: " USA"}
	b := DimensionKey{Kind: model.DimLocation, Value: "USA "}
	if a.CacheKey() != b.CacheKey() {
		t.Fatalf("cache keys differ: %q vs %q", a.CacheKey(), b.CacheKey())
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":               "",
		"  Nord  Rhein ": "Nord Rhein",
		"Q1\t2023":       "Q1 2023",
		"Ber\x00lin":     "Berlin",
		"Germany":        "Germany",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q)=%q want %q", in, got, want)
		}
	}
}
