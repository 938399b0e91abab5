// Package dimension resolves raw cell values to shared dictionary rows.
package dimension

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"statload/internal/model"
	"statload/internal/storage"
	"statload/internal/transformer/builtin"
)

// Finder is the repository subset the resolver needs.
type Finder interface {
	FindOrCreate(ctx context.Context, key storage.DimensionKey) (int64, error)
}

// Resolver memoizes dictionary ids for the lifetime of one job.
//
// Concurrent lookups of the same key share a single repository call.
type Resolver struct {
	repo Finder

	mu    sync.RWMutex
	cache map[string]model.DimRef
	group singleflight.Group
}

func New(repo Finder) *Resolver {
	return &Resolver{repo: repo, cache: map[string]model.DimRef{}}
}

// Resolve returns the dictionary row for raw under dimension type t.
// name labels generic dimensions (UNIT always uses "unit").
// A blank value yields ok=false without a lookup.
func (r *Resolver) Resolve(ctx context.Context, t model.DimensionType, name, raw string) (model.DimRef, bool, error) {
	v := model.NormalizeValue(raw)
	if v == "" {
		return model.DimRef{}, false, nil
	}
	key, err := KeyFor(t, name, v)
	if err != nil {
		return model.DimRef{}, false, err
	}
	ref, err := r.lookup(ctx, key)
	if err != nil {
		return model.DimRef{}, false, err
	}
	return ref, true, nil
}

// ResolveIndicator resolves an indicator by exact (normalized) name.
func (r *Resolver) ResolveIndicator(ctx context.Context, name string) (model.DimRef, bool, error) {
	return r.Resolve(ctx, model.IndicatorName, "", name)
}

// Len reports how many distinct keys are memoized.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) lookup(ctx context.Context, key storage.DimensionKey) (model.DimRef, error) {
	ck := key.CacheKey()
	r.mu.RLock()
	ref, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok {
		return ref, nil
	}

	// The shared call outlives any one caller; each waiter gives up on its
	// own ctx.
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(ck, func() (any, error) {
		r.mu.RLock()
		ref, ok := r.cache[ck]
		r.mu.RUnlock()
		if ok {
			return ref, nil
		}
		id, err := r.repo.FindOrCreate(lookupCtx, key)
		if err != nil {
			return model.DimRef{}, fmt.Errorf("dimension: resolve %s %q: %w", key.Kind, key.Value, err)
		}
		ref = model.DimRef{ID: id, Kind: key.Kind, Name: key.Name, Value: key.Value, Year: key.Year, Month: key.Month}
		r.mu.Lock()
		r.cache[ck] = ref
		r.mu.Unlock()
		return ref, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.DimRef{}, res.Err
		}
		return res.Val.(model.DimRef), nil
	case <-ctx.Done():
		return model.DimRef{}, ctx.Err()
	}
}

// KeyFor builds the dictionary key of an already normalized value.
func KeyFor(t model.DimensionType, name, value string) (storage.DimensionKey, error) {
	switch t {
	case model.Time:
		year, month := DeriveTime(value)
		return storage.DimensionKey{Kind: model.DimTime, Value: value, Year: year, Month: month}, nil
	case model.Location:
		return storage.DimensionKey{Kind: model.DimLocation, Value: value}, nil
	case model.IndicatorName:
		return storage.DimensionKey{Kind: model.DimIndicator, Value: value}, nil
	case model.Unit:
		return storage.DimensionKey{Kind: model.DimGeneric, Name: model.UnitDimensionName, Value: value}, nil
	case model.Additional:
		n := model.NormalizeValue(name)
		if n == "" {
			return storage.DimensionKey{}, model.BadRequestf("dimension: generic value %q without dimension name", value)
		}
		return storage.DimensionKey{Kind: model.DimGeneric, Name: n, Value: value}, nil
	default:
		return storage.DimensionKey{}, model.BadRequestf("dimension: type %s has no dictionary", t)
	}
}

// DeriveTime extracts the year (first four digit group) and month of a
// period label. Either may be nil.
func DeriveTime(value string) (year, month *int) {
	if y, ok := builtin.FirstYear(value); ok {
		year = &y
	}
	if m, ok := builtin.ParseMonth(value); ok {
		month = &m
	}
	return year, month
}
