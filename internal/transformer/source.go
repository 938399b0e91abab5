package transformer

import (
	"context"

	"statload/internal/model"
)

// RowSource streams the data rows of an analyzed file in file order.
//
// Implementations close nothing they did not open and return ctx.Err() on
// cancellation.
type RowSource interface {
	StreamRows(ctx context.Context, a model.CsvAnalysis, out chan<- *Row) error
}

// Resolver maps raw cell values to dictionary references.
type Resolver interface {
	Resolve(ctx context.Context, t model.DimensionType, name, raw string) (model.DimRef, bool, error)
	ResolveIndicator(ctx context.Context, name string) (model.DimRef, bool, error)
}
