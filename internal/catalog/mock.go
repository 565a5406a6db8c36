package catalog

import (
	"context"

	"cartsync/internal/model"
)

// Mock implements Resolver for testing.
// Each method can be configured via function fields.
type Mock struct {
	ResolveProductFunc func(ctx context.Context, id int64) (*model.ItemDetail, error)
	ResolveMixtureFunc func(ctx context.Context, id int64) (*model.ItemDetail, error)
}

// ResolveProduct calls the configured ResolveProductFunc or returns not found.
func (m *Mock) ResolveProduct(ctx context.Context, id int64) (*model.ItemDetail, error) {
	if m.ResolveProductFunc != nil {
		return m.ResolveProductFunc(ctx, id)
	}
	return nil, model.NewNotFoundError("product")
}

// ResolveMixture calls the configured ResolveMixtureFunc or returns not found.
func (m *Mock) ResolveMixture(ctx context.Context, id int64) (*model.ItemDetail, error) {
	if m.ResolveMixtureFunc != nil {
		return m.ResolveMixtureFunc(ctx, id)
	}
	return nil, model.NewNotFoundError("mixture")
}

// Verify Mock implements Resolver interface at compile time.
var _ Resolver = (*Mock)(nil)
