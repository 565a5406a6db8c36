package remote

import (
	"context"

	"cartsync/internal/auth"
	"cartsync/internal/model"
)

// Mock implements Gateway for testing.
// Each method can be configured via function fields.
type Mock struct {
	FetchFunc          func(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	AddItemFunc        func(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error)
	UpdateQuantityFunc func(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error)
	RemoveItemFunc     func(ctx context.Context, cred *auth.Credential, key model.ItemKey) (*model.Cart, error)
	ApplyDiscountFunc  func(ctx context.Context, cred *auth.Credential, code string) (*model.Cart, error)
	RemoveDiscountFunc func(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	ClearFunc          func(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	MergeFunc          func(ctx context.Context, cred *auth.Credential, items []model.LineItem) (*model.Cart, error)
}

func emptyFor(cred *auth.Credential) *model.Cart {
	c := model.NewCart(cred.Subject)
	return &c
}

// Fetch calls the configured FetchFunc or returns an empty cart.
func (m *Mock) Fetch(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, cred)
	}
	return emptyFor(cred), nil
}

// AddItem calls the configured AddItemFunc or returns an error.
func (m *Mock) AddItem(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error) {
	if m.AddItemFunc != nil {
		return m.AddItemFunc(ctx, cred, key, quantity)
	}
	return nil, model.NewInternalError(nil)
}

// UpdateQuantity calls the configured UpdateQuantityFunc or returns an error.
func (m *Mock) UpdateQuantity(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error) {
	if m.UpdateQuantityFunc != nil {
		return m.UpdateQuantityFunc(ctx, cred, key, quantity)
	}
	return nil, model.NewInternalError(nil)
}

// RemoveItem calls the configured RemoveItemFunc or returns an error.
func (m *Mock) RemoveItem(ctx context.Context, cred *auth.Credential, key model.ItemKey) (*model.Cart, error) {
	if m.RemoveItemFunc != nil {
		return m.RemoveItemFunc(ctx, cred, key)
	}
	return nil, model.NewInternalError(nil)
}

// ApplyDiscount calls the configured ApplyDiscountFunc or returns an error.
func (m *Mock) ApplyDiscount(ctx context.Context, cred *auth.Credential, code string) (*model.Cart, error) {
	if m.ApplyDiscountFunc != nil {
		return m.ApplyDiscountFunc(ctx, cred, code)
	}
	return nil, model.NewInternalError(nil)
}

// RemoveDiscount calls the configured RemoveDiscountFunc or returns an error.
func (m *Mock) RemoveDiscount(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	if m.RemoveDiscountFunc != nil {
		return m.RemoveDiscountFunc(ctx, cred)
	}
	return nil, model.NewInternalError(nil)
}

// Clear calls the configured ClearFunc or returns an empty cart.
func (m *Mock) Clear(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx, cred)
	}
	return emptyFor(cred), nil
}

// Merge calls the configured MergeFunc or returns an error.
func (m *Mock) Merge(ctx context.Context, cred *auth.Credential, items []model.LineItem) (*model.Cart, error) {
	if m.MergeFunc != nil {
		return m.MergeFunc(ctx, cred, items)
	}
	return nil, model.NewInternalError(nil)
}

// Verify Mock implements Gateway interface at compile time.
var _ Gateway = (*Mock)(nil)
