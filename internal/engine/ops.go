package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cartsync/internal/auth"
	"cartsync/internal/model"
)

// mutation is one cart change expressed for both backing stores.
type mutation struct {
	// local computes the next anonymous cart; changed=false is a no-op success.
	local func(c model.Cart) (next model.Cart, changed bool)
	// remote performs the change on the server; a nil cart is a no-op success.
	remote func(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	// clearLocal deletes the storage entry instead of saving the next cart.
	clearLocal bool
}

// AddItem adds quantity of an item. Repeated adds of the same (itemId, kind)
// increment one entry; they never duplicate it.
func (e *Engine) AddItem(ctx context.Context, itemID int64, kind model.Kind, quantity int) (model.Cart, error) {
	if err := model.ValidateQuantity(quantity, false); err != nil {
		return e.CurrentSnapshot(), err
	}
	key, err := itemKey(itemID, kind)
	if err != nil {
		return e.CurrentSnapshot(), err
	}

	return e.submit(ctx, "add_item", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(c model.Cart) (model.Cart, bool) {
				return c.WithAdded(key, quantity), true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				return e.remote.AddItem(ctx, cred, key, quantity)
			},
		})
	})
}

// UpdateQuantity sets the quantity of an item. Zero removes it; a negative
// quantity is rejected before any state change.
func (e *Engine) UpdateQuantity(ctx context.Context, itemID int64, kind model.Kind, quantity int) (model.Cart, error) {
	if err := model.ValidateQuantity(quantity, true); err != nil {
		return e.CurrentSnapshot(), err
	}
	if quantity == 0 {
		return e.RemoveItem(ctx, itemID, kind)
	}
	key, err := itemKey(itemID, kind)
	if err != nil {
		return e.CurrentSnapshot(), err
	}

	return e.submit(ctx, "update_quantity", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(c model.Cart) (model.Cart, bool) {
				if c.Find(key) >= 0 && c.Quantity(key) == quantity {
					return c, false
				}
				return c.WithQuantity(key, quantity), true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				return e.remote.UpdateQuantity(ctx, cred, key, quantity)
			},
		})
	})
}

// RemoveItem removes an item. Removing an absent item succeeds without change.
func (e *Engine) RemoveItem(ctx context.Context, itemID int64, kind model.Kind) (model.Cart, error) {
	key, err := itemKey(itemID, kind)
	if err != nil {
		return e.CurrentSnapshot(), err
	}

	return e.submit(ctx, "remove_item", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(c model.Cart) (model.Cart, bool) {
				if c.Find(key) < 0 {
					return c, false
				}
				return c.Without(key), true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				cart, err := e.remote.RemoveItem(ctx, cred, key)
				if errors.Is(err, model.ErrNotFound) {
					return nil, nil
				}
				return cart, err
			},
		})
	})
}

// ApplyDiscount applies a discount code. Signed in, the server computes the
// amount; anonymous carts get the local placeholder percentage.
func (e *Engine) ApplyDiscount(ctx context.Context, code string) (model.Cart, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return e.CurrentSnapshot(), model.NewValidationError("code", "discount code is required")
	}

	return e.submit(ctx, "apply_discount", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(c model.Cart) (model.Cart, bool) {
				if c.DiscountCode == code {
					return c, false
				}
				out := c.Clone()
				out.DiscountCode = code
				return out, true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				return e.remote.ApplyDiscount(ctx, cred, code)
			},
		})
	})
}

// RemoveDiscount drops the discount.
func (e *Engine) RemoveDiscount(ctx context.Context) (model.Cart, error) {
	return e.submit(ctx, "remove_discount", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(c model.Cart) (model.Cart, bool) {
				if c.DiscountCode == "" && c.DiscountAmount.IsZero() {
					return c, false
				}
				out := c.Clone()
				out.DiscountCode = ""
				return out, true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				return e.remote.RemoveDiscount(ctx, cred)
			},
		})
	})
}

// Clear empties items and discount. For anonymous carts the storage entry
// is deleted as well.
func (e *Engine) Clear(ctx context.Context) (model.Cart, error) {
	return e.submit(ctx, "clear", func(ctx context.Context) (model.Cart, error) {
		return e.run(ctx, mutation{
			local: func(model.Cart) (model.Cart, bool) {
				return model.NewCart(model.AnonymousOwner), true
			},
			remote: func(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
				return e.remote.Clear(ctx, cred)
			},
			clearLocal: true,
		})
	})
}

// MergeAnonymousIntoAuthenticated folds the persisted anonymous cart into
// the server cart. Login transitions run it automatically; calling it again
// finds the anonymous entry already gone and only refreshes the server cart.
func (e *Engine) MergeAnonymousIntoAuthenticated(ctx context.Context) (model.Cart, error) {
	return e.submit(ctx, "merge", func(ctx context.Context) (model.Cart, error) {
		before := e.state
		err := e.syncAuth(ctx)
		if e.state != auth.StateAuthenticated {
			return e.cart, model.NewUnauthorizedError("no signed-in identity to merge into")
		}
		if before == auth.StateAnonymous {
			// syncAuth just logged in, which merged.
			return e.cart, err
		}
		return e.cart, e.merge(ctx, e.credential())
	})
}

// Reload re-reads the active backing store and re-resolves every detail.
func (e *Engine) Reload(ctx context.Context) (model.Cart, error) {
	return e.submit(ctx, "reload", func(ctx context.Context) (model.Cart, error) {
		syncErr := e.syncAuth(ctx)

		if e.state == auth.StateAuthenticated {
			if e.pendingMerge {
				err := syncErr
				if err == nil {
					err = e.merge(ctx, e.credential())
				}
				return e.cart, err
			}
			bare, err := e.remote.Fetch(ctx, e.credential())
			if err == nil {
				return e.commit(ctx, e.prepare(ctx, *bare, true)), nil
			}
			if !errors.Is(err, model.ErrUnauthorized) {
				return e.cart, err
			}
			e.demote(ctx, "credential rejected by cart API")
			return e.cart, nil
		}

		return e.commit(ctx, e.prepare(ctx, e.local.Load(ctx), true)), nil
	})
}

// run dispatches m to the active backing store. Actor only. On any failure
// the authoritative cart is left as it was.
func (e *Engine) run(ctx context.Context, m mutation) (model.Cart, error) {
	syncErr := e.syncAuth(ctx)

	if e.state == auth.StateAuthenticated && e.pendingMerge {
		err := syncErr
		if err == nil {
			err = e.merge(ctx, e.credential())
		}
		if e.state == auth.StateAuthenticated && e.pendingMerge {
			return e.cart, model.NewMergePendingError(err)
		}
	}

	if e.state == auth.StateAuthenticated {
		bare, err := m.remote(ctx, e.credential())
		switch {
		case err == nil && bare == nil:
			return e.cart, nil
		case err == nil:
			return e.commit(ctx, e.prepare(ctx, *bare, false)), nil
		case !errors.Is(err, model.ErrUnauthorized):
			return e.cart, err
		}
		e.demote(ctx, "credential rejected by cart API")
	}

	return e.runLocal(ctx, m)
}

func (e *Engine) runLocal(ctx context.Context, m mutation) (model.Cart, error) {
	next, changed := m.local(e.cart)
	if !changed {
		return e.cart, nil
	}

	prepared := e.prepare(ctx, next, false)
	var err error
	if m.clearLocal {
		err = e.local.Clear(ctx)
	} else {
		err = e.local.Save(ctx, prepared)
	}
	if err != nil {
		return e.cart, model.NewInternalError(err)
	}
	return e.commit(ctx, prepared), nil
}

func itemKey(itemID int64, kind model.Kind) (model.ItemKey, error) {
	if itemID <= 0 {
		return model.ItemKey{}, model.NewValidationError("itemId", fmt.Sprintf("%d is not a valid identifier", itemID))
	}
	if !kind.Valid() {
		return model.ItemKey{}, model.NewValidationError("kind", fmt.Sprintf("unknown item kind %q", kind))
	}
	return model.ItemKey{ItemID: itemID, Kind: kind}, nil
}
