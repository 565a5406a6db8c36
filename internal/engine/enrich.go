package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cartsync/internal/catalog"
	"cartsync/internal/model"
)

// prepare turns a bare or partially resolved cart into a publishable one:
// details attached, placeholder discount recomputed, total derived.
// With full set every line is re-resolved; otherwise details already held
// by the live cart are reused for unchanged keys.
func (e *Engine) prepare(ctx context.Context, next model.Cart, full bool) model.Cart {
	out := e.enrich(ctx, next, full)
	if out.IsAnonymous() {
		out = e.applyPlaceholder(out)
	}
	return out.Recalculate()
}

// enrich resolves line item details concurrently. A failed lookup leaves
// that line's detail absent; the rest of the cart is unaffected. Every
// branch is joined before returning.
func (e *Engine) enrich(ctx context.Context, next model.Cart, full bool) model.Cart {
	out := next.Clone()

	known := make(map[model.ItemKey]*model.ItemDetail, len(e.cart.Items))
	if !full {
		for _, it := range e.cart.Items {
			if it.Detail != nil {
				known[it.Key()] = it.Detail
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.EnrichConcurrency)

	for i := range out.Items {
		key := out.Items[i].Key()
		if !full {
			if d := out.Items[i].Detail; d != nil {
				continue
			}
			if d, ok := known[key]; ok {
				out.Items[i].Detail = d
				continue
			}
		}
		out.Items[i].Detail = nil

		// Each branch writes only its own index.
		g.Go(func() error {
			detail, err := catalog.Resolve(ctx, e.catalog, key)
			if err != nil {
				e.logger.WarnContext(ctx, "item detail unresolved",
					slog.String("item", key.String()),
					slog.String("error", model.NewResolutionError(key, err).Error()),
				)
				return nil
			}
			out.Items[i].Detail = detail
			return nil
		})
	}
	g.Wait()

	return out
}

// applyPlaceholder sets the local discount policy on an anonymous cart:
// a fixed percentage of the subtotal while a code is held.
func (e *Engine) applyPlaceholder(c model.Cart) model.Cart {
	if c.DiscountCode == "" {
		c.DiscountAmount = decimal.Zero
		c.DiscountSource = model.DiscountNone
		return c
	}
	c.DiscountAmount = model.Percentage(c.Subtotal(), e.cfg.AnonymousDiscountPercent)
	c.DiscountSource = model.DiscountPlaceholder
	return c
}
