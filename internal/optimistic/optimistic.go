// Package optimistic implements the quantity-change protocol every cart view
// follows: show the desired quantity at once, send the mutation, then let the
// authoritative snapshot win or roll back on failure.
//
// Optimistic values are view-local overlays on top of the last snapshot the
// engine published. They are never written back into the engine's cart.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cartsync/internal/model"
	"cartsync/internal/notify"
	"cartsync/internal/reconcile"
)

// LineState is the per-line protocol state.
type LineState int

const (
	// Idle shows the authoritative quantity.
	Idle LineState = iota
	// Optimistic shows the desired quantity while the mutation is in flight.
	Optimistic
	// Reconciling keeps the confirmed quantity until the next snapshot lands.
	Reconciling
)

func (s LineState) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case Reconciling:
		return "reconciling"
	default:
		return "idle"
	}
}

// Mutator is the subset of the engine a view mutates through.
type Mutator interface {
	UpdateQuantity(ctx context.Context, itemID int64, kind model.Kind, quantity int) (model.Cart, error)
	RemoveItem(ctx context.Context, itemID int64, kind model.Kind) (model.Cart, error)
}

// Line is one displayed cart line.
type Line struct {
	model.LineItem
	State    LineState `json:"-"`
	Updating bool      `json:"updating"`
}

type overlay struct {
	quantity int
	state    LineState
	seq      uint64
}

// View holds one view's display state.
type View struct {
	mutator  Mutator
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	base     model.Cart
	overlays map[model.ItemKey]overlay
	seq      uint64
}

// NewView creates a view over mutator. Notifications go to notifier.
func NewView(mutator Mutator, notifier notify.Notifier, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{
		mutator:  mutator,
		notifier: notifier,
		logger:   logger,
		base:     model.NewCart(model.AnonymousOwner),
		overlays: make(map[model.ItemKey]overlay),
	}
}

// Apply installs an authoritative snapshot and returns what changed.
// Confirmed overlays are dropped; in-flight ones stay on top. A snapshot
// older than the one already held is ignored.
func (v *View) Apply(c model.Cart) *reconcile.LineItemDiff {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c.Revision < v.base.Revision {
		return &reconcile.LineItemDiff{}
	}
	diff := reconcile.DiffLineItems(v.base.Items, c.Items)
	v.base = c.Clone()
	for k, o := range v.overlays {
		if o.state == Reconciling {
			delete(v.overlays, k)
		}
	}
	return diff
}

// Follow applies every snapshot from ch until ctx is done or ch closes.
func (v *View) Follow(ctx context.Context, ch <-chan model.Cart) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			v.Apply(c)
		}
	}
}

// Authoritative returns the last applied snapshot.
func (v *View) Authoritative() model.Cart {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.base.Clone()
}

// Lines returns the display lines: authoritative items with overlays applied.
func (v *View) Lines() []Line {
	v.mu.Lock()
	defer v.mu.Unlock()

	lines := make([]Line, 0, len(v.base.Items)+len(v.overlays))
	seen := make(map[model.ItemKey]bool, len(v.base.Items))
	for _, it := range v.base.Items {
		seen[it.Key()] = true
		lines = append(lines, v.lineLocked(it))
	}
	for k := range v.overlays {
		if !seen[k] {
			lines = append(lines, v.lineLocked(model.LineItem{ItemID: k.ItemID, Kind: k.Kind}))
		}
	}
	return lines
}

// Line returns the display line for k and whether it is shown.
func (v *View) Line(k model.ItemKey) (Line, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.base.Find(k); i >= 0 {
		return v.lineLocked(v.base.Items[i]), true
	}
	if _, ok := v.overlays[k]; ok {
		return v.lineLocked(model.LineItem{ItemID: k.ItemID, Kind: k.Kind}), true
	}
	return Line{}, false
}

func (v *View) lineLocked(it model.LineItem) Line {
	l := Line{LineItem: it}
	if o, ok := v.overlays[it.Key()]; ok {
		l.Quantity = o.quantity
		l.State = o.state
		l.Updating = o.state == Optimistic
	}
	return l
}

// SetQuantity runs the protocol for a quantity change. Zero removes the line.
func (v *View) SetQuantity(ctx context.Context, k model.ItemKey, quantity int) error {
	if err := model.ValidateQuantity(quantity, true); err != nil {
		v.fail(ctx, k, err)
		return err
	}
	return v.mutate(ctx, k, quantity, func(ctx context.Context) (model.Cart, error) {
		return v.mutator.UpdateQuantity(ctx, k.ItemID, k.Kind, quantity)
	})
}

// Increment changes the displayed quantity by delta, never below zero.
func (v *View) Increment(ctx context.Context, k model.ItemKey, delta int) error {
	current := 0
	if l, ok := v.Line(k); ok {
		current = l.Quantity
	}
	return v.SetQuantity(ctx, k, max(current+delta, 0))
}

// Remove runs the protocol for a removal.
func (v *View) Remove(ctx context.Context, k model.ItemKey) error {
	return v.mutate(ctx, k, 0, func(ctx context.Context) (model.Cart, error) {
		return v.mutator.RemoveItem(ctx, k.ItemID, k.Kind)
	})
}

// mutate shows quantity for k, runs call, then confirms or rolls back.
func (v *View) mutate(ctx context.Context, k model.ItemKey, quantity int, call func(context.Context) (model.Cart, error)) error {
	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.overlays[k] = overlay{quantity: quantity, state: Optimistic, seq: seq}
	v.mu.Unlock()

	cart, err := call(ctx)

	v.mu.Lock()
	o, ok := v.overlays[k]
	current := ok && o.seq == seq
	if err != nil {
		if current {
			delete(v.overlays, k)
		}
		v.mu.Unlock()
		v.fail(ctx, k, err)
		return err
	}
	if current {
		o.state = Reconciling
		v.overlays[k] = o
	}
	v.mu.Unlock()

	// The engine's reply is itself an authoritative snapshot.
	v.Apply(cart)
	if v.notifier != nil {
		v.notifier.Notify(ctx, notify.Notification{Level: notify.LevelSuccess, Message: "Cart updated"})
	}
	return nil
}

func (v *View) fail(ctx context.Context, k model.ItemKey, err error) {
	v.logger.ErrorContext(ctx, "cart update failed",
		slog.String("item", k.String()),
		slog.String("error", err.Error()),
	)
	if v.notifier != nil {
		v.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Message: fmt.Sprintf("Could not update %s, please try again", k),
		})
	}
}
