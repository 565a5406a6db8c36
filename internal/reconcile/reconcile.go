// Package reconcile computes the delta between two cart snapshots.
// The engine logs it on every publish; views use it to decide which
// displayed lines an authoritative snapshot has superseded.
package reconcile

import (
	"fmt"
	"strings"

	"cartsync/internal/model"
)

// LineItemDiff describes how the line items of one snapshot became the next.
// Entries follow the order of the snapshot they were found in.
type LineItemDiff struct {
	Added   []ItemAdded   // Keys in next but not previous
	Removed []ItemRemoved // Keys in previous but not next
	Updated []ItemUpdated // Keys in both with different quantities
}

// ItemAdded is a line that appeared.
type ItemAdded struct {
	Key      model.ItemKey
	Quantity int
}

// ItemRemoved is a line that disappeared.
type ItemRemoved struct {
	Key         model.ItemKey
	OldQuantity int
}

// ItemUpdated is a quantity change on an existing line.
type ItemUpdated struct {
	Key         model.ItemKey
	OldQuantity int
	NewQuantity int
}

// IsEmpty returns true if no line item changed.
func (d *LineItemDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Touched reports whether k was added, removed or updated.
func (d *LineItemDiff) Touched(k model.ItemKey) bool {
	for _, a := range d.Added {
		if a.Key == k {
			return true
		}
	}
	for _, r := range d.Removed {
		if r.Key == k {
			return true
		}
	}
	for _, u := range d.Updated {
		if u.Key == k {
			return true
		}
	}
	return false
}

// String renders the diff compactly for logs, e.g. "+PRODUCT:1x2 ~MIXTURE:4 1→3 -PRODUCT:9".
func (d *LineItemDiff) String() string {
	if d.IsEmpty() {
		return "no changes"
	}
	var parts []string
	for _, a := range d.Added {
		parts = append(parts, fmt.Sprintf("+%sx%d", a.Key, a.Quantity))
	}
	for _, u := range d.Updated {
		parts = append(parts, fmt.Sprintf("~%s %d→%d", u.Key, u.OldQuantity, u.NewQuantity))
	}
	for _, r := range d.Removed {
		parts = append(parts, fmt.Sprintf("-%s", r.Key))
	}
	return strings.Join(parts, " ")
}

// DiffLineItems computes the delta between previous and next line items.
// Matching is by the (itemId, kind) key; resolved details are ignored.
//
// Algorithm:
//  1. Index previous by key
//  2. Walk next: unseen key → added; seen with different qty → updated
//  3. Walk previous: key missing from next → removed
func DiffLineItems(previous, next []model.LineItem) *LineItemDiff {
	diff := &LineItemDiff{}

	prevByKey := make(map[model.ItemKey]int, len(previous))
	for _, item := range previous {
		prevByKey[item.Key()] += item.Quantity
	}

	nextKeys := make(map[model.ItemKey]bool, len(next))
	for _, item := range next {
		k := item.Key()
		nextKeys[k] = true
		old, exists := prevByKey[k]
		switch {
		case !exists:
			diff.Added = append(diff.Added, ItemAdded{Key: k, Quantity: item.Quantity})
		case old != item.Quantity:
			diff.Updated = append(diff.Updated, ItemUpdated{Key: k, OldQuantity: old, NewQuantity: item.Quantity})
		}
	}

	for _, item := range previous {
		if !nextKeys[item.Key()] {
			diff.Removed = append(diff.Removed, ItemRemoved{Key: item.Key(), OldQuantity: item.Quantity})
		}
	}

	return diff
}

// DiscountDiff describes a discount change between two snapshots.
type DiscountDiff struct {
	OldCode   string
	NewCode   string
	OldSource model.DiscountSource
	NewSource model.DiscountSource
	Amount    bool // amount differs
}

// IsEmpty returns true if the discount did not change.
func (d *DiscountDiff) IsEmpty() bool {
	return d.OldCode == d.NewCode && d.OldSource == d.NewSource && !d.Amount
}

// DiffDiscount compares the discount fields of two carts.
func DiffDiscount(previous, next model.Cart) *DiscountDiff {
	return &DiscountDiff{
		OldCode:   previous.DiscountCode,
		NewCode:   next.DiscountCode,
		OldSource: previous.DiscountSource,
		NewSource: next.DiscountSource,
		Amount:    !previous.DiscountAmount.Equal(next.DiscountAmount),
	}
}

// OwnerChanged returns true if the snapshots belong to different owners,
// which happens on login merge and logout.
func OwnerChanged(previous, next model.Cart) bool {
	return previous.OwnerKey != next.OwnerKey
}
