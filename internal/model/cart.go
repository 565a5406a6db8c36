// Package model defines the cart data structures shared by the engine, its
// backing stores and the view layer.
package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies which catalog an item identifier resolves into.
type Kind string

const (
	KindProduct Kind = "PRODUCT"
	KindMixture Kind = "MIXTURE"
)

// ParseKind normalises a kind string. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindProduct:
		return KindProduct, nil
	case KindMixture:
		return KindMixture, nil
	default:
		return "", NewValidationError("kind", fmt.Sprintf("unknown item kind %q", s))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindProduct || k == KindMixture
}

// ItemKey is the natural key of a line item within one cart.
type ItemKey struct {
	ItemID int64
	Kind   Kind
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ItemID)
}

// ItemDetail is the denormalized catalog snapshot attached to a line item.
// It is transient: never persisted, always re-fetched on load.
type ItemDetail struct {
	ItemID    int64           `json:"itemId"`
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Media     []string        `json:"media,omitempty"`
}

// LineItem is one (item, kind, quantity) entry of a cart.
type LineItem struct {
	ItemID   int64       `json:"itemId"`
	Kind     Kind        `json:"kind"`
	Quantity int         `json:"quantity"`
	Detail   *ItemDetail `json:"resolvedDetail,omitempty"`
}

// Key returns the natural key of the line item.
func (li LineItem) Key() ItemKey {
	return ItemKey{ItemID: li.ItemID, Kind: li.Kind}
}

// LineTotal is unit price times quantity, zero when the detail is absent.
func (li LineItem) LineTotal() decimal.Decimal {
	if li.Detail == nil {
		return decimal.Zero
	}
	return li.Detail.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// DiscountSource records who computed the cart's discount amount.
type DiscountSource string

const (
	DiscountNone DiscountSource = ""
	// DiscountPlaceholder is the local percentage policy used for anonymous carts.
	DiscountPlaceholder DiscountSource = "placeholder"
	// DiscountServer is an amount returned by the remote cart API.
	DiscountServer DiscountSource = "server"
)

// AnonymousOwner is the owner key of every anonymous cart.
const AnonymousOwner = "anonymous"

// Cart is an immutable-by-convention snapshot. Methods that change content
// return a new Cart; callers outside the engine must Clone before editing.
type Cart struct {
	OwnerKey       string          `json:"ownerKey"`
	Items          []LineItem      `json:"items"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	DiscountSource DiscountSource  `json:"discountSource,omitempty"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	Revision       uint64          `json:"revision"`
}

// NewCart returns an empty cart for the given owner.
func NewCart(owner string) Cart {
	return Cart{OwnerKey: owner, Items: []LineItem{}}
}

// IsAnonymous reports whether the cart belongs to the anonymous marker.
func (c Cart) IsAnonymous() bool {
	return c.OwnerKey == AnonymousOwner
}

// Clone returns a deep copy; details are shared since they are never mutated.
func (c Cart) Clone() Cart {
	out := c
	out.Items = make([]LineItem, len(c.Items))
	copy(out.Items, c.Items)
	return out
}

// Find returns the index of the line item with key k, or -1.
func (c Cart) Find(k ItemKey) int {
	for i, it := range c.Items {
		if it.Key() == k {
			return i
		}
	}
	return -1
}

// Quantity returns the quantity held for k, zero when absent.
func (c Cart) Quantity(k ItemKey) int {
	if i := c.Find(k); i >= 0 {
		return c.Items[i].Quantity
	}
	return 0
}

// ItemCount is the sum of all quantities.
func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// Subtotal sums resolved unit price times quantity. Unresolved items count as zero.
func (c Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range c.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// Recalculate recomputes TotalPrice from Items and DiscountAmount.
func (c Cart) Recalculate() Cart {
	c.TotalPrice = c.Subtotal().Sub(c.DiscountAmount)
	return c
}

// WithAdded adds quantity to the entry for k, appending a new entry when absent.
func (c Cart) WithAdded(k ItemKey, quantity int) Cart {
	out := c.Clone()
	if i := out.Find(k); i >= 0 {
		out.Items[i].Quantity += quantity
		return out
	}
	out.Items = append(out.Items, LineItem{ItemID: k.ItemID, Kind: k.Kind, Quantity: quantity})
	return out
}

// WithQuantity sets the quantity for k. Zero removes the entry. Setting a
// quantity on an absent key appends it.
func (c Cart) WithQuantity(k ItemKey, quantity int) Cart {
	if quantity == 0 {
		return c.Without(k)
	}
	out := c.Clone()
	if i := out.Find(k); i >= 0 {
		out.Items[i].Quantity = quantity
		return out
	}
	out.Items = append(out.Items, LineItem{ItemID: k.ItemID, Kind: k.Kind, Quantity: quantity})
	return out
}

// Without removes the entry for k. Removing an absent key returns an equal cart.
func (c Cart) Without(k ItemKey) Cart {
	out := c.Clone()
	i := out.Find(k)
	if i < 0 {
		return out
	}
	out.Items = append(out.Items[:i], out.Items[i+1:]...)
	return out
}

// Bare returns the line items stripped of resolved details.
func (c Cart) Bare() []LineItem {
	items := make([]LineItem, len(c.Items))
	for i, it := range c.Items {
		it.Detail = nil
		items[i] = it
	}
	return items
}

// Normalize folds duplicate keys into one entry and drops non-positive
// quantities, keeping first-seen order.
func Normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	index := make(map[ItemKey]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || !it.Kind.Valid() {
			continue
		}
		if i, ok := index[it.Key()]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.Key()] = len(out)
		out = append(out, it)
	}
	return out
}

// ValidateQuantity rejects negative quantities, and zero unless allowZero.
func ValidateQuantity(quantity int, allowZero bool) error {
	if quantity < 0 || (!allowZero && quantity == 0) {
		return NewInvalidQuantityError(quantity)
	}
	return nil
}
