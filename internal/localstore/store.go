// Package localstore persists the anonymous cart across restarts.
//
// Only the minimal (itemId, kind, quantity) list plus the discount fields are
// written; resolved details and totals are derived and never stored. Every
// document carries a schemaVersion so older saved carts can be migrated
// instead of being dropped as corrupt.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/mod/semver"

	"cartsync/internal/model"
)

// DefaultKey is the storage entry name of the anonymous cart.
const DefaultKey = "cart"

// SchemaVersion is written into every saved document.
const SchemaVersion = "v1"

// legacyVersion is assumed for documents written before versioning existed.
const legacyVersion = "v0"

// document is the persisted layout.
type document struct {
	SchemaVersion  string          `json:"schemaVersion,omitempty"`
	Items          []storedItem    `json:"items"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	DiscountCode   string          `json:"discountCode,omitempty"`
}

type storedItem struct {
	ItemID   int64  `json:"itemId"`
	Kind     string `json:"kind"`
	Quantity int    `json:"quantity"`
}

// Store reads and writes the anonymous cart through a Storage.
// It is the only component that touches the storage entry.
type Store struct {
	storage Storage
	key     string
	logger  *slog.Logger
}

// New creates a Store. An empty key uses DefaultKey.
func New(storage Storage, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: storage, key: key, logger: logger}
}

// Load returns the persisted anonymous cart. Absent, unreadable or corrupt
// content yields an empty cart; the failure is logged, never returned.
func (s *Store) Load(ctx context.Context) model.Cart {
	data, ok, err := s.storage.Get(ctx, s.key)
	if err != nil {
		s.logger.WarnContext(ctx, "local cart unreadable, starting empty",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return model.NewCart(model.AnonymousOwner)
	}
	if !ok {
		return model.NewCart(model.AnonymousOwner)
	}

	cart, err := Decode(data)
	if err != nil {
		s.logger.WarnContext(ctx, "local cart corrupt, starting empty",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return model.NewCart(model.AnonymousOwner)
	}
	return cart
}

// Save writes the persistable fields of cart.
func (s *Store) Save(ctx context.Context, cart model.Cart) error {
	data, err := Encode(cart)
	if err != nil {
		return err
	}
	if err := s.storage.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("saving local cart: %w", err)
	}
	return nil
}

// Clear deletes the storage entry.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.storage.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clearing local cart: %w", err)
	}
	return nil
}

// Encode serializes the persistable fields at the current schema version.
func Encode(cart model.Cart) ([]byte, error) {
	doc := document{
		SchemaVersion:  SchemaVersion,
		Items:          make([]storedItem, 0, len(cart.Items)),
		DiscountAmount: cart.DiscountAmount,
		DiscountCode:   cart.DiscountCode,
	}
	for _, it := range cart.Items {
		doc.Items = append(doc.Items, storedItem{
			ItemID:   it.ItemID,
			Kind:     string(it.Kind),
			Quantity: it.Quantity,
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding local cart: %w", err)
	}
	return data, nil
}

// Decode parses a persisted document of any supported schema version.
// Errors wrap model.ErrStorageCorrupt.
func Decode(data []byte) (model.Cart, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Cart{}, model.NewStorageCorruptError(err)
	}

	version := doc.SchemaVersion
	if version == "" {
		version = legacyVersion
	}
	if !semver.IsValid(version) {
		return model.Cart{}, model.NewStorageCorruptError(fmt.Errorf("schema version %q", version))
	}
	if semver.Compare(semver.Major(version), semver.Major(SchemaVersion)) > 0 {
		return model.Cart{}, model.NewStorageCorruptError(fmt.Errorf("schema version %s is newer than %s", version, SchemaVersion))
	}

	if semver.Compare(version, SchemaVersion) < 0 {
		doc = migrateLegacy(doc)
	}

	cart := model.NewCart(model.AnonymousOwner)
	for _, si := range doc.Items {
		kind, err := model.ParseKind(si.Kind)
		if err != nil {
			return model.Cart{}, model.NewStorageCorruptError(err)
		}
		cart.Items = append(cart.Items, model.LineItem{ItemID: si.ItemID, Kind: kind, Quantity: si.Quantity})
	}
	cart.Items = model.Normalize(cart.Items)

	if doc.DiscountAmount.IsNegative() {
		doc.DiscountAmount = decimal.Zero
	}
	cart.DiscountAmount = doc.DiscountAmount
	cart.DiscountCode = doc.DiscountCode
	if cart.DiscountCode != "" || !cart.DiscountAmount.IsZero() {
		cart.DiscountSource = model.DiscountPlaceholder
	}
	return cart, nil
}

// migrateLegacy upgrades an unversioned document. Unversioned carts used
// lowercase kinds and could hold entries the old UI never cleaned up; entries
// with an unknown kind are dropped rather than failing the whole cart.
func migrateLegacy(doc document) document {
	items := make([]storedItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		kind, err := model.ParseKind(it.Kind)
		if err != nil {
			continue
		}
		it.Kind = string(kind)
		items = append(items, it)
	}
	doc.Items = items
	doc.SchemaVersion = SchemaVersion
	return doc
}
