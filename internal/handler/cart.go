package handler

import (
	"log/slog"
	"net/http"

	"cartsync/internal/model"
	"cartsync/internal/optimistic"
)

type addItemRequest struct {
	ItemID   int64  `json:"itemId" validate:"required,gt=0"`
	Kind     string `json:"kind" validate:"required"`
	Quantity int    `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required"`
}

type discountRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type linesResponse struct {
	Lines []optimistic.Line `json:"lines"`
}

// handleGetCart returns the current snapshot.
// GET /cart
func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cartBody(h.cart.CurrentSnapshot()))
}

// handleGetLines returns the display lines, including changes still in flight.
// GET /cart/lines
func (h *Handler) handleGetLines(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, linesResponse{Lines: h.view.Lines()})
}

// handleReload re-reads the active store and re-resolves item details.
// POST /cart/reload
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.Reload(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleAddItem adds an item.
// POST /cart/items
func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req addItemRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	kind, err := model.ParseKind(req.Kind)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "adding item",
		slog.Int64("item_id", req.ItemID),
		slog.String("kind", string(kind)),
		slog.Int("quantity", req.Quantity),
	)

	cart, err := h.cart.AddItem(ctx, req.ItemID, kind, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleSetQuantity sets an item's quantity through the optimistic view.
// PUT /cart/items/{kind}/{id}
func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := itemPath(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req setQuantityRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "setting quantity",
		slog.String("item", key.String()),
		slog.Int("quantity", *req.Quantity),
	)

	if err := h.view.SetQuantity(ctx, key, *req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(h.cart.CurrentSnapshot()))
}

// handleRemoveItem removes an item through the optimistic view.
// DELETE /cart/items/{kind}/{id}
func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := itemPath(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "removing item", slog.String("item", key.String()))

	if err := h.view.Remove(ctx, key); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(h.cart.CurrentSnapshot()))
}

// handleApplyDiscount applies a discount code.
// POST /cart/discount
func (h *Handler) handleApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	cart, err := h.cart.ApplyDiscount(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleRemoveDiscount drops the discount.
// DELETE /cart/discount
func (h *Handler) handleRemoveDiscount(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.RemoveDiscount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleClear empties the cart.
// DELETE /cart
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.Clear(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleMerge merges the anonymous cart into the signed-in cart.
// POST /cart/merge
func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.MergeAnonymousIntoAuthenticated(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}
