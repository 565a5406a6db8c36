// MCP transport for the cart engine using the official MCP Go SDK.
// Exposes the same operations as the REST routes as MCP tools.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"cartsync/internal/model"
)

// === MCP Tool Input/Output Types ===
// Amounts are integer minor units (cents) so tool schemas stay numeric.

// EmptyInput is the input of tools that take no arguments.
type EmptyInput struct{}

// ItemInput identifies a cart line.
type ItemInput struct {
	ItemID int64  `json:"item_id" jsonschema:"catalog item ID"`
	Kind   string `json:"kind" jsonschema:"item kind, PRODUCT or MIXTURE"`
}

// AddItemInput is the input schema for add_item.
type AddItemInput struct {
	ItemID   int64  `json:"item_id" jsonschema:"catalog item ID"`
	Kind     string `json:"kind" jsonschema:"item kind, PRODUCT or MIXTURE"`
	Quantity int    `json:"quantity" jsonschema:"quantity to add, at least 1"`
}

// SetQuantityInput is the input schema for set_quantity.
type SetQuantityInput struct {
	ItemID   int64  `json:"item_id" jsonschema:"catalog item ID"`
	Kind     string `json:"kind" jsonschema:"item kind, PRODUCT or MIXTURE"`
	Quantity int    `json:"quantity" jsonschema:"new quantity, 0 removes the line"`
}

// DiscountInput is the input schema for apply_discount.
type DiscountInput struct {
	Code string `json:"code" jsonschema:"discount code"`
}

// CartOutput is the cart as returned by every tool.
type CartOutput struct {
	Owner          string       `json:"owner"`
	State          string       `json:"state"`
	MergePending   bool         `json:"merge_pending"`
	Lines          []LineOutput `json:"lines"`
	DiscountCode   string       `json:"discount_code,omitempty"`
	DiscountAmount int64        `json:"discount_amount"`
	Total          int64        `json:"total"`
	Revision       uint64       `json:"revision"`
}

// LineOutput is one cart line. Name and UnitPrice are absent when the
// catalog lookup failed.
type LineOutput struct {
	ItemID    int64  `json:"item_id"`
	Kind      string `json:"kind"`
	Quantity  int    `json:"quantity"`
	Name      string `json:"name,omitempty"`
	UnitPrice *int64 `json:"unit_price,omitempty"`
}

func (h *Handler) toCartOutput(c model.Cart) *CartOutput {
	out := &CartOutput{
		Owner:          c.OwnerKey,
		State:          h.cart.State().String(),
		MergePending:   h.cart.MergePending(),
		Lines:          make([]LineOutput, 0, len(c.Items)),
		DiscountCode:   c.DiscountCode,
		DiscountAmount: model.ToMinorUnits(c.DiscountAmount),
		Total:          model.ToMinorUnits(c.TotalPrice),
		Revision:       c.Revision,
	}
	for _, it := range c.Items {
		line := LineOutput{ItemID: it.ItemID, Kind: string(it.Kind), Quantity: it.Quantity}
		if it.Detail != nil {
			price := model.ToMinorUnits(it.Detail.UnitPrice)
			line.Name = it.Detail.Name
			line.UnitPrice = &price
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}

// NewMCPServer creates an MCP server with the cart tools registered.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "cartsync",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Shopping cart of the local session. " +
				"Use these tools to read the cart and change items and discount codes.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cart",
		Description: "Get the current cart with resolved item details and totals in cents.",
	}, h.mcpGetCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_item",
		Description: "Add a quantity of an item. Adding an item already in the cart increases its quantity.",
	}, h.mcpAddItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_quantity",
		Description: "Set the quantity of an item. Quantity 0 removes it.",
	}, h.mcpSetQuantity)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_item",
		Description: "Remove an item from the cart.",
	}, h.mcpRemoveItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_discount",
		Description: "Apply a discount code to the cart.",
	}, h.mcpApplyDiscount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_discount",
		Description: "Remove the discount code from the cart.",
	}, h.mcpRemoveDiscount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cart",
		Description: "Remove every item and the discount.",
	}, h.mcpClearCart)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===

func (h *Handler) mcpGetCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input EmptyInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	return nil, h.toCartOutput(h.cart.CurrentSnapshot()), nil
}

func (h *Handler) mcpAddItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddItemInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	kind, err := model.ParseKind(input.Kind)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	cart, err := h.cart.AddItem(ctx, input.ItemID, kind, input.Quantity)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(cart), nil
}

func (h *Handler) mcpSetQuantity(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SetQuantityInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	kind, err := model.ParseKind(input.Kind)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	key := model.ItemKey{ItemID: input.ItemID, Kind: kind}
	if err := h.view.SetQuantity(ctx, key, input.Quantity); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(h.cart.CurrentSnapshot()), nil
}

func (h *Handler) mcpRemoveItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ItemInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	kind, err := model.ParseKind(input.Kind)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	if err := h.view.Remove(ctx, model.ItemKey{ItemID: input.ItemID, Kind: kind}); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(h.cart.CurrentSnapshot()), nil
}

func (h *Handler) mcpApplyDiscount(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input DiscountInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	cart, err := h.cart.ApplyDiscount(ctx, input.Code)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(cart), nil
}

func (h *Handler) mcpRemoveDiscount(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input EmptyInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	cart, err := h.cart.RemoveDiscount(ctx)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(cart), nil
}

func (h *Handler) mcpClearCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input EmptyInput,
) (*mcp.CallToolResult, *CartOutput, error) {
	cart, err := h.cart.Clear(ctx)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.toCartOutput(cart), nil
}

// mcpError converts engine errors to MCP-friendly errors.
func (h *Handler) mcpError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	// Internal details stay in the log.
	h.logger.Error("mcp internal error", "error", err.Error())
	return fmt.Errorf("internal error")
}
