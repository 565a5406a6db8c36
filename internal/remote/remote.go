// Package remote is the request layer to the server-side cart of an
// authenticated identity. It is stateless: no caching, no retries beyond
// what the transport provides.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cartsync/internal/auth"
	"cartsync/internal/model"
	"cartsync/internal/transport"
)

// Gateway is the server cart boundary. Every call needs a valid credential;
// a nil or expired one fails with model.ErrUnauthorized before any I/O.
// Returned carts are bare: details are attached by the engine.
type Gateway interface {
	Fetch(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	AddItem(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error)
	UpdateQuantity(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error)
	RemoveItem(ctx context.Context, cred *auth.Credential, key model.ItemKey) (*model.Cart, error)
	ApplyDiscount(ctx context.Context, cred *auth.Credential, code string) (*model.Cart, error)
	RemoveDiscount(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	Clear(ctx context.Context, cred *auth.Credential) (*model.Cart, error)
	// Merge folds items into the existing server cart. Quantities add.
	Merge(ctx context.Context, cred *auth.Credential, items []model.LineItem) (*model.Cart, error)
}

const (
	pathCart     = "/cart"
	pathItems    = "/cart/items"
	pathDiscount = "/cart/discount"
	pathMerge    = "/cart/merge"

	userAgent = "cartsync/1.0"
	service   = "cart API"
)

// Config holds remote cart client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration // per request, transport.DefaultTimeout if zero
}

// Client is the HTTP Gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	now        func() time.Time
}

// New creates a remote cart client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cart API base URL is required")
	}
	return &Client{
		httpClient: transport.NewClient(cfg.Timeout),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		now:        time.Now,
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client. Intended for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// cartResponse is the server's cart representation.
type cartResponse struct {
	OwnerKey       string          `json:"ownerKey"`
	Items          []itemPayload   `json:"items"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	DiscountCode   string          `json:"discountCode"`
}

type itemPayload struct {
	ItemID   int64  `json:"itemId"`
	Kind     string `json:"kind"`
	Quantity int    `json:"quantity"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type discountRequest struct {
	Code string `json:"code"`
}

type mergeRequest struct {
	Items []itemPayload `json:"items"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fetch returns the current server cart.
func (c *Client) Fetch(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodGet, pathCart, nil)
}

// AddItem adds quantity to the entry for key, creating it when absent.
func (c *Client) AddItem(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error) {
	body := itemPayload{ItemID: key.ItemID, Kind: string(key.Kind), Quantity: quantity}
	return c.do(ctx, cred, http.MethodPost, pathItems, body)
}

// UpdateQuantity sets the quantity for key.
func (c *Client) UpdateQuantity(ctx context.Context, cred *auth.Credential, key model.ItemKey, quantity int) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodPut, itemPath(key), quantityRequest{Quantity: quantity})
}

// RemoveItem deletes the entry for key.
func (c *Client) RemoveItem(ctx context.Context, cred *auth.Credential, key model.ItemKey) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodDelete, itemPath(key), nil)
}

// ApplyDiscount applies a discount code; the server computes the amount.
func (c *Client) ApplyDiscount(ctx context.Context, cred *auth.Credential, code string) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodPost, pathDiscount, discountRequest{Code: code})
}

// RemoveDiscount drops any discount from the server cart.
func (c *Client) RemoveDiscount(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodDelete, pathDiscount, nil)
}

// Clear empties the server cart.
func (c *Client) Clear(ctx context.Context, cred *auth.Credential) (*model.Cart, error) {
	return c.do(ctx, cred, http.MethodDelete, pathCart, nil)
}

// Merge sends the anonymous line items to be folded into the server cart.
// A 409 response maps to model.ErrMergeConflict.
func (c *Client) Merge(ctx context.Context, cred *auth.Credential, items []model.LineItem) (*model.Cart, error) {
	req := mergeRequest{Items: make([]itemPayload, 0, len(items))}
	for _, it := range items {
		req.Items = append(req.Items, itemPayload{ItemID: it.ItemID, Kind: string(it.Kind), Quantity: it.Quantity})
	}
	return c.do(ctx, cred, http.MethodPost, pathMerge, req)
}

func itemPath(key model.ItemKey) string {
	return fmt.Sprintf("%s/%s/%d", pathItems, strings.ToLower(string(key.Kind)), key.ItemID)
}

// do sends one request and decodes the cart in the response.
func (c *Client) do(ctx context.Context, cred *auth.Credential, method, path string, body any) (*model.Cart, error) {
	if !cred.Valid(c.now()) {
		return nil, model.NewUnauthorizedError("missing or expired credential")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewGatewayError(service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewGatewayError(service, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(path, resp, respBody)
	}

	var cr cartResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, model.NewGatewayError(service, fmt.Errorf("parsing response: %w", err))
	}
	return toCart(cr, cred.Subject), nil
}

// setHeaders sets auth and content headers. Mutations carry a fresh
// Idempotency-Key so a transport-level resend is not applied twice.
func (c *Client) setHeaders(req *http.Request, cred *auth.Credential) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
}

// parseErrorResponse converts a server error to an APIError.
func parseErrorResponse(path string, resp *http.Response, body []byte) error {
	var apiErr errorResponse
	json.Unmarshal(body, &apiErr) // Best effort parse

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.NewUnauthorizedError("cart API rejected credential")
	case http.StatusNotFound:
		return model.NewNotFoundError("cart item")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		msg := apiErr.Message
		if msg == "" {
			msg = "rejected by cart API"
		}
		return model.NewValidationError("request", msg)
	case http.StatusConflict:
		if path == pathMerge {
			return model.NewMergeConflictError(fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message))
		}
		return model.NewValidationError("request", apiErr.Message)
	case http.StatusTooManyRequests:
		return model.NewRateLimitError(service, RetryAfter(resp.Header))
	default:
		return model.NewGatewayError(service,
			fmt.Errorf("status %d: %s - %s", resp.StatusCode, apiErr.Code, apiErr.Message))
	}
}

// toCart maps the wire cart to the model. Unknown kinds are dropped.
func toCart(cr cartResponse, subject string) *model.Cart {
	owner := cr.OwnerKey
	if owner == "" {
		owner = subject
	}
	cart := model.NewCart(owner)
	for _, it := range cr.Items {
		kind, err := model.ParseKind(it.Kind)
		if err != nil {
			continue
		}
		cart.Items = append(cart.Items, model.LineItem{ItemID: it.ItemID, Kind: kind, Quantity: it.Quantity})
	}
	cart.Items = model.Normalize(cart.Items)

	cart.DiscountAmount = cr.DiscountAmount
	if cart.DiscountAmount.IsNegative() {
		cart.DiscountAmount = decimal.Zero
	}
	cart.DiscountCode = cr.DiscountCode
	if cart.DiscountCode != "" || !cart.DiscountAmount.IsZero() {
		cart.DiscountSource = model.DiscountServer
	}
	return &cart
}

var _ Gateway = (*Client)(nil)
