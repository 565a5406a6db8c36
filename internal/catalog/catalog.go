// Package catalog resolves bare line items into denormalized catalog details.
// Pure reads: no state is kept between calls.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cartsync/internal/model"
	"cartsync/internal/transport"
)

// Resolver looks up catalog entities by identifier.
// Each method fails with a model.ErrNotFound or model.ErrGatewayUnavailable chain.
type Resolver interface {
	ResolveProduct(ctx context.Context, id int64) (*model.ItemDetail, error)
	ResolveMixture(ctx context.Context, id int64) (*model.ItemDetail, error)
}

// Resolve dispatches on the item kind.
func Resolve(ctx context.Context, r Resolver, key model.ItemKey) (*model.ItemDetail, error) {
	switch key.Kind {
	case model.KindProduct:
		return r.ResolveProduct(ctx, key.ItemID)
	case model.KindMixture:
		return r.ResolveMixture(ctx, key.ItemID)
	default:
		return nil, model.NewValidationError("kind", fmt.Sprintf("cannot resolve kind %q", key.Kind))
	}
}

// API paths relative to the catalog base URL.
const (
	pathProducts = "/products/"
	pathMixtures = "/mixtures/"

	userAgent = "cartsync/1.0"
)

// Config holds catalog client settings.
type Config struct {
	BaseURL string
	APIKey  string        // optional, sent as X-API-Key
	Timeout time.Duration // per request, transport.DefaultTimeout if zero
}

// Client is the HTTP catalog resolver.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a catalog client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	return &Client{
		httpClient: transport.NewClient(cfg.Timeout),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client. Intended for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// productResponse is the wire shape of a product.
type productResponse struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// mixtureResponse is the wire shape of a custom mixture. A mixture is priced
// per unit as a whole; its components are informational only.
type mixtureResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Image      string          `json:"image"`
	Components []struct {
		ProductID int64 `json:"productId"`
		Share     int   `json:"share"`
	} `json:"components"`
}

// ResolveProduct fetches a product by ID.
func (c *Client) ResolveProduct(ctx context.Context, id int64) (*model.ItemDetail, error) {
	var resp productResponse
	if err := c.get(ctx, fmt.Sprintf("%s%d", pathProducts, id), "product", &resp); err != nil {
		return nil, err
	}

	detail := &model.ItemDetail{
		ItemID:    id,
		Kind:      model.KindProduct,
		Name:      resp.Name,
		UnitPrice: resp.Price,
	}
	for _, img := range resp.Images {
		if img.URL != "" {
			detail.Media = append(detail.Media, img.URL)
		}
	}
	return detail, nil
}

// ResolveMixture fetches a mixture by ID.
func (c *Client) ResolveMixture(ctx context.Context, id int64) (*model.ItemDetail, error) {
	var resp mixtureResponse
	if err := c.get(ctx, fmt.Sprintf("%s%d", pathMixtures, id), "mixture", &resp); err != nil {
		return nil, err
	}

	detail := &model.ItemDetail{
		ItemID:    id,
		Kind:      model.KindMixture,
		Name:      resp.Name,
		UnitPrice: resp.Price,
	}
	if resp.Image != "" {
		detail.Media = []string{resp.Image}
	}
	return detail, nil
}

// get performs a GET and decodes the JSON body into result.
func (c *Client) get(ctx context.Context, path, resource string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewGatewayError("catalog", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewGatewayError("catalog", fmt.Errorf("reading response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.NewNotFoundError(resource)
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.NewRateLimitError("catalog", 0)
	case resp.StatusCode >= 400:
		return model.NewGatewayError("catalog", fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return model.NewGatewayError("catalog", fmt.Errorf("parsing response: %w", err))
	}
	return nil
}

var _ Resolver = (*Client)(nil)
