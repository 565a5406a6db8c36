// Package handler provides the local HTTP surface over the cart engine.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"cartsync/internal/auth"
	"cartsync/internal/engine"
	"cartsync/internal/model"
	"cartsync/internal/optimistic"
)

// CartService is the engine surface the handlers drive.
type CartService interface {
	CurrentSnapshot() model.Cart
	State() auth.State
	MergePending() bool
	Observe(ctx context.Context) *engine.Subscription
	AddItem(ctx context.Context, itemID int64, kind model.Kind, quantity int) (model.Cart, error)
	RemoveItem(ctx context.Context, itemID int64, kind model.Kind) (model.Cart, error)
	ApplyDiscount(ctx context.Context, code string) (model.Cart, error)
	RemoveDiscount(ctx context.Context) (model.Cart, error)
	Clear(ctx context.Context) (model.Cart, error)
	MergeAnonymousIntoAuthenticated(ctx context.Context) (model.Cart, error)
	Reload(ctx context.Context) (model.Cart, error)
}

// SessionManager drives authentication transitions.
type SessionManager interface {
	Login(cred auth.Credential)
	Logout()
}

var _ CartService = (*engine.Engine)(nil)
var _ SessionManager = (*auth.Session)(nil)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cart     CartService
	view     *optimistic.View
	session  SessionManager
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a Handler. Quantity changes go through view so concurrent
// clients see them as pending lines until the engine confirms.
func New(cart CartService, view *optimistic.View, session SessionManager, logger *slog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		cart:     cart,
		view:     view,
		session:  session,
		validate: v,
		logger:   logger,
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /cart", h.handleGetCart)
	mux.HandleFunc("GET /cart/lines", h.handleGetLines)
	mux.HandleFunc("GET /cart/events", h.handleEvents)
	mux.HandleFunc("POST /cart/reload", h.handleReload)
	mux.HandleFunc("POST /cart/items", h.handleAddItem)
	mux.HandleFunc("PUT /cart/items/{kind}/{id}", h.handleSetQuantity)
	mux.HandleFunc("DELETE /cart/items/{kind}/{id}", h.handleRemoveItem)
	mux.HandleFunc("POST /cart/discount", h.handleApplyDiscount)
	mux.HandleFunc("DELETE /cart/discount", h.handleRemoveDiscount)
	mux.HandleFunc("DELETE /cart", h.handleClear)
	mux.HandleFunc("POST /cart/merge", h.handleMerge)

	mux.HandleFunc("POST /session/login", h.handleLogin)
	mux.HandleFunc("POST /session/logout", h.handleLogout)

	mux.Handle("/mcp", h.NewMCPHandler())

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// cartResponse is the body of every cart endpoint.
type cartResponse struct {
	Cart         model.Cart `json:"cart"`
	State        string     `json:"state"`
	MergePending bool       `json:"mergePending"`
}

func (h *Handler) cartBody(c model.Cart) cartResponse {
	return cartResponse{
		Cart:         c,
		State:        h.cart.State().String(),
		MergePending: h.cart.MergePending(),
	}
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError if present.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	apiErr := h.toAPIError(err)
	if apiErr.RetryAfter > 0 {
		secs := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	h.writeJSON(w, apiErr.StatusCode, errorResponse{
		Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		},
	})
}

// toAPIError finds the APIError in err's chain or hides err behind a 500.
func (h *Handler) toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	h.logger.Error("internal error", slog.String("error", err.Error()))
	return model.NewInternalError(err)
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaxRequestBodySize limits JSON request bodies to 1MB.
const MaxRequestBodySize = 1 << 20

// decodeJSON reads JSON from the request body into v and validates it.
func (h *Handler) decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Decoder details are not exposed to clients.
		return model.NewValidationError("body", "invalid JSON")
	}
	return h.validateStruct(v)
}

// validateStruct applies the struct's validate tags.
func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return model.NewValidationError(fe.Field(), validationReason(fe))
	}
	return model.NewValidationError("body", err.Error())
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// itemPath parses the {kind}/{id} path segments.
func itemPath(r *http.Request) (model.ItemKey, error) {
	kind, err := model.ParseKind(r.PathValue("kind"))
	if err != nil {
		return model.ItemKey{}, err
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return model.ItemKey{}, model.NewValidationError("id", "must be a positive integer")
	}
	return model.ItemKey{ItemID: id, Kind: kind}, nil
}
