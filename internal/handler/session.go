package handler

import (
	"log/slog"
	"net/http"
	"time"

	"cartsync/internal/auth"
)

type loginRequest struct {
	Token     string    `json:"token" validate:"required"`
	Subject   string    `json:"subject" validate:"required"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// handleLogin signs in and returns the cart once the engine has switched owner.
// POST /session/login
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "session login",
		slog.String("subject", req.Subject),
		slog.Bool("expires", !req.ExpiresAt.IsZero()),
	)

	h.session.Login(auth.Credential{Token: req.Token, Subject: req.Subject, ExpiresAt: req.ExpiresAt})
	cart, err := h.cart.Reload(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleLogout signs out and returns the fresh anonymous cart.
// POST /session/logout
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.logger.InfoContext(ctx, "session logout")

	h.session.Logout()
	cart, err := h.cart.Reload(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartBody(cart))
}

// handleHealth returns a simple health check response.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}
