package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// handleEvents streams cart snapshots as server-sent events. The current
// snapshot is sent first; a slow client skips intermediate snapshots.
// GET /cart/events
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.cart.Observe(ctx)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(h.cartBody(c))
			if err != nil {
				h.logger.ErrorContext(ctx, "failed to encode event", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: cart\ndata: %s\n\n", c.Revision, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.WarnContext(ctx, "event stream not flushable", slog.String("error", err.Error()))
				return
			}
		}
	}
}
