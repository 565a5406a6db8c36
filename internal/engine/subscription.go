package engine

import (
	"context"
	"log/slog"
	"sync"

	"cartsync/internal/model"
	"cartsync/internal/reconcile"
)

// Subscription is a conflated stream of cart snapshots. A subscriber that
// falls behind skips intermediate snapshots and only sees the latest one;
// it never blocks the engine.
type Subscription struct {
	engine *Engine
	ch     chan model.Cart
	done   chan struct{}
	once   sync.Once
	closed bool // guarded by engine.subsMu
}

// C returns the snapshot channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan model.Cart {
	return s.ch
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.engine.subsMu.Lock()
		defer s.engine.subsMu.Unlock()
		delete(s.engine.subs, s)
		s.closeLocked()
	})
}

// closeLocked closes the channel. Caller holds engine.subsMu.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// offerLocked replaces any undelivered snapshot with c. Caller holds engine.subsMu.
func (s *Subscription) offerLocked(c model.Cart) {
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- c
}

// Observe subscribes to cart snapshots. The latest snapshot is delivered
// immediately, then every subsequent publish. The subscription ends when
// ctx is done, Close is called, or the engine closes.
func (e *Engine) Observe(ctx context.Context) *Subscription {
	s := &Subscription{engine: e, ch: make(chan model.Cart, 1), done: make(chan struct{})}

	e.subsMu.Lock()
	select {
	case <-e.quit:
		s.closeLocked()
		e.subsMu.Unlock()
		return s
	default:
	}
	e.subs[s] = struct{}{}
	s.offerLocked(e.CurrentSnapshot())
	e.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		case <-e.quit:
		}
	}()
	return s
}

// broadcast offers snap to every live subscription.
func (e *Engine) broadcast(snap model.Cart) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for s := range e.subs {
		s.offerLocked(snap)
	}
}

// logPublish records what changed between two published snapshots.
func (e *Engine) logPublish(ctx context.Context, prev, next model.Cart) {
	if !e.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	items := reconcile.DiffLineItems(prev.Items, next.Items)
	discount := reconcile.DiffDiscount(prev, next)
	e.logger.DebugContext(ctx, "cart published",
		slog.Uint64("revision", next.Revision),
		slog.String("owner", next.OwnerKey),
		slog.Bool("owner_changed", reconcile.OwnerChanged(prev, next)),
		slog.String("items", items.String()),
		slog.Bool("discount_changed", !discount.IsEmpty()),
		slog.String("total", next.TotalPrice.StringFixed(model.CurrencyPlaces)),
	)
}
