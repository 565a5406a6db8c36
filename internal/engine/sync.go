package engine

import (
	"context"
	"errors"
	"log/slog"

	"cartsync/internal/auth"
	"cartsync/internal/model"
)

// handleTransition reacts to an authentication event. Events only wake the
// engine up; syncAuth re-reads the authenticator so a stale, duplicated or
// missed event cannot drive it into the wrong state.
func (e *Engine) handleTransition(ctx context.Context, t auth.Transition) {
	e.logger.InfoContext(ctx, "auth transition",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("subject", t.Subject),
	)
	if err := e.syncAuth(ctx); err != nil {
		e.logger.WarnContext(ctx, "cart sync after auth transition failed",
			slog.String("error", err.Error()),
		)
	}
}

// syncAuth aligns the engine state with the authenticator. Actor only.
//
//	anonymous     + usable credential        → login (merge)
//	authenticated + signed out               → logout (fresh anonymous cart)
//	authenticated + credential rejected      → demote (keep local storage)
//	authenticated + different subject        → logout, then login
func (e *Engine) syncAuth(ctx context.Context) error {
	signedIn := e.auth.IsAuthenticated()
	cred := e.auth.CurrentCredential()
	usable := signedIn && e.usable(cred)

	switch {
	case e.state == auth.StateAuthenticated && !signedIn:
		e.logout(ctx)
	case e.state == auth.StateAuthenticated && !usable:
		e.demote(ctx, "credential unusable")
	case e.state == auth.StateAuthenticated && cred.Subject != e.subject:
		e.logout(ctx)
		return e.login(ctx, cred)
	case e.state == auth.StateAnonymous && usable:
		return e.login(ctx, cred)
	}
	return nil
}

func (e *Engine) usable(cred *auth.Credential) bool {
	return cred.Valid(e.now()) && cred.Token != e.rejectedToken
}

// login switches to the server cart and runs the one-time merge.
func (e *Engine) login(ctx context.Context, cred *auth.Credential) error {
	e.setState(auth.StateAuthenticated, cred.Subject)
	e.setPending(true)
	e.logger.InfoContext(ctx, "cart owner changed",
		slog.String("state", auth.StateAuthenticated.String()),
		slog.String("subject", cred.Subject),
	)
	return e.merge(ctx, cred)
}

// logout starts a fresh anonymous cart. Neither the merged anonymous cart
// nor the server cart is carried over. An anonymous cart whose merge never
// succeeded stays in local storage and becomes the live cart again.
func (e *Engine) logout(ctx context.Context) {
	unmerged := e.pendingMerge
	e.setState(auth.StateAnonymous, "")
	e.setPending(false)
	e.logger.InfoContext(ctx, "cart owner changed",
		slog.String("state", auth.StateAnonymous.String()),
		slog.Bool("unmerged_cart_kept", unmerged),
	)
	if unmerged {
		e.commit(ctx, e.prepare(ctx, e.local.Load(ctx), true))
		return
	}
	if err := e.local.Clear(ctx); err != nil {
		e.logger.ErrorContext(ctx, "clearing local cart on logout failed", slog.String("error", err.Error()))
	}
	e.commit(ctx, e.prepare(ctx, model.NewCart(model.AnonymousOwner), true))
}

// demote falls back to the local cart after the server refused the
// credential. Unlike logout it keeps local storage, so an unmerged
// anonymous cart survives until the identity layer supplies a new token.
func (e *Engine) demote(ctx context.Context, reason string) {
	if cred := e.auth.CurrentCredential(); cred != nil {
		e.rejectedToken = cred.Token
	}
	e.setState(auth.StateAnonymous, "")
	e.setPending(false)
	e.logger.WarnContext(ctx, "treating session as anonymous", slog.String("reason", reason))
	e.commit(ctx, e.prepare(ctx, e.local.Load(ctx), true))
}

// credential returns the token for a server call, or nil if unusable.
func (e *Engine) credential() *auth.Credential {
	cred := e.auth.CurrentCredential()
	if !e.usable(cred) {
		return nil
	}
	return cred
}

// merge folds the persisted anonymous cart into the server cart. The local
// entry is deleted only after the server accepted the merge; on failure the
// merge stays pending and is retried before the next mutation.
func (e *Engine) merge(ctx context.Context, cred *auth.Credential) error {
	anon := e.local.Load(ctx)

	var (
		merged *model.Cart
		err    error
	)
	if len(anon.Items) == 0 {
		merged, err = e.remote.Fetch(ctx, cred)
	} else {
		merged, err = e.remote.Merge(ctx, cred, anon.Bare())
	}
	if err != nil {
		if errors.Is(err, model.ErrUnauthorized) {
			e.demote(ctx, "credential rejected during merge")
			return err
		}
		e.logger.WarnContext(ctx, "cart merge failed, anonymous cart kept",
			slog.Int("items", len(anon.Items)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, model.ErrMergeConflict) {
			return err
		}
		return model.NewMergeConflictError(err)
	}

	if err := e.local.Clear(ctx); err != nil {
		e.logger.ErrorContext(ctx, "clearing merged anonymous cart failed", slog.String("error", err.Error()))
	}
	e.setPending(false)

	// The placeholder policy does not survive login; the server decides what
	// the code is worth.
	if anon.DiscountCode != "" && merged.DiscountCode == "" {
		applied, err := e.remote.ApplyDiscount(ctx, cred, anon.DiscountCode)
		if err != nil {
			e.logger.WarnContext(ctx, "re-applying anonymous discount code failed",
				slog.String("code", anon.DiscountCode),
				slog.String("error", err.Error()),
			)
		} else {
			merged = applied
		}
	}

	if len(anon.Items) > 0 {
		e.logger.InfoContext(ctx, "anonymous cart merged",
			slog.String("subject", cred.Subject),
			slog.Int("items", len(anon.Items)),
		)
	}
	e.commit(ctx, e.prepare(ctx, *merged, true))
	return nil
}
