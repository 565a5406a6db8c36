// Package engine owns the live cart.
//
// A single actor goroutine is the only writer: every mutation and every
// authentication transition is a message processed in arrival order, so a
// caller's second mutation always sees the first one's effect. Readers get
// immutable snapshots, either synchronously via CurrentSnapshot or as a
// conflated stream via Observe.
//
// The backing store follows the authentication state. Anonymous carts live
// in the local store with a placeholder discount policy; authenticated carts
// live on the server. On login the anonymous cart is merged into the server
// cart exactly once, and its local entry is deleted only after the merge
// succeeded.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cartsync/internal/auth"
	"cartsync/internal/catalog"
	"cartsync/internal/localstore"
	"cartsync/internal/model"
	"cartsync/internal/remote"
)

// Engine lifecycle errors.
var (
	ErrNotStarted = errors.New("engine not started")
	ErrClosed     = errors.New("engine closed")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultEnrichConcurrency        = 8
	DefaultAnonymousDiscountPercent = 20
)

// Config tunes the engine.
type Config struct {
	// EnrichConcurrency bounds in-flight catalog lookups per publish.
	EnrichConcurrency int
	// AnonymousDiscountPercent is the placeholder discount applied locally
	// when an anonymous cart holds a discount code.
	AnonymousDiscountPercent int
}

// Deps are the engine's collaborators.
type Deps struct {
	Catalog catalog.Resolver
	Local   *localstore.Store
	Remote  remote.Gateway
	Auth    auth.Authenticator
	Logger  *slog.Logger
}

// Engine is the cart synchronization engine.
type Engine struct {
	cfg     Config
	catalog catalog.Resolver
	local   *localstore.Store
	remote  remote.Gateway
	auth    auth.Authenticator
	logger  *slog.Logger
	now     func() time.Time

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	closing  sync.Once

	current      atomic.Pointer[model.Cart]
	stateView    atomic.Int32
	pendingView  atomic.Bool
	subsMu       sync.Mutex
	subs         map[*Subscription]struct{}
	unsubscribe  func()

	// Owned by the actor goroutine.
	cart          model.Cart
	state         auth.State
	subject       string
	pendingMerge  bool
	rejectedToken string
	revision      uint64
}

type request struct {
	ctx   context.Context
	op    string
	fn    func(ctx context.Context) (model.Cart, error)
	reply chan result
}

type result struct {
	cart model.Cart
	err  error
}

// New creates an engine. Call Start before issuing operations.
func New(cfg Config, deps Deps) *Engine {
	if cfg.EnrichConcurrency <= 0 {
		cfg.EnrichConcurrency = DefaultEnrichConcurrency
	}
	if cfg.AnonymousDiscountPercent <= 0 {
		cfg.AnonymousDiscountPercent = DefaultAnonymousDiscountPercent
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		catalog:  deps.Catalog,
		local:    deps.Local,
		remote:   deps.Remote,
		auth:     deps.Auth,
		logger:   logger,
		now:      time.Now,
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		subs:     make(map[*Subscription]struct{}),
		cart:     model.NewCart(model.AnonymousOwner),
		state:    auth.StateAnonymous,
	}
	initial := e.cart
	e.current.Store(&initial)
	return e
}

// Start launches the actor, restores the anonymous cart and aligns the
// engine with the current authentication state. A failed initial sync is
// logged, not returned: the engine still serves whatever it could load.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	transitions, cancel := e.auth.Subscribe()
	e.unsubscribe = cancel
	go e.loop(ctx, transitions)

	_, err := e.submit(ctx, "start", func(ctx context.Context) (model.Cart, error) {
		anon := e.local.Load(ctx)
		e.commit(ctx, e.prepare(ctx, anon, true))
		if err := e.syncAuth(ctx); err != nil {
			return e.cart, err
		}
		return e.cart, nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		e.logger.WarnContext(ctx, "initial cart sync failed", slog.String("error", err.Error()))
	}
	return nil
}

// Close stops the actor and ends every subscription. Operations issued
// afterwards fail with ErrClosed.
func (e *Engine) Close() {
	e.closing.Do(func() {
		close(e.quit)
		if e.started.Load() {
			<-e.stopped
		}
		if e.unsubscribe != nil {
			e.unsubscribe()
		}

		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		for s := range e.subs {
			s.closeLocked()
		}
		e.subs = map[*Subscription]struct{}{}
	})
}

// loop is the single writer. Requests and transitions are handled one at a time.
func (e *Engine) loop(ctx context.Context, transitions <-chan auth.Transition) {
	defer close(e.stopped)
	for {
		select {
		case <-e.quit:
			return
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			e.handleTransition(ctx, t)
		case req := <-e.requests:
			// A caller that gives up still lets its operation finish so the
			// engine never diverges from what the backing store applied.
			cart, err := req.fn(context.WithoutCancel(req.ctx))
			req.reply <- result{cart: cart, err: err}
		}
	}
}

// submit hands fn to the actor and waits for its result.
func (e *Engine) submit(ctx context.Context, op string, fn func(ctx context.Context) (model.Cart, error)) (model.Cart, error) {
	if !e.started.Load() {
		return e.CurrentSnapshot(), ErrNotStarted
	}

	req := request{ctx: ctx, op: op, fn: fn, reply: make(chan result, 1)}
	select {
	case e.requests <- req:
	case <-e.stopped:
		return e.CurrentSnapshot(), ErrClosed
	case <-ctx.Done():
		return e.CurrentSnapshot(), ctx.Err()
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			e.logger.DebugContext(ctx, "cart operation failed",
				slog.String("op", op),
				slog.String("error", res.err.Error()),
			)
		}
		return res.cart, res.err
	case <-ctx.Done():
		return e.CurrentSnapshot(), ctx.Err()
	}
}

// CurrentSnapshot returns the latest published cart. It never blocks and
// never touches the network. The snapshot is shared: Clone before editing.
func (e *Engine) CurrentSnapshot() model.Cart {
	return *e.current.Load()
}

// State returns the authentication state the engine is operating in.
func (e *Engine) State() auth.State {
	return auth.State(e.stateView.Load())
}

// MergePending reports whether a login merge has not yet succeeded.
func (e *Engine) MergePending() bool {
	return e.pendingView.Load()
}

// commit publishes next as the authoritative cart. Actor only.
func (e *Engine) commit(ctx context.Context, next model.Cart) model.Cart {
	prev := e.cart
	e.revision++
	next.Revision = e.revision
	e.cart = next

	snap := next
	e.current.Store(&snap)
	e.logPublish(ctx, prev, next)
	e.broadcast(snap)
	return next
}

func (e *Engine) setState(state auth.State, subject string) {
	e.state = state
	e.subject = subject
	e.stateView.Store(int32(state))
}

func (e *Engine) setPending(pending bool) {
	e.pendingMerge = pending
	e.pendingView.Store(pending)
}
