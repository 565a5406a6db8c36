package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cartsync/internal/auth"
	"cartsync/internal/catalog"
	"cartsync/internal/localstore"
	"cartsync/internal/model"
)

var (
	tea    = model.ItemKey{ItemID: 1, Kind: model.KindProduct}
	mug    = model.ItemKey{ItemID: 2, Kind: model.KindProduct}
	blend  = model.ItemKey{ItemID: 3, Kind: model.KindMixture}
	broken = model.ItemKey{ItemID: 99, Kind: model.KindProduct}
)

// prices is the fake catalog.
var prices = map[model.ItemKey]string{
	tea:   "10.00",
	mug:   "7.50",
	blend: "4.25",
}

func fakeCatalog() *catalog.Mock {
	resolve := func(key model.ItemKey) (*model.ItemDetail, error) {
		p, ok := prices[key]
		if !ok {
			return nil, model.NewNotFoundError("item")
		}
		return &model.ItemDetail{ItemID: key.ItemID, Kind: key.Kind, Name: key.String(), UnitPrice: decimal.RequireFromString(p)}, nil
	}
	return &catalog.Mock{
		ResolveProductFunc: func(_ context.Context, id int64) (*model.ItemDetail, error) {
			return resolve(model.ItemKey{ItemID: id, Kind: model.KindProduct})
		},
		ResolveMixtureFunc: func(_ context.Context, id int64) (*model.ItemDetail, error) {
			return resolve(model.ItemKey{ItemID: id, Kind: model.KindMixture})
		},
	}
}

// serverDiscount is what the fake server grants for any code.
var serverDiscount = decimal.RequireFromString("5.00")

// fakeRemote is an in-memory server cart per subject.
type fakeRemote struct {
	mu    sync.Mutex
	carts map[string]model.Cart
	calls map[string]int
	fail  map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		carts: make(map[string]model.Cart),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (f *fakeRemote) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) seed(subject string, items ...model.LineItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := model.NewCart(subject)
	c.Items = items
	f.carts[subject] = c
}

func (f *fakeRemote) mutate(op string, cred *auth.Credential, fn func(c model.Cart) model.Cart) (*model.Cart, error) {
	if !cred.Valid(time.Now()) {
		return nil, model.NewUnauthorizedError("missing credential")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.fail[op]; err != nil {
		return nil, err
	}
	c, ok := f.carts[cred.Subject]
	if !ok {
		c = model.NewCart(cred.Subject)
	}
	c = fn(c)
	f.carts[cred.Subject] = c
	out := c.Clone()
	out.Items = out.Bare()
	return &out, nil
}

func (f *fakeRemote) Fetch(_ context.Context, cred *auth.Credential) (*model.Cart, error) {
	return f.mutate("fetch", cred, func(c model.Cart) model.Cart { return c })
}

func (f *fakeRemote) AddItem(_ context.Context, cred *auth.Credential, key model.ItemKey, q int) (*model.Cart, error) {
	return f.mutate("add", cred, func(c model.Cart) model.Cart { return c.WithAdded(key, q) })
}

func (f *fakeRemote) UpdateQuantity(_ context.Context, cred *auth.Credential, key model.ItemKey, q int) (*model.Cart, error) {
	return f.mutate("update", cred, func(c model.Cart) model.Cart { return c.WithQuantity(key, q) })
}

func (f *fakeRemote) RemoveItem(_ context.Context, cred *auth.Credential, key model.ItemKey) (*model.Cart, error) {
	return f.mutate("remove", cred, func(c model.Cart) model.Cart { return c.Without(key) })
}

func (f *fakeRemote) ApplyDiscount(_ context.Context, cred *auth.Credential, code string) (*model.Cart, error) {
	return f.mutate("discount", cred, func(c model.Cart) model.Cart {
		c.DiscountCode = code
		c.DiscountAmount = serverDiscount
		c.DiscountSource = model.DiscountServer
		return c
	})
}

func (f *fakeRemote) RemoveDiscount(_ context.Context, cred *auth.Credential) (*model.Cart, error) {
	return f.mutate("undiscount", cred, func(c model.Cart) model.Cart {
		c.DiscountCode = ""
		c.DiscountAmount = decimal.Zero
		c.DiscountSource = model.DiscountNone
		return c
	})
}

func (f *fakeRemote) Clear(_ context.Context, cred *auth.Credential) (*model.Cart, error) {
	return f.mutate("clear", cred, func(c model.Cart) model.Cart { return model.NewCart(c.OwnerKey) })
}

func (f *fakeRemote) Merge(_ context.Context, cred *auth.Credential, items []model.LineItem) (*model.Cart, error) {
	return f.mutate("merge", cred, func(c model.Cart) model.Cart {
		for _, it := range items {
			c = c.WithAdded(it.Key(), it.Quantity)
		}
		return c
	})
}

type harness struct {
	engine  *Engine
	remote  *fakeRemote
	session *auth.Session
	storage *localstore.MemoryStorage
	store   *localstore.Store
	catalog *catalog.Mock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, localstore.NewMemoryStorage(), auth.NewSession(), newFakeRemote())
}

func newHarnessWith(t *testing.T, storage *localstore.MemoryStorage, session *auth.Session, rem *fakeRemote) *harness {
	t.Helper()
	h := &harness{
		remote:  rem,
		session: session,
		storage: storage,
		store:   localstore.New(storage, "", quietLogger()),
		catalog: fakeCatalog(),
	}
	h.engine = New(Config{}, Deps{
		Catalog: h.catalog,
		Local:   h.store,
		Remote:  h.remote,
		Auth:    h.session,
		Logger:  quietLogger(),
	})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.engine.Close)
	return h
}

// login signs in and waits until the engine has run the login merge.
func (h *harness) login(t *testing.T, subject string) {
	t.Helper()
	h.session.Login(auth.Credential{Token: "tok-" + subject, Subject: subject})
	if _, err := h.engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload after login: %v", err)
	}
}

func mustAdd(t *testing.T, e *Engine, key model.ItemKey, q int) model.Cart {
	t.Helper()
	c, err := e.AddItem(context.Background(), key.ItemID, key.Kind, q)
	if err != nil {
		t.Fatalf("AddItem(%s, %d): %v", key, q, err)
	}
	return c
}

func assertTotal(t *testing.T, c model.Cart) {
	t.Helper()
	want := decimal.Zero
	for _, it := range c.Items {
		if it.Detail != nil {
			want = want.Add(it.Detail.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
	}
	want = want.Sub(c.DiscountAmount)
	if !c.TotalPrice.Equal(want) {
		t.Errorf("TotalPrice = %s, want %s", c.TotalPrice, want)
	}
}

func TestOperationsBeforeStart(t *testing.T) {
	e := New(Config{}, Deps{Auth: auth.NewSession()})
	if _, err := e.AddItem(context.Background(), 1, model.KindProduct, 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
	if got := e.CurrentSnapshot(); !got.IsAnonymous() || len(got.Items) != 0 {
		t.Errorf("initial snapshot = %+v, want empty anonymous cart", got)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	h := newHarness(t)
	h.engine.Close()
	if _, err := h.engine.AddItem(context.Background(), 1, model.KindProduct, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestAddItem_QuantitiesMerge(t *testing.T) {
	tests := []struct {
		name  string
		login bool
	}{
		{"anonymous", false},
		{"authenticated", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.login {
				h.login(t, "alice")
			}

			mustAdd(t, h.engine, tea, 2)
			c := mustAdd(t, h.engine, tea, 3)

			if len(c.Items) != 1 {
				t.Fatalf("items = %d, want 1", len(c.Items))
			}
			if c.Items[0].Quantity != 5 {
				t.Errorf("Quantity = %d, want 5", c.Items[0].Quantity)
			}
			assertTotal(t, c)
			if !c.TotalPrice.Equal(decimal.RequireFromString("50")) {
				t.Errorf("TotalPrice = %s, want 50", c.TotalPrice)
			}
		})
	}
}

func TestAddItem_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 1)
	before := h.engine.CurrentSnapshot()

	tests := []struct {
		name     string
		id       int64
		kind     model.Kind
		qty      int
		sentinel error
	}{
		{"zero quantity", 1, model.KindProduct, 0, model.ErrInvalidQuantity},
		{"negative quantity", 1, model.KindProduct, -2, model.ErrInvalidQuantity},
		{"unknown kind", 1, "BUNDLE", 1, model.ErrInvalidRequest},
		{"bad id", 0, model.KindProduct, 1, model.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.engine.AddItem(context.Background(), tt.id, tt.kind, tt.qty)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("err = %v, want %v", err, tt.sentinel)
			}
			if got.Revision != before.Revision {
				t.Errorf("returned revision %d, want unchanged %d", got.Revision, before.Revision)
			}
		})
	}

	if after := h.engine.CurrentSnapshot(); after.Revision != before.Revision {
		t.Errorf("state changed: revision %d → %d", before.Revision, after.Revision)
	}
}

func TestUpdateQuantity(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2)
	mustAdd(t, h.engine, mug, 1)

	c, err := h.engine.UpdateQuantity(context.Background(), tea.ItemID, tea.Kind, 4)
	if err != nil {
		t.Fatalf("UpdateQuantity: %v", err)
	}
	if c.Quantity(tea) != 4 {
		t.Errorf("Quantity = %d, want 4", c.Quantity(tea))
	}
	assertTotal(t, c)

	if _, err := h.engine.UpdateQuantity(context.Background(), tea.ItemID, tea.Kind, -1); !errors.Is(err, model.ErrInvalidQuantity) {
		t.Errorf("negative err = %v, want ErrInvalidQuantity", err)
	}
	if h.engine.CurrentSnapshot().Quantity(tea) != 4 {
		t.Error("rejected update changed state")
	}

	c, err = h.engine.UpdateQuantity(context.Background(), tea.ItemID, tea.Kind, 0)
	if err != nil {
		t.Fatalf("UpdateQuantity(0): %v", err)
	}
	if c.Find(tea) >= 0 {
		t.Error("quantity 0 should remove the entry")
	}
	if len(c.Items) != 1 {
		t.Errorf("items = %d, want 1", len(c.Items))
	}
}

func TestRemoveItem_AbsentIsNoop(t *testing.T) {
	tests := []struct {
		name  string
		login bool
	}{
		{"anonymous", false},
		{"authenticated", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.login {
				h.login(t, "alice")
			}
			mustAdd(t, h.engine, tea, 2)
			before := h.engine.CurrentSnapshot()

			after, err := h.engine.RemoveItem(context.Background(), blend.ItemID, blend.Kind)
			if err != nil {
				t.Fatalf("RemoveItem: %v", err)
			}
			if len(after.Items) != len(before.Items) || after.Quantity(tea) != 2 {
				t.Errorf("items changed: %+v", after.Items)
			}
			if !after.TotalPrice.Equal(before.TotalPrice) {
				t.Errorf("TotalPrice = %s, want %s", after.TotalPrice, before.TotalPrice)
			}
		})
	}
}

func TestPartialEnrichmentFailure(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 1)
	mustAdd(t, h.engine, broken, 2)
	c := mustAdd(t, h.engine, blend, 2)

	if len(c.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(c.Items))
	}
	if c.Items[0].Detail == nil || c.Items[2].Detail == nil {
		t.Error("items #1 and #3 should be resolved")
	}
	if c.Items[1].Detail != nil {
		t.Error("item #2 should have no detail")
	}
	assertTotal(t, c)
	if !c.TotalPrice.Equal(decimal.RequireFromString("18.50")) {
		t.Errorf("TotalPrice = %s, want 18.50", c.TotalPrice)
	}
}

func TestEnrichment_RunsConcurrently(t *testing.T) {
	storage := localstore.NewMemoryStorage()
	seed := model.NewCart(model.AnonymousOwner).WithAdded(tea, 1).WithAdded(mug, 1).WithAdded(blend, 1)
	data, _ := localstore.Encode(seed)
	storage.Set(context.Background(), localstore.DefaultKey, data)

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	slow := func(ctx context.Context, key model.ItemKey) (*model.ItemDetail, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 3 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
		return &model.ItemDetail{ItemID: key.ItemID, Kind: key.Kind, UnitPrice: decimal.NewFromInt(1)}, nil
	}

	e := New(Config{EnrichConcurrency: 4}, Deps{
		Catalog: &catalog.Mock{
			ResolveProductFunc: func(ctx context.Context, id int64) (*model.ItemDetail, error) {
				return slow(ctx, model.ItemKey{ItemID: id, Kind: model.KindProduct})
			},
			ResolveMixtureFunc: func(ctx context.Context, id int64) (*model.ItemDetail, error) {
				return slow(ctx, model.ItemKey{ItemID: id, Kind: model.KindMixture})
			},
		},
		Local:  localstore.New(storage, "", quietLogger()),
		Remote: newFakeRemote(),
		Auth:   auth.NewSession(),
		Logger: quietLogger(),
	})
	e.Start(context.Background())
	defer e.Close()

	c := e.CurrentSnapshot()
	if peak.Load() != 3 {
		t.Errorf("peak in-flight lookups = %d, want 3", peak.Load())
	}
	for _, it := range c.Items {
		if it.Detail == nil {
			t.Errorf("%s unresolved; publish must wait for every branch", it.Key())
		}
	}
}

func TestEnrichment_ReusesDetailsOnIncrementalMutation(t *testing.T) {
	h := newHarness(t)
	var lookups atomic.Int32
	inner := h.catalog.ResolveProductFunc
	h.catalog.ResolveProductFunc = func(ctx context.Context, id int64) (*model.ItemDetail, error) {
		lookups.Add(1)
		return inner(ctx, id)
	}

	mustAdd(t, h.engine, tea, 1)
	mustAdd(t, h.engine, tea, 1)
	mustAdd(t, h.engine, mug, 1)

	if got := lookups.Load(); got != 2 {
		t.Errorf("lookups = %d, want 2 (one per new key)", got)
	}

	h.engine.Reload(context.Background())
	if got := lookups.Load(); got != 4 {
		t.Errorf("lookups after reload = %d, want 4 (full re-resolve)", got)
	}
}

func TestAnonymousPlaceholderDiscount(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2) // 20.00

	c, err := h.engine.ApplyDiscount(context.Background(), "SPRING")
	if err != nil {
		t.Fatalf("ApplyDiscount: %v", err)
	}
	if c.DiscountSource != model.DiscountPlaceholder {
		t.Errorf("DiscountSource = %q, want placeholder", c.DiscountSource)
	}
	if !c.DiscountAmount.Equal(decimal.RequireFromString("4")) {
		t.Errorf("DiscountAmount = %s, want 4 (20%% of 20)", c.DiscountAmount)
	}
	assertTotal(t, c)

	// Placeholder tracks the subtotal on every mutation.
	c = mustAdd(t, h.engine, mug, 2) // +15.00
	if !c.DiscountAmount.Equal(decimal.RequireFromString("7")) {
		t.Errorf("DiscountAmount = %s, want 7 (20%% of 35)", c.DiscountAmount)
	}
	assertTotal(t, c)

	if h.remote.count("discount") != 0 {
		t.Error("anonymous discount must not call the server")
	}

	c, err = h.engine.RemoveDiscount(context.Background())
	if err != nil {
		t.Fatalf("RemoveDiscount: %v", err)
	}
	if !c.DiscountAmount.IsZero() || c.DiscountCode != "" || c.DiscountSource != model.DiscountNone {
		t.Errorf("discount not removed: %s %q %q", c.DiscountAmount, c.DiscountCode, c.DiscountSource)
	}

	if _, err := h.engine.ApplyDiscount(context.Background(), "  "); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("blank code err = %v, want ErrInvalidRequest", err)
	}
}

func TestAuthenticatedServerDiscount(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")
	mustAdd(t, h.engine, tea, 2)

	c, err := h.engine.ApplyDiscount(context.Background(), "SPRING")
	if err != nil {
		t.Fatalf("ApplyDiscount: %v", err)
	}
	if c.DiscountSource != model.DiscountServer {
		t.Errorf("DiscountSource = %q, want server", c.DiscountSource)
	}
	if !c.DiscountAmount.Equal(serverDiscount) {
		t.Errorf("DiscountAmount = %s, want %s", c.DiscountAmount, serverDiscount)
	}
	assertTotal(t, c)
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2)
	h.engine.ApplyDiscount(context.Background(), "SPRING")

	c, err := h.engine.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(c.Items) != 0 || !c.DiscountAmount.IsZero() || c.DiscountCode != "" {
		t.Errorf("cart not empty: %+v", c)
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); ok {
		t.Error("anonymous clear should delete the storage entry")
	}
}

func TestAnonymousCartPersists(t *testing.T) {
	storage := localstore.NewMemoryStorage()
	h := newHarnessWith(t, storage, auth.NewSession(), newFakeRemote())
	mustAdd(t, h.engine, tea, 2)
	h.engine.ApplyDiscount(context.Background(), "SPRING")
	h.engine.Close()

	restarted := newHarnessWith(t, storage, auth.NewSession(), newFakeRemote())
	c := restarted.engine.CurrentSnapshot()
	if c.Quantity(tea) != 2 {
		t.Errorf("Quantity after restart = %d, want 2", c.Quantity(tea))
	}
	if c.Items[0].Detail == nil {
		t.Error("details should be re-resolved on load")
	}
	if c.DiscountCode != "SPRING" || !c.DiscountAmount.Equal(decimal.RequireFromString("4")) {
		t.Errorf("discount after restart = %q %s", c.DiscountCode, c.DiscountAmount)
	}
	assertTotal(t, c)
}

func TestMergeOnLogin_Once(t *testing.T) {
	h := newHarness(t)
	h.remote.seed("alice", model.LineItem{ItemID: tea.ItemID, Kind: tea.Kind, Quantity: 1})

	mustAdd(t, h.engine, tea, 2)
	mustAdd(t, h.engine, blend, 1)

	h.login(t, "alice")

	if got := h.remote.count("merge"); got != 1 {
		t.Fatalf("merge calls = %d, want 1", got)
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); ok {
		t.Error("anonymous storage should be deleted after merge")
	}

	c := h.engine.CurrentSnapshot()
	if c.OwnerKey != "alice" || h.engine.State() != auth.StateAuthenticated {
		t.Errorf("owner = %q state = %s", c.OwnerKey, h.engine.State())
	}
	if c.Quantity(tea) != 3 || c.Quantity(blend) != 1 {
		t.Errorf("merged items = %+v", c.Items)
	}
	assertTotal(t, c)

	// Re-login without logout must not merge again.
	h.session.Login(auth.Credential{Token: "tok-alice-2", Subject: "alice"})
	c, err := h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := h.remote.count("merge"); got != 1 {
		t.Errorf("merge calls after re-login = %d, want 1", got)
	}
	if c.Quantity(tea) != 3 {
		t.Errorf("Quantity = %d, want 3", c.Quantity(tea))
	}

	// Explicit call only refreshes.
	if _, err := h.engine.MergeAnonymousIntoAuthenticated(context.Background()); err != nil {
		t.Fatalf("MergeAnonymousIntoAuthenticated: %v", err)
	}
	if got := h.remote.count("merge"); got != 1 {
		t.Errorf("merge calls after explicit merge = %d, want 1", got)
	}
}

func TestMergeOnLogin_EmptyAnonymousFetches(t *testing.T) {
	h := newHarness(t)
	h.remote.seed("alice", model.LineItem{ItemID: mug.ItemID, Kind: mug.Kind, Quantity: 4})

	h.login(t, "alice")

	if h.remote.count("merge") != 0 {
		t.Error("empty anonymous cart should not call merge")
	}
	if h.remote.count("fetch") == 0 {
		t.Error("login should fetch the server cart")
	}
	if got := h.engine.CurrentSnapshot().Quantity(mug); got != 4 {
		t.Errorf("Quantity = %d, want 4", got)
	}
}

func TestMergeOnLogin_ReappliesPlaceholderCode(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2)
	h.engine.ApplyDiscount(context.Background(), "SPRING")

	h.login(t, "alice")

	c := h.engine.CurrentSnapshot()
	if c.DiscountCode != "SPRING" || c.DiscountSource != model.DiscountServer {
		t.Errorf("discount = %q/%q, want SPRING/server", c.DiscountCode, c.DiscountSource)
	}
	if !c.DiscountAmount.Equal(serverDiscount) {
		t.Errorf("DiscountAmount = %s, want server amount %s", c.DiscountAmount, serverDiscount)
	}
}

func TestMergeFailure_KeepsAnonymousCartAndRetries(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2)
	h.remote.setFail("merge", model.NewGatewayError("cart API", errors.New("boom")))

	h.session.Login(auth.Credential{Token: "tok", Subject: "alice"})
	_, err := h.engine.Reload(context.Background())
	if !errors.Is(err, model.ErrMergeConflict) {
		t.Fatalf("Reload err = %v, want ErrMergeConflict", err)
	}
	if !h.engine.MergePending() {
		t.Error("merge should be pending")
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); !ok {
		t.Fatal("anonymous storage must survive a failed merge")
	}

	_, err = h.engine.AddItem(context.Background(), mug.ItemID, mug.Kind, 1)
	if !errors.Is(err, model.ErrMergePending) {
		t.Errorf("AddItem err = %v, want ErrMergePending", err)
	}
	if !model.IsRetryable(err) {
		t.Error("merge pending should be retryable")
	}
	if h.remote.count("add") != 0 {
		t.Error("mutation must not reach the server while the merge is pending")
	}

	h.remote.setFail("merge", nil)
	c, err := h.engine.AddItem(context.Background(), mug.ItemID, mug.Kind, 1)
	if err != nil {
		t.Fatalf("AddItem after recovery: %v", err)
	}
	if c.Quantity(tea) != 2 || c.Quantity(mug) != 1 {
		t.Errorf("items = %+v, want merged tea plus mug", c.Items)
	}
	if h.engine.MergePending() {
		t.Error("merge should no longer be pending")
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); ok {
		t.Error("anonymous storage should be deleted after the retried merge")
	}
}

func TestLogoutWithPendingMerge_KeepsAnonymousCart(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 2)
	h.remote.setFail("merge", model.NewGatewayError("cart API", errors.New("boom")))

	h.session.Login(auth.Credential{Token: "tok", Subject: "alice"})
	if _, err := h.engine.Reload(context.Background()); !errors.Is(err, model.ErrMergeConflict) {
		t.Fatalf("Reload err = %v, want ErrMergeConflict", err)
	}

	h.session.Logout()
	c, err := h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload after logout: %v", err)
	}

	if h.engine.State() != auth.StateAnonymous || h.engine.MergePending() {
		t.Errorf("state = %s pending = %v, want anonymous and not pending", h.engine.State(), h.engine.MergePending())
	}
	if !c.IsAnonymous() || c.Quantity(tea) != 2 {
		t.Errorf("cart = %q %+v, want the unmerged anonymous cart with 2 tea", c.OwnerKey, c.Items)
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); !ok {
		t.Fatal("unmerged anonymous storage must survive logout")
	}

	// Signing in again retries the merge with the kept cart.
	h.remote.setFail("merge", nil)
	h.session.Login(auth.Credential{Token: "tok2", Subject: "alice"})
	c, err = h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload after second login: %v", err)
	}
	if c.Quantity(tea) != 2 || h.engine.MergePending() {
		t.Errorf("items = %+v pending = %v, want merged tea", c.Items, h.engine.MergePending())
	}
	if _, ok, _ := h.storage.Get(context.Background(), localstore.DefaultKey); ok {
		t.Error("anonymous storage should be deleted once the merge succeeds")
	}
}

func TestLogout_StartsFreshAnonymousCart(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 1)
	h.login(t, "alice")
	mustAdd(t, h.engine, mug, 3)

	h.session.Logout()
	c, err := h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if h.engine.State() != auth.StateAnonymous || !c.IsAnonymous() {
		t.Errorf("state = %s owner = %q, want anonymous", h.engine.State(), c.OwnerKey)
	}
	if len(c.Items) != 0 {
		t.Errorf("items = %+v, want fresh empty cart", c.Items)
	}

	// The fresh cart is the one that persists now.
	c = mustAdd(t, h.engine, blend, 1)
	if len(c.Items) != 1 || c.Quantity(blend) != 1 {
		t.Errorf("items = %+v", c.Items)
	}
	if got := h.store.Load(context.Background()); got.Quantity(blend) != 1 || got.Quantity(tea) != 0 {
		t.Errorf("persisted = %+v", got.Items)
	}
}

func TestLoginAsDifferentSubject(t *testing.T) {
	h := newHarness(t)
	h.remote.seed("bob", model.LineItem{ItemID: blend.ItemID, Kind: blend.Kind, Quantity: 2})
	h.login(t, "alice")
	mustAdd(t, h.engine, tea, 1)

	h.session.Login(auth.Credential{Token: "tok-bob", Subject: "bob"})
	c, err := h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.OwnerKey != "bob" || c.Quantity(blend) != 2 || c.Quantity(tea) != 0 {
		t.Errorf("cart = %s %+v, want bob's cart only", c.OwnerKey, c.Items)
	}
}

func TestGatewayFailure_LeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")
	before := mustAdd(t, h.engine, tea, 2)

	h.remote.setFail("update", model.NewGatewayError("cart API", errors.New("503")))
	got, err := h.engine.UpdateQuantity(context.Background(), tea.ItemID, tea.Kind, 5)
	if !errors.Is(err, model.ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if got.Quantity(tea) != 2 || got.Revision != before.Revision {
		t.Errorf("returned cart qty %d rev %d, want 2 rev %d", got.Quantity(tea), got.Revision, before.Revision)
	}
	if snap := h.engine.CurrentSnapshot(); snap.Quantity(tea) != 2 {
		t.Errorf("snapshot qty = %d, want 2", snap.Quantity(tea))
	}
}

func TestRejectedCredential_TreatedAsAnonymous(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.remote.setFail("add", model.NewUnauthorizedError("token revoked"))
	c, err := h.engine.AddItem(context.Background(), tea.ItemID, tea.Kind, 1)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if h.engine.State() != auth.StateAnonymous || !c.IsAnonymous() {
		t.Errorf("state = %s owner = %q, want anonymous", h.engine.State(), c.OwnerKey)
	}
	if c.Quantity(tea) != 1 {
		t.Errorf("Quantity = %d, want 1 (applied locally)", c.Quantity(tea))
	}

	// Same rejected token: stays anonymous, no further server calls.
	adds := h.remote.count("add")
	mustAdd(t, h.engine, tea, 1)
	if h.remote.count("add") != adds {
		t.Error("rejected token should not be retried")
	}

	// A refreshed token logs back in and merges what was added meanwhile.
	h.remote.setFail("add", nil)
	h.session.Refresh(auth.Credential{Token: "fresh", Subject: "alice"})
	c, err = h.engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.OwnerKey != "alice" || c.Quantity(tea) != 2 {
		t.Errorf("cart = %s qty %d, want alice with 2", c.OwnerKey, c.Quantity(tea))
	}
}

func TestExpiredCredential_TreatedAsSignedOut(t *testing.T) {
	h := newHarness(t)
	h.session.Login(auth.Credential{Token: "short", Subject: "alice", ExpiresAt: time.Now().Add(300 * time.Millisecond)})
	h.engine.Reload(context.Background())
	if h.engine.State() != auth.StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", h.engine.State())
	}

	time.Sleep(400 * time.Millisecond)
	c := mustAdd(t, h.engine, tea, 1)
	if !c.IsAnonymous() {
		t.Errorf("owner = %q, want anonymous after expiry", c.OwnerKey)
	}
	if h.remote.count("add") != 0 {
		t.Error("expired credential must not reach the server")
	}
}

func TestMergeWhileAnonymous(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.MergeAnonymousIntoAuthenticated(context.Background()); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLoginTransitionAppliedWithoutFurtherCalls(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 1)

	sub := h.engine.Observe(context.Background())
	defer sub.Close()

	h.session.Login(auth.Credential{Token: "tok", Subject: "alice"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-sub.C():
			if c.OwnerKey == "alice" {
				if c.Quantity(tea) != 1 {
					t.Errorf("merged quantity = %d, want 1", c.Quantity(tea))
				}
				return
			}
		case <-deadline:
			t.Fatal("login transition never published an authenticated cart")
		}
	}
}

func TestSerializedMutations(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.AddItem(context.Background(), tea.ItemID, tea.Kind, 1)
		}()
	}
	wg.Wait()

	c := h.engine.CurrentSnapshot()
	if len(c.Items) != 1 || c.Quantity(tea) != 25 {
		t.Errorf("items = %+v, want one entry with 25", c.Items)
	}
	assertTotal(t, c)
}

func TestObserve_CloseReleasesWatcher(t *testing.T) {
	h := newHarness(t)
	before := runtime.NumGoroutine()

	for range 100 {
		sub := h.engine.Observe(context.Background())
		sub.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		after := runtime.NumGoroutine()
		if after <= before+5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutines before=%d after=%d, want watchers to exit on Close", before, after)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestObserve(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.engine, tea, 1)

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.engine.Observe(ctx)

	first := <-sub.C()
	if first.Quantity(tea) != 1 {
		t.Errorf("first snapshot qty = %d, want 1 (latest value on subscribe)", first.Quantity(tea))
	}

	// Slow subscriber: several publishes conflate into the latest.
	mustAdd(t, h.engine, tea, 1)
	mustAdd(t, h.engine, tea, 1)
	latest := mustAdd(t, h.engine, tea, 1)

	got := <-sub.C()
	if got.Revision != latest.Revision || got.Quantity(tea) != 4 {
		t.Errorf("conflated snapshot rev %d qty %d, want rev %d qty 4", got.Revision, got.Quantity(tea), latest.Revision)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("unexpected extra snapshot rev %d", extra.Revision)
	default:
	}

	// A late subscriber gets the latest value immediately.
	late := h.engine.Observe(context.Background())
	if c := <-late.C(); c.Revision != latest.Revision {
		t.Errorf("late subscriber rev = %d, want %d", c.Revision, latest.Revision)
	}
	late.Close()
	late.Close()

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after context cancel")
		}
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	h := newHarness(t)
	snap := mustAdd(t, h.engine, tea, 2)

	edited := snap.Clone()
	edited.Items[0].Quantity = 99

	if h.engine.CurrentSnapshot().Quantity(tea) != 2 {
		t.Error("editing a clone leaked into the engine")
	}
	next := mustAdd(t, h.engine, tea, 1)
	if snap.Quantity(tea) != 2 || next.Quantity(tea) != 3 {
		t.Errorf("old snapshot mutated: old %d new %d", snap.Quantity(tea), next.Quantity(tea))
	}
}

func TestStorageWriteFailure_LeavesStateUnchanged(t *testing.T) {
	session := auth.NewSession()
	e := New(Config{}, Deps{
		Catalog: fakeCatalog(),
		Local:   localstore.New(readOnlyStorage{}, "", quietLogger()),
		Remote:  newFakeRemote(),
		Auth:    session,
		Logger:  quietLogger(),
	})
	e.Start(context.Background())
	defer e.Close()

	_, err := e.AddItem(context.Background(), tea.ItemID, tea.Kind, 1)
	if err == nil {
		t.Fatal("expected storage error")
	}
	if len(e.CurrentSnapshot().Items) != 0 {
		t.Error("failed save must not publish")
	}
}

type readOnlyStorage struct{}

func (readOnlyStorage) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (readOnlyStorage) Set(context.Context, string, []byte) error {
	return errors.New("read-only")
}
func (readOnlyStorage) Delete(context.Context, string) error { return nil }
