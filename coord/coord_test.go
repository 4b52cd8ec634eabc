package coord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basestate/runid/backend"
	"github.com/basestate/runid/bus"
	"github.com/basestate/runid/dbopen"
	"github.com/basestate/runid/envelope"
	"github.com/basestate/runid/provenance"
	"github.com/basestate/runid/readcache"
	"github.com/basestate/runid/tabs"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

type world struct {
	store *backend.Store
	bus   *bus.Bus
	log   *provenance.Log
	reg   *tabs.Registry
	cache *readcache.Cache
	coord *Coordinator
}

func newWorld(t *testing.T, opts ...Option) *world {
	t.Helper()
	db := dbopen.OpenMemory(t)
	b := bus.New()
	t.Cleanup(b.Close)

	store, err := backend.New(db, b)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	w := &world{
		store: store,
		bus:   b,
		log:   provenance.New(),
		reg:   tabs.New(),
		cache: readcache.New(store),
	}
	w.coord = New(b, w.log, w.reg, w.cache, opts...)
	w.coord.Start(context.Background())
	t.Cleanup(w.coord.Stop)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProvenanceFeed(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.CreateCollection(ctx, envelope.User(), "petstore", "")
	if err != nil {
		t.Fatal(err)
	}
	req, err := w.store.AddRequest(ctx, envelope.User(), col.ID, backend.Request{Name: "list pets"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "two provenance entries", func() bool { return w.log.Len() == 2 })
	entries := w.log.Entries()
	// Newest first.
	if entries[0].Action != provenance.AddedRequest || entries[0].Target != "list pets" || entries[0].TargetID != req.ID {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[1].Action != provenance.CreatedCollection || entries[1].Target != "petstore" {
		t.Fatalf("entries[1] = %+v", entries[1])
	}
	if entries[0].Seq == nil || *entries[0].Seq != 2 {
		t.Fatalf("lamport seq not preserved: %+v", entries[0].Seq)
	}
	if entries[0].Actor.Type != envelope.ActorUser {
		t.Fatalf("actor = %+v", entries[0].Actor)
	}
}

func TestCollectionDeletedCascade(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	doomed, err := w.store.CreateCollection(ctx, envelope.User(), "doomed", "")
	if err != nil {
		t.Fatal(err)
	}
	other, err := w.store.CreateCollection(ctx, envelope.User(), "other", "")
	if err != nil {
		t.Fatal(err)
	}

	src1 := tabs.FromCollection(doomed.ID, "req_1")
	src2 := tabs.FromCollection(doomed.ID, "req_2")
	src3 := tabs.FromCollection(other.ID, "req_3")
	w.reg.Open(tabs.OpenOptions{Label: "one", Source: &src1})
	w.reg.Open(tabs.OpenOptions{Label: "two", Source: &src2})
	survivor := w.reg.Open(tabs.OpenOptions{Label: "three", Source: &src3})
	w.cache.SelectCollection(doomed.ID)

	if err := w.store.DeleteCollection(ctx, envelope.User(), doomed.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "doomed tabs to close", func() bool {
		for _, tab := range w.reg.Tabs() {
			if tab.Source != nil && tab.Source.CollectionID == doomed.ID {
				return false
			}
		}
		return true
	})
	if _, ok := w.reg.Get(survivor); !ok {
		t.Fatal("tab from the other collection was closed")
	}
	waitFor(t, "cursor cleared", func() bool {
		return w.cache.Cursor().SelectedCollectionID == ""
	})
}

func TestRequestDeletedCascade(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.CreateCollection(ctx, envelope.User(), "api", "")
	if err != nil {
		t.Fatal(err)
	}
	r1, err := w.store.AddRequest(ctx, envelope.User(), col.ID, backend.Request{Name: "one"})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := w.store.AddRequest(ctx, envelope.User(), col.ID, backend.Request{Name: "two"})
	if err != nil {
		t.Fatal(err)
	}

	src1 := tabs.FromCollection(col.ID, r1.ID)
	src2 := tabs.FromCollection(col.ID, r2.ID)
	tab1 := w.reg.Open(tabs.OpenOptions{Label: "one", Source: &src1})
	tab2 := w.reg.Open(tabs.OpenOptions{Label: "two", Source: &src2})
	w.cache.SelectRequest(col.ID, r1.ID)

	if err := w.store.DeleteRequest(ctx, envelope.User(), col.ID, r1.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "tab1 to close", func() bool {
		_, ok := w.reg.Get(tab1)
		return !ok
	})
	if _, ok := w.reg.Get(tab2); !ok {
		t.Fatal("sibling tab from the same collection was closed")
	}
	// Only the request half of the cursor clears.
	waitFor(t, "request selection cleared", func() bool {
		cur := w.cache.Cursor()
		return cur.SelectedRequestID == "" && cur.SelectedCollectionID == col.ID
	})
}

func TestRequestUpdatedUpstreamWins(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.CreateCollection(ctx, envelope.User(), "api", "")
	if err != nil {
		t.Fatal(err)
	}
	req, err := w.store.AddRequest(ctx, envelope.User(), col.ID, backend.Request{
		Name: "ping", Method: "GET", URL: "https://x.test/ping",
	})
	if err != nil {
		t.Fatal(err)
	}

	src := tabs.FromCollection(col.ID, req.ID)
	dirty := true
	tabID := w.reg.Open(tabs.OpenOptions{Label: "ping", Method: "GET", URL: "https://x.test/ping", Source: &src})
	w.reg.Update(tabID, tabs.Patch{IsDirty: &dirty})

	req.Method = "POST"
	req.URL = "https://x.test/ping/v2"
	req.Body = `{"deep":true}`
	if err := w.store.UpdateRequest(ctx, envelope.User(), req); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "tab to follow the upstream update", func() bool {
		tab, ok := w.reg.Get(tabID)
		return ok && tab.Method == "POST" && tab.URL == "https://x.test/ping/v2" &&
			tab.Body == `{"deep":true}` && !tab.IsDirty
	})
}

func TestFollowModePullsFocusForAIOnly(t *testing.T) {
	w := newWorld(t, WithFollowMode(true))
	ctx := context.Background()
	ai := envelope.AI("sess-1", "test-model")

	col, err := w.store.CreateCollection(ctx, ai, "agent made", "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "focus to follow the AI creation", func() bool {
		cur := w.cache.Cursor()
		return cur.SelectedCollectionID == col.ID && cur.Expanded[col.ID]
	})

	// User-attributed creations never steal focus, even with the mode on.
	other, err := w.store.CreateCollection(ctx, envelope.User(), "user made", "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "user creation handled", func() bool { return w.log.Len() == 2 })
	if cur := w.cache.Cursor(); cur.SelectedCollectionID == other.ID {
		t.Fatal("user creation pulled focus")
	}

	// request:added by the AI selects its collection.
	if _, err := w.store.AddRequest(ctx, ai, other.ID, backend.Request{Name: "probe"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "focus to follow the AI request", func() bool {
		return w.cache.Cursor().SelectedCollectionID == other.ID
	})
}

func TestFollowModeDisabled(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.CreateCollection(ctx, envelope.AI("sess-1", "m"), "agent made", "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "creation handled", func() bool { return w.log.Len() == 1 })
	if cur := w.cache.Cursor(); cur.SelectedCollectionID == col.ID {
		t.Fatal("focus pulled with follow-mode off")
	}
}

func TestRefreshedAttachesDrift(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.ImportCollection(ctx, envelope.User(), []byte(
		"title: api\noperations:\n  - method: get\n    path: /a\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.store.RefreshCollection(ctx, envelope.System(), col.ID, []byte(
		"title: api\noperations:\n  - method: get\n    path: /a\n  - method: get\n    path: /b\n")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "drift summary", func() bool {
		d, ok := w.cache.Drift(col.ID)
		return ok && d.Changed && len(d.OperationsAdded) == 1
	})
}

func TestExecutedTargetCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	w := newWorld(t)
	ctx := context.Background()
	col, err := w.store.CreateCollection(ctx, envelope.User(), "api", "")
	if err != nil {
		t.Fatal(err)
	}
	req, err := w.store.AddRequest(ctx, envelope.User(), col.ID, backend.Request{Name: "brew", URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	// Let the mirror absorb the request so the feed can show its name.
	waitFor(t, "mirror to hold the request", func() bool {
		c, ok := w.cache.Collection(col.ID)
		return ok && len(c.Requests) == 1
	})

	if _, err := w.store.ExecuteRequest(ctx, envelope.User(), col.ID, req.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "executed entry", func() bool {
		for _, e := range w.log.Entries() {
			if e.Action == provenance.ExecutedRequest {
				return strings.Contains(e.Target, "brew") && strings.Contains(e.Target, "HTTP 418")
			}
		}
		return false
	})
}

func TestEnvironmentChannelsHaveNoCascade(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	col, err := w.store.CreateCollection(ctx, envelope.User(), "api", "")
	if err != nil {
		t.Fatal(err)
	}
	env, err := w.store.CreateEnvironment(ctx, envelope.User(), col.ID, "dev", nil)
	if err != nil {
		t.Fatal(err)
	}
	w.cache.SelectCollection(col.ID)
	before := w.reg.Len()

	if err := w.store.ActivateEnvironment(ctx, envelope.User(), col.ID, env.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "environment entries", func() bool { return w.log.Len() == 3 })

	entries := w.log.Entries()
	if entries[0].Action != provenance.SavedCollection || entries[0].Target != "dev" {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	// Provenance only: tabs and cursor are untouched.
	if w.reg.Len() != before {
		t.Fatalf("tab count changed: %d -> %d", before, w.reg.Len())
	}
	if cur := w.cache.Cursor(); cur.SelectedCollectionID != col.ID {
		t.Fatalf("cursor changed: %+v", cur)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	w := newWorld(t)

	bad, err := envelope.New(envelope.User(), nil, map[string]any{"id": "col_x"}) // missing name
	if err != nil {
		t.Fatal(err)
	}
	w.bus.Publish(envelope.CollectionCreated, bad)

	waitFor(t, "drop counter", func() bool { return w.coord.Stats().Dropped == 1 })
	if w.log.Len() != 0 {
		t.Fatalf("malformed envelope reached the log: %+v", w.log.Entries())
	}

	// The coordinator keeps going afterwards.
	if _, err := w.store.CreateCollection(context.Background(), envelope.User(), "after", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "later envelope handled", func() bool { return w.log.Len() == 1 })
}

func TestStopHaltsProcessing(t *testing.T) {
	w := newWorld(t)
	w.coord.Stop()
	w.coord.Stop() // idempotent

	if _, err := w.store.CreateCollection(context.Background(), envelope.User(), "late", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if w.log.Len() != 0 {
		t.Fatalf("envelope processed after Stop: %+v", w.log.Entries())
	}
	if len(w.cache.Collections()) != 0 {
		t.Fatal("cache mutated after Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	w := newWorld(t)
	w.coord.Start(context.Background()) // second call is a no-op

	if _, err := w.store.CreateCollection(context.Background(), envelope.User(), "once", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "single entry", func() bool { return w.log.Len() == 1 })
	time.Sleep(20 * time.Millisecond)
	if w.log.Len() != 1 {
		t.Fatalf("duplicate subscriptions: %d entries", w.log.Len())
	}
}
