package readcache

import (
	"context"
	"errors"
	"testing"

	"github.com/basestate/runid/backend"
	"github.com/basestate/runid/envelope"
)

type fakeLoader struct {
	cols map[string]backend.Collection
	err  error
}

func (f *fakeLoader) Collections(context.Context) ([]backend.Collection, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []backend.Collection{}
	for _, c := range f.cols {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeLoader) Collection(_ context.Context, id string) (backend.Collection, error) {
	if f.err != nil {
		return backend.Collection{}, f.err
	}
	c, ok := f.cols[id]
	if !ok {
		return backend.Collection{}, backend.ErrNotFound
	}
	return c, nil
}

func TestLoadCollectionsReplacesMirror(t *testing.T) {
	loader := &fakeLoader{cols: map[string]backend.Collection{
		"col_1": {ID: "col_1", Name: "one"},
		"col_2": {ID: "col_2", Name: "two"},
	}}
	c := New(loader)
	if err := c.LoadCollections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(c.Collections()); got != 2 {
		t.Fatalf("mirror size = %d, want 2", got)
	}

	c.SetDrift("col_2", envelope.RefreshPayload{CollectionID: "col_2", Changed: true})
	delete(loader.cols, "col_2")
	if err := c.LoadCollections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(c.Collections()); got != 1 {
		t.Fatalf("mirror size = %d, want 1", got)
	}
	if _, ok := c.Drift("col_2"); ok {
		t.Fatal("drift survived the collection it describes")
	}
}

func TestLoadCollectionUpdatesOneEntry(t *testing.T) {
	loader := &fakeLoader{cols: map[string]backend.Collection{
		"col_1": {ID: "col_1", Name: "one"},
	}}
	c := New(loader)
	if err := c.LoadCollections(context.Background()); err != nil {
		t.Fatal(err)
	}

	loader.cols["col_1"] = backend.Collection{ID: "col_1", Name: "renamed"}
	if err := c.LoadCollection(context.Background(), "col_1"); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Collection("col_1")
	if !ok || got.Name != "renamed" {
		t.Fatalf("Collection = %+v, ok=%v", got, ok)
	}

	// Unknown to the mirror but known to the loader: gets added.
	loader.cols["col_2"] = backend.Collection{ID: "col_2", Name: "two"}
	if err := c.LoadCollection(context.Background(), "col_2"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Collection("col_2"); !ok {
		t.Fatal("col_2 missing after LoadCollection")
	}

	// Vanished upstream: removed from the mirror, not an error.
	delete(loader.cols, "col_1")
	if err := c.LoadCollection(context.Background(), "col_1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Collection("col_1"); ok {
		t.Fatal("col_1 still mirrored after upstream delete")
	}
}

func TestLoadErrorLeavesMirrorIntact(t *testing.T) {
	loader := &fakeLoader{cols: map[string]backend.Collection{
		"col_1": {ID: "col_1", Name: "one"},
	}}
	c := New(loader)
	if err := c.LoadCollections(context.Background()); err != nil {
		t.Fatal(err)
	}

	loader.err = errors.New("backend down")
	if err := c.LoadCollections(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := len(c.Collections()); got != 1 {
		t.Fatalf("mirror size = %d after failed load, want 1", got)
	}
}

func TestCursor(t *testing.T) {
	c := New(&fakeLoader{})

	c.SelectRequest("col_1", "req_1")
	cur := c.Cursor()
	if cur.SelectedCollectionID != "col_1" || cur.SelectedRequestID != "req_1" {
		t.Fatalf("cursor = %+v", cur)
	}

	c.ClearRequestSelection()
	cur = c.Cursor()
	if cur.SelectedCollectionID != "col_1" || cur.SelectedRequestID != "" {
		t.Fatalf("after ClearRequestSelection: %+v", cur)
	}

	// Selecting a collection drops any request selection.
	c.SelectRequest("col_1", "req_2")
	c.SelectCollection("col_2")
	cur = c.Cursor()
	if cur.SelectedCollectionID != "col_2" || cur.SelectedRequestID != "" {
		t.Fatalf("after SelectCollection: %+v", cur)
	}

	c.ClearSelection()
	cur = c.Cursor()
	if cur.SelectedCollectionID != "" || cur.SelectedRequestID != "" {
		t.Fatalf("after ClearSelection: %+v", cur)
	}
}

func TestToggleExpanded(t *testing.T) {
	c := New(&fakeLoader{})
	c.ToggleExpanded("col_1")
	if !c.Cursor().Expanded["col_1"] {
		t.Fatal("expected expanded after first toggle")
	}
	c.ToggleExpanded("col_1")
	if c.Cursor().Expanded["col_1"] {
		t.Fatal("expected collapsed after second toggle")
	}
}

func TestCursorSnapshotIsolation(t *testing.T) {
	c := New(&fakeLoader{})
	c.ToggleExpanded("col_1")
	snap := c.Cursor()
	snap.Expanded["col_2"] = true
	if c.Cursor().Expanded["col_2"] {
		t.Fatal("snapshot mutation leaked into the cache")
	}
}
