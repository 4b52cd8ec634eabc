// Package readcache mirrors the backend's collections for display and owns
// the selection cursor. The cache never mutates backend state; it re-reads
// through a Loader when the coordinator tells it to.
package readcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basestate/runid/backend"
	"github.com/basestate/runid/envelope"
)

// Loader is the read side of the resource store.
type Loader interface {
	Collections(ctx context.Context) ([]backend.Collection, error)
	Collection(ctx context.Context, id string) (backend.Collection, error)
}

// Cursor is the selection state. The coordinator mutates it as a cascade;
// the UI mutates it through the select methods. It must be cleared whenever
// the entity it references is deleted.
type Cursor struct {
	SelectedCollectionID string          `json:"selected_collection_id,omitempty"`
	SelectedRequestID    string          `json:"selected_request_id,omitempty"`
	Expanded             map[string]bool `json:"expanded"`
}

func (c Cursor) clone() Cursor {
	out := c
	out.Expanded = make(map[string]bool, len(c.Expanded))
	for k, v := range c.Expanded {
		out.Expanded[k] = v
	}
	return out
}

// Cache holds the mirrored collections, the cursor and per-collection
// drift summaries.
type Cache struct {
	loader Loader
	logger *slog.Logger

	mu          sync.RWMutex
	collections []backend.Collection
	cursor      Cursor
	drift       map[string]envelope.RefreshPayload
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache over a loader.
func New(loader Loader, opts ...Option) *Cache {
	c := &Cache{
		loader: loader,
		logger: slog.Default(),
		cursor: Cursor{Expanded: map[string]bool{}},
		drift:  map[string]envelope.RefreshPayload{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LoadCollections replaces the whole mirror. Drift summaries for
// collections that no longer exist are dropped with the mirror entry.
func (c *Cache) LoadCollections(ctx context.Context) error {
	cols, err := c.loader.Collections(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections = cols
	alive := make(map[string]bool, len(cols))
	for _, col := range cols {
		alive[col.ID] = true
	}
	for id := range c.drift {
		if !alive[id] {
			delete(c.drift, id)
		}
	}
	return nil
}

// LoadCollection refreshes a single mirror entry in place. A collection
// the loader no longer knows is removed from the mirror.
func (c *Cache) LoadCollection(ctx context.Context, id string) error {
	col, err := c.loader.Collection(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		c.logger.Debug("readcache: collection vanished", "id", id)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeLocked(id)
		return nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.collections {
		if c.collections[i].ID == id {
			c.collections[i] = col
			return nil
		}
	}
	c.collections = append(c.collections, col)
	return nil
}

func (c *Cache) removeLocked(id string) {
	for i := range c.collections {
		if c.collections[i].ID == id {
			c.collections = append(c.collections[:i], c.collections[i+1:]...)
			break
		}
	}
	delete(c.drift, id)
}

// Collections returns a snapshot of the mirror.
func (c *Cache) Collections() []backend.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]backend.Collection, len(c.collections))
	copy(out, c.collections)
	return out
}

// Collection returns one mirrored collection by id.
func (c *Cache) Collection(id string) (backend.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, col := range c.collections {
		if col.ID == id {
			return col, true
		}
	}
	return backend.Collection{}, false
}

// Cursor returns a snapshot of the selection state.
func (c *Cache) Cursor() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor.clone()
}

// SelectCollection moves the cursor to a collection and clears any request
// selection.
func (c *Cache) SelectCollection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor.SelectedCollectionID = id
	c.cursor.SelectedRequestID = ""
}

// SelectRequest moves the cursor to a request within a collection.
func (c *Cache) SelectRequest(collectionID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor.SelectedCollectionID = collectionID
	c.cursor.SelectedRequestID = requestID
}

// ClearRequestSelection clears the request half of the cursor, leaving the
// collection selected.
func (c *Cache) ClearRequestSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor.SelectedRequestID = ""
}

// ClearSelection clears the whole cursor.
func (c *Cache) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor.SelectedCollectionID = ""
	c.cursor.SelectedRequestID = ""
}

// ToggleExpanded flips a collection's expansion state.
func (c *Cache) ToggleExpanded(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor.Expanded[id] {
		delete(c.cursor.Expanded, id)
		return
	}
	c.cursor.Expanded[id] = true
}

// SetDrift attaches a refresh summary to a collection's cached state.
func (c *Cache) SetDrift(id string, summary envelope.RefreshPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drift[id] = summary
}

// Drift returns the last refresh summary for a collection, if any.
func (c *Cache) Drift(id string) (envelope.RefreshPayload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.drift[id]
	return s, ok
}
