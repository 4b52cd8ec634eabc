// Package coord is the synchronization coordinator: it subscribes to every
// backend channel and translates each envelope into a provenance entry, a
// read-cache refresh and the cascading effects that keep open tabs and the
// selection cursor coherent with durable state.
//
// The coordinator is the only component that mutates more than one store
// within a single logical step. Handlers re-read registry and cursor state
// after each refresh rather than closing over values captured before it,
// because handlers on different channels interleave at the refresh call.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basestate/runid/bus"
	"github.com/basestate/runid/envelope"
	"github.com/basestate/runid/provenance"
	"github.com/basestate/runid/readcache"
	"github.com/basestate/runid/tabs"
)

// Per-channel subscription buffer. Delivery within a channel stays FIFO;
// the buffer only absorbs bursts.
const subscriptionBuffer = 64

// Stats counts envelope handling outcomes.
type Stats struct {
	Handled         uint64 `json:"handled"`
	Dropped         uint64 `json:"dropped"`
	RefreshFailures uint64 `json:"refresh_failures"`
}

// Coordinator wires the bus to the provenance log, the tab registry and
// the read cache. Create with New, then Start once; Stop is idempotent.
type Coordinator struct {
	bus    *bus.Bus
	log    *provenance.Log
	tabs   *tabs.Registry
	cache  *readcache.Cache
	logger *slog.Logger

	follow atomic.Bool

	// live guards every state mutation after a suspension point. Stop
	// flips it before cancelling subscriptions so a refresh already in
	// flight completes but its result is discarded.
	live    atomic.Bool
	stopped atomic.Bool

	handled         atomic.Uint64
	dropped         atomic.Uint64
	refreshFailures atomic.Uint64

	mu   sync.Mutex
	subs []*bus.Subscription
	wg   sync.WaitGroup
	stop sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithFollowMode sets the initial follow-mode state (default off).
func WithFollowMode(enabled bool) Option {
	return func(c *Coordinator) { c.follow.Store(enabled) }
}

// New creates a coordinator. It does nothing until Start.
func New(b *bus.Bus, log *provenance.Log, registry *tabs.Registry, cache *readcache.Cache, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:    b,
		log:    log,
		tabs:   registry,
		cache:  cache,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetFollowMode toggles follow-mode at runtime.
func (c *Coordinator) SetFollowMode(enabled bool) { c.follow.Store(enabled) }

// FollowMode reports the current follow-mode setting.
func (c *Coordinator) FollowMode() bool { return c.follow.Load() }

// Stats returns handling counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Handled:         c.handled.Load(),
		Dropped:         c.dropped.Load(),
		RefreshFailures: c.refreshFailures.Load(),
	}
}

// Start subscribes to every channel and begins processing. ctx bounds the
// refresh calls issued while handling; it does not replace Stop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 || c.stopped.Load() {
		return
	}
	c.live.Store(true)
	for _, ch := range envelope.Channels() {
		sub := c.bus.Subscribe(ch, subscriptionBuffer)
		c.subs = append(c.subs, sub)
		c.wg.Add(1)
		go func(ch envelope.Channel, sub *bus.Subscription) {
			defer c.wg.Done()
			for env := range sub.C() {
				c.handle(ctx, ch, env)
			}
		}(ch, sub)
	}
}

// Stop halts processing. Envelopes already handed to a handler finish
// their synchronous steps; refresh results arriving afterwards are
// discarded. Safe to call more than once and after the bus closed.
func (c *Coordinator) Stop() {
	c.stop.Do(func() {
		c.stopped.Store(true)
		c.live.Store(false)
		c.mu.Lock()
		subs := c.subs
		c.mu.Unlock()
		for _, s := range subs {
			s.Cancel()
		}
	})
	c.wg.Wait()
}

func (c *Coordinator) handle(ctx context.Context, ch envelope.Channel, env envelope.Envelope) {
	if !c.live.Load() {
		return
	}

	switch ch {
	case envelope.CollectionCreated, envelope.CollectionDeleted,
		envelope.CollectionSaved, envelope.CollectionImported:
		c.handleCollection(ctx, ch, env)
	case envelope.CollectionRefreshed:
		c.handleRefreshed(env)
	case envelope.EnvironmentActivated, envelope.EnvironmentDeactivated,
		envelope.EnvironmentDeleted, envelope.EnvironmentUpdated:
		c.handleEnvironment(ch, env)
	case envelope.RequestAdded, envelope.RequestUpdated, envelope.RequestDeleted:
		c.handleRequest(ctx, ch, env)
	case envelope.RequestExecuted:
		c.handleExecuted(env)
	default:
		c.drop(ch, fmt.Errorf("unknown channel"))
	}
}

func (c *Coordinator) drop(ch envelope.Channel, err error) {
	c.dropped.Add(1)
	c.logger.Debug("coord: envelope dropped", "channel", ch, "error", err)
}

// record appends a provenance entry from an envelope. Always the first
// step: the event did occur even if the local mirror later fails to catch
// up.
func (c *Coordinator) record(env envelope.Envelope, action provenance.Action, target, targetID string) {
	e := provenance.Entry{
		Actor:    env.Actor,
		Action:   action,
		Target:   target,
		TargetID: targetID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		e.Timestamp = ts
	}
	if env.Lamport != nil {
		seq := env.Lamport.Seq
		e.Seq = &seq
	}
	c.log.Append(e)
	c.handled.Add(1)
}

// refresh runs a read-cache load and reports whether the cascade may
// proceed: false on refresh failure or if the coordinator stopped while
// the load was in flight.
func (c *Coordinator) refresh(ch envelope.Channel, load func() error) bool {
	if err := load(); err != nil {
		c.refreshFailures.Add(1)
		c.logger.Warn("coord: refresh failed", "channel", ch, "error", err)
		return false
	}
	return c.live.Load()
}

func (c *Coordinator) handleCollection(ctx context.Context, ch envelope.Channel, env envelope.Envelope) {
	p, err := envelope.DecodeCollection(ch, env.Payload)
	if err != nil {
		c.drop(ch, err)
		return
	}

	var action provenance.Action
	switch ch {
	case envelope.CollectionCreated, envelope.CollectionImported:
		action = provenance.CreatedCollection
	case envelope.CollectionDeleted:
		action = provenance.DeletedCollection
	default:
		action = provenance.SavedCollection
	}
	c.record(env, action, p.Name, p.ID)

	if !c.refresh(ch, func() error { return c.cache.LoadCollections(ctx) }) {
		return
	}

	if ch == envelope.CollectionDeleted {
		// Fresh reads: another channel's handler may have mutated the
		// registry or cursor while the refresh was in flight.
		for _, t := range c.tabs.Tabs() {
			if t.Source != nil && t.Source.CollectionID == p.ID {
				c.tabs.Close(t.ID)
			}
		}
		if c.cache.Cursor().SelectedCollectionID == p.ID {
			c.cache.ClearSelection()
		}
		return
	}

	if ch == envelope.CollectionCreated && Follow(env.Actor, c.follow.Load()) {
		c.cache.SelectCollection(p.ID)
		c.cache.ToggleExpanded(p.ID)
	}
}

func (c *Coordinator) handleRefreshed(env envelope.Envelope) {
	p, err := envelope.DecodeRefresh(env.Payload)
	if err != nil {
		c.drop(envelope.CollectionRefreshed, err)
		return
	}
	c.record(env, provenance.SavedCollection, c.collectionName(p.CollectionID), p.CollectionID)
	if !c.live.Load() {
		return
	}
	c.cache.SetDrift(p.CollectionID, p)
}

func (c *Coordinator) handleEnvironment(ch envelope.Channel, env envelope.Envelope) {
	p, err := envelope.DecodeEnvironment(ch, env.Payload)
	if err != nil {
		c.drop(ch, err)
		return
	}
	target := p.Name
	if target == "" {
		target = p.EnvironmentID
	}
	c.record(env, provenance.SavedCollection, target, p.CollectionID)
}

func (c *Coordinator) handleRequest(ctx context.Context, ch envelope.Channel, env envelope.Envelope) {
	p, err := envelope.DecodeRequest(ch, env.Payload)
	if err != nil {
		c.drop(ch, err)
		return
	}

	var action provenance.Action
	switch ch {
	case envelope.RequestAdded:
		action = provenance.AddedRequest
	case envelope.RequestUpdated:
		action = provenance.UpdatedRequest
	default:
		action = provenance.DeletedRequest
	}
	target := p.Name
	if target == "" {
		target = p.RequestID
	}
	c.record(env, action, target, p.RequestID)

	if !c.refresh(ch, func() error { return c.cache.LoadCollection(ctx, p.CollectionID) }) {
		return
	}

	switch ch {
	case envelope.RequestDeleted:
		if id, ok := c.tabs.FindBySource(tabs.FromCollection(p.CollectionID, p.RequestID)); ok {
			c.tabs.Close(id)
		}
		if c.cache.Cursor().SelectedRequestID == p.RequestID {
			c.cache.ClearRequestSelection()
		}
	case envelope.RequestUpdated:
		c.cascadeRequestUpdate(p.CollectionID, p.RequestID)
	case envelope.RequestAdded:
		if Follow(env.Actor, c.follow.Load()) {
			c.cache.SelectCollection(p.CollectionID)
		}
	}
}

// cascadeRequestUpdate overwrites an open tab's definition from the freshly
// refreshed resource. Upstream wins: any unsaved edit is clobbered and the
// dirty flag cleared.
func (c *Coordinator) cascadeRequestUpdate(collectionID, requestID string) {
	tabID, ok := c.tabs.FindBySource(tabs.FromCollection(collectionID, requestID))
	if !ok {
		return
	}
	col, ok := c.cache.Collection(collectionID)
	if !ok {
		return
	}
	for _, req := range col.Requests {
		if req.ID != requestID {
			continue
		}
		dirty := false
		c.tabs.Update(tabID, tabs.Patch{
			Label:   &req.Name,
			Method:  &req.Method,
			URL:     &req.URL,
			Headers: req.Headers,
			Body:    &req.Body,
			IsDirty: &dirty,
		})
		return
	}
}

func (c *Coordinator) handleExecuted(env envelope.Envelope) {
	p, err := envelope.DecodeExecuted(env.Payload)
	if err != nil {
		c.drop(envelope.RequestExecuted, err)
		return
	}
	// Operators scan the feed for status codes, so the target carries it.
	target := fmt.Sprintf("%s (HTTP %d)", c.requestName(p.CollectionID, p.RequestID), p.Status)
	c.record(env, provenance.ExecutedRequest, target, p.RequestID)
}

func (c *Coordinator) collectionName(id string) string {
	if col, ok := c.cache.Collection(id); ok {
		return col.Name
	}
	return id
}

func (c *Coordinator) requestName(collectionID, requestID string) string {
	if col, ok := c.cache.Collection(collectionID); ok {
		for _, req := range col.Requests {
			if req.ID == requestID {
				return req.Name
			}
		}
	}
	return requestID
}
