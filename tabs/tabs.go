// Package tabs owns the open editing sessions of the client: creation,
// lookup by backing resource, destruction, active-selection tracking and
// the capacity limit.
//
// Invariant: the registry is never empty. Any close that would remove the
// last tab creates a fresh empty tab inside the same critical section.
package tabs

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/basestate/runid/idgen"
)

// DefaultCapacity is the open-tab limit.
const DefaultCapacity = 20

// SourceType discriminates where a tab's content came from.
type SourceType string

const (
	SourceCollection SourceType = "collection"
	SourceHistory    SourceType = "history"
)

// Source identifies the backend resource a tab was opened from. Two
// sources are equal iff the type and all identifying fields match exactly.
type Source struct {
	Type           SourceType `json:"type"`
	CollectionID   string     `json:"collection_id,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	HistoryEntryID string     `json:"history_entry_id,omitempty"`
}

// FromCollection builds a collection-request source.
func FromCollection(collectionID, requestID string) Source {
	return Source{Type: SourceCollection, CollectionID: collectionID, RequestID: requestID}
}

// FromHistory builds a history-entry source.
func FromHistory(historyEntryID string) Source {
	return Source{Type: SourceHistory, HistoryEntryID: historyEntryID}
}

// Response is the last response shown in a tab.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	TotalMS int64             `json:"total_ms"`
}

// Tab is one open editing session. ID is assigned at creation and never
// reassigned.
type Tab struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Response  *Response         `json:"response,omitempty"`
	IsDirty   bool              `json:"is_dirty"`
	Source    *Source           `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (t *Tab) clone() Tab {
	out := *t
	out.Headers = maps.Clone(t.Headers)
	if t.Response != nil {
		r := *t.Response
		r.Headers = maps.Clone(t.Response.Headers)
		out.Response = &r
	}
	if t.Source != nil {
		s := *t.Source
		out.Source = &s
	}
	return out
}

// Notifier receives the single user-visible message produced when an open
// is rejected at capacity.
type Notifier func(msg string)

// Registry owns the open tabs and their display order. Safe for
// concurrent use. A fresh registry contains one empty active tab.
type Registry struct {
	mu       sync.Mutex
	tabs     map[string]*Tab
	order    []string
	activeID string

	capacity int
	newID    idgen.Generator
	notify   Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity overrides the open-tab limit (default 20).
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithIDGenerator sets the tab id strategy.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithNotifier sets the capacity-warning sink.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notify = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry holding one empty active tab.
func New(opts ...Option) *Registry {
	r := &Registry{
		tabs:     make(map[string]*Tab),
		capacity: DefaultCapacity,
		newID:    idgen.Prefixed("tab_", idgen.Default),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.notify == nil {
		log := r.logger
		r.notify = func(msg string) { log.Warn("tabs: " + msg) }
	}
	r.mu.Lock()
	r.openEmptyLocked()
	r.mu.Unlock()
	return r
}

// OpenOptions seeds a new tab. Zero values fall back to defaults: method
// GET, label derived from the URL.
type OpenOptions struct {
	Label   string
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Source  *Source
}

// Open creates a tab, makes it active, and returns its id. At capacity it
// is a no-op: the current active id is returned and the notifier fires
// exactly once for this rejected call.
func (r *Registry) Open(o OpenOptions) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tabs) >= r.capacity {
		r.notify("tab limit reached; close a tab before opening another")
		return r.activeID
	}
	return r.openLocked(o)
}

func (r *Registry) openLocked(o OpenOptions) string {
	t := &Tab{
		ID:        r.newID(),
		Label:     o.Label,
		Method:    o.Method,
		URL:       o.URL,
		Headers:   maps.Clone(o.Headers),
		Body:      o.Body,
		Source:    o.Source,
		CreatedAt: r.now(),
	}
	if t.Label == "" {
		t.Label = DeriveLabel(o.URL)
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	if t.Headers == nil {
		t.Headers = make(map[string]string)
	}
	r.tabs[t.ID] = t
	r.order = append(r.order, t.ID)
	r.activeID = t.ID
	return t.ID
}

func (r *Registry) openEmptyLocked() string {
	return r.openLocked(OpenOptions{})
}

// Close removes a tab. Closing the active tab activates the next tab in
// display order, falling back to the previous one. Closing the last tab
// atomically opens a fresh empty tab. Unknown ids are a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(id)
}

func (r *Registry) closeLocked(id string) {
	if _, ok := r.tabs[id]; !ok {
		return
	}
	idx := -1
	for i, other := range r.order {
		if other == id {
			idx = i
			break
		}
	}
	delete(r.tabs, id)
	r.order = append(r.order[:idx:idx], r.order[idx+1:]...)

	if len(r.order) == 0 {
		r.openEmptyLocked()
		return
	}
	if r.activeID == id {
		if idx < len(r.order) {
			r.activeID = r.order[idx] // next in display order
		} else {
			r.activeID = r.order[idx-1] // fall back to previous
		}
	}
}

// CloseOthers closes every tab except keepID and makes it active.
// A no-op if keepID is unknown.
func (r *Registry) CloseOthers(keepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep, ok := r.tabs[keepID]
	if !ok {
		return
	}
	r.tabs = map[string]*Tab{keepID: keep}
	r.order = []string{keepID}
	r.activeID = keepID
}

// CloseAll closes every tab and opens one fresh empty tab.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tabs = make(map[string]*Tab)
	r.order = nil
	r.activeID = ""
	r.openEmptyLocked()
}

// Patch is a shallow merge applied by Update. Nil fields are left
// untouched. The tab id can never be patched.
type Patch struct {
	Label    *string
	Method   *string
	URL      *string
	Headers  map[string]string // replaced wholesale when non-nil
	Body     *string
	Response *Response
	// ClearResponse drops the stored response; wins over Response.
	ClearResponse bool
	IsDirty       *bool
	Source        *Source
}

// Update shallow-merges patch into the tab. Unknown ids are a no-op.
func (r *Registry) Update(id string, p Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[id]
	if !ok {
		return
	}
	if p.Label != nil {
		t.Label = *p.Label
	}
	if p.Method != nil {
		t.Method = *p.Method
	}
	if p.URL != nil {
		t.URL = *p.URL
	}
	if p.Headers != nil {
		t.Headers = maps.Clone(p.Headers)
	}
	if p.Body != nil {
		t.Body = *p.Body
	}
	if p.ClearResponse {
		t.Response = nil
	} else if p.Response != nil {
		resp := *p.Response
		t.Response = &resp
	}
	if p.IsDirty != nil {
		t.IsDirty = *p.IsDirty
	}
	if p.Source != nil {
		src := *p.Source
		t.Source = &src
	}
}

// Reorder moves a tab to newIndex in display order, clamping the index
// into range. Unknown ids are a no-op.
func (r *Registry) Reorder(id string, newIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, other := range r.order {
		if other == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(r.order)-1 {
		newIndex = len(r.order) - 1
	}
	if newIndex == idx {
		return
	}

	r.order = append(r.order[:idx:idx], r.order[idx+1:]...)
	r.order = append(r.order[:newIndex:newIndex], append([]string{id}, r.order[newIndex:]...)...)
}

// Activate makes the tab active. Unknown ids are a no-op. Used for
// idempotent open-or-focus: callers check FindBySource first and activate
// the hit instead of opening a duplicate.
func (r *Registry) Activate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; ok {
		r.activeID = id
	}
}

// FindBySource returns the id of the tab whose source equals src exactly.
// ok is false when no tab matches, including when no tab has a source.
func (r *Registry) FindBySource(src Source) (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tid := range r.order {
		t := r.tabs[tid]
		if t.Source != nil && *t.Source == src {
			return tid, true
		}
	}
	return "", false
}

// ActiveID returns the active tab id.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Get returns a copy of the tab.
func (r *Registry) Get(id string) (Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[id]
	if !ok {
		return Tab{}, false
	}
	return t.clone(), true
}

// Tabs returns copies of all tabs in display order.
func (r *Registry) Tabs() []Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tab, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tabs[id].clone())
	}
	return out
}

// Order returns the display order snapshot.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the open-tab count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}
