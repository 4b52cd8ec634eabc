// Package backend owns the durable state of the client: collections,
// requests, environments and execution history, stored in SQLite.
//
// Every mutation is attributed to an actor and emits exactly one event
// envelope on the bus. The sync core downstream (coord, readcache, tabs,
// provenance) never touches the database; it reacts to those envelopes and
// re-reads through the read methods.
package backend

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a collection, request or environment does
// not exist.
var ErrNotFound = errors.New("backend: not found")

// Collection is a named group of requests.
type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Requests    []Request `json:"requests"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Request is a stored request definition.
type Request struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collection_id"`
	Name         string            `json:"name"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body,omitempty"`
}

// Environment is a named variable set scoped to a collection. At most one
// environment per collection is active at a time.
type Environment struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collection_id"`
	Name         string            `json:"name"`
	Variables    map[string]string `json:"variables"`
	Active       bool              `json:"active"`
}

// HistoryEntry records one request execution.
type HistoryEntry struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	RequestID    string    `json:"request_id"`
	Status       int       `json:"status"`
	TotalMS      int64     `json:"total_ms"`
	ExecutedAt   time.Time `json:"executed_at"`
	ResponseBody string    `json:"response_body,omitempty"`
}
